package messagelog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/internal/storage"
	"github.com/nordic-institute/X-Road-sub019/pkg/digest"
	"github.com/nordic-institute/X-Road-sub019/pkg/hashchain"
)

// Task is an un-timestamped message record waiting for a token
type Task struct {
	MessageRecordID int64
	SignatureHash   string
}

// Result is the outcome of one Worker run. On success HashChains holds one
// chain per task when more than one task was timestamped.
type Result struct {
	Tasks           []Task
	Token           []byte
	HashChainResult string
	HashChains      []string
	Err             error

	record *storage.TimestampRecord
}

// Worker timestamps one batch of tasks and is then discarded.
type Worker struct {
	ts     Timestamper
	alg    digest.Algorithm
	logger *zap.Logger
}

func (w *Worker) run(ctx context.Context, tasks []Task) *Result {
	res := &Result{Tasks: tasks}

	hashed, err := w.prepare(res)
	if err != nil {
		res.Err = err
		return res
	}

	token, err := w.ts.Timestamp(ctx, hashed)
	if err != nil {
		res.Err = err
		return res
	}
	w.logger.Debug("timestamp received",
		zap.Int("records", len(tasks)),
		zap.Time("genTime", token.GenTime))

	res.Token = token.DER
	res.record = &storage.TimestampRecord{
		Timestamp:       token.DER,
		HashChainResult: res.HashChainResult,
	}
	return res
}

// prepare returns the hash to timestamp: the signature hash of a single
// task, or the root of a hash chain over all signature hashes.
func (w *Worker) prepare(res *Result) ([]byte, error) {
	if len(res.Tasks) == 1 {
		h, err := decodeHash(res.Tasks[0].SignatureHash)
		if err != nil {
			return nil, fmt.Errorf("decoding signature hash of record %d: %w", res.Tasks[0].MessageRecordID, err)
		}
		return h, nil
	}

	b := hashchain.NewBuilder(w.alg)
	for _, t := range res.Tasks {
		h, err := decodeHash(t.SignatureHash)
		if err != nil {
			return nil, fmt.Errorf("decoding signature hash of record %d: %w", t.MessageRecordID, err)
		}
		if err := b.Add(h); err != nil {
			return nil, err
		}
	}
	if err := b.Finish(); err != nil {
		return nil, err
	}

	result, err := b.ResultXML()
	if err != nil {
		return nil, err
	}
	chains, err := b.ChainsXML()
	if err != nil {
		return nil, err
	}
	res.HashChainResult = result
	res.HashChains = chains
	return b.Root()
}
