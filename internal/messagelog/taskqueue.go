package messagelog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/internal/storage"
)

// errBusy is reported to a start request arriving while a worker runs
var errBusy = errors.New("timestamping already in progress")

type startMsg struct {
	reply chan error
}

type resultMsg struct {
	res *Result
}

// TaskQueue is the actor owning batch timestamping. It handles one inbox
// message at a time: a start request loads pending records and spawns a
// Worker, the Worker's result is persisted when it comes back.
type TaskQueue struct {
	m     *Manager
	inbox chan any

	// owned by the run goroutine
	pending chan error
}

func newTaskQueue(m *Manager) *TaskQueue {
	return &TaskQueue{m: m, inbox: make(chan any)}
}

// Start asks the queue to timestamp pending records and waits for the
// outcome: nil when there was nothing to do or the batch was saved.
func (q *TaskQueue) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case q.inbox <- startMsg{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *TaskQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if q.pending != nil {
				q.pending <- ctx.Err()
			}
			return
		case msg := <-q.inbox:
			switch msg := msg.(type) {
			case startMsg:
				q.handleStart(ctx, msg)
			case resultMsg:
				err := q.m.handleResult(ctx, msg.res)
				if errors.Is(err, storage.ErrAlreadyTimestamped) {
					err = nil
				}
				q.pending <- err
				q.pending = nil
			}
		}
	}
}

func (q *TaskQueue) handleStart(ctx context.Context, msg startMsg) {
	if q.pending != nil {
		msg.reply <- errBusy
		return
	}

	recs, err := q.m.store.UntimestampedRecords(ctx, q.m.cfg.TimestampRecordsLimit)
	if err != nil {
		msg.reply <- fmt.Errorf("loading untimestamped records: %w", err)
		return
	}
	if len(recs) == 0 {
		msg.reply <- nil
		return
	}

	tasks := make([]Task, len(recs))
	for i, r := range recs {
		tasks[i] = Task{MessageRecordID: r.ID, SignatureHash: r.SignatureHash}
	}
	q.m.logger.Debug("starting timestamp worker", zap.Int("records", len(tasks)))

	q.pending = msg.reply
	w := q.m.newWorker()
	go func() {
		res := w.run(ctx, tasks)
		select {
		case q.inbox <- resultMsg{res: res}:
		case <-ctx.Done():
		}
	}()
}
