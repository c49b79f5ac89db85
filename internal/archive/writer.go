package archive

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/nordic-institute/X-Road-sub019/internal/storage"
)

// Archive file layout
const (
	FilePrefix = "mlog-"
	FileSuffix = ".zst"

	NamespaceArchive = "http://x-road.eu/xsd/messagelog-archive"

	// DefaultMaxFileSize is the uncompressed size at which files are rotated
	DefaultMaxFileSize = 100 << 20
)

// ErrWriterClosed is returned when writing to a closed Writer
var ErrWriterClosed = errors.New("archive writer closed")

// Writer writes log records to zstd compressed archive files in dir. A
// file is rotated once its uncompressed content reaches maxSize. Each file
// starts with a linking entry holding the digest and name of the previous
// file.
type Writer struct {
	dir     string
	maxSize int64
	last    storage.DigestEntry

	cur    *archiveFile
	closed bool
}

type archiveFile struct {
	tmpPath string
	f       *os.File
	hash    hash.Hash
	enc     *zstd.Encoder
	size    int64
	first   int64
	lastID  int64
}

// NewWriter creates a writer linking its first file to last
func NewWriter(dir string, maxSize int64, last storage.DigestEntry) *Writer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Writer{dir: dir, maxSize: maxSize, last: last}
}

// Write appends rec and its timestamp. When the current file is full it is
// closed first and its digest entry returned.
func (w *Writer) Write(rec *storage.MessageRecord, ts *storage.TimestampRecord) (*storage.DigestEntry, error) {
	if w.closed {
		return nil, ErrWriterClosed
	}

	var rotated *storage.DigestEntry
	if w.cur != nil && w.cur.size >= w.maxSize {
		entry, err := w.finish()
		if err != nil {
			return nil, err
		}
		rotated = entry
	}
	if w.cur == nil {
		if err := w.open(rec.ID); err != nil {
			return nil, err
		}
	}

	if err := w.cur.writeElement(recordElement(rec, ts)); err != nil {
		return nil, fmt.Errorf("writing record %d: %w", rec.ID, err)
	}
	w.cur.lastID = rec.ID
	return rotated, nil
}

// Close finishes the current file and returns its digest entry, or nil
// when nothing was written since the last rotation.
func (w *Writer) Close() (*storage.DigestEntry, error) {
	if w.closed {
		return nil, nil
	}
	w.closed = true
	if w.cur == nil {
		return nil, nil
	}
	return w.finish()
}

// Abort discards the current file
func (w *Writer) Abort() {
	w.closed = true
	if w.cur == nil {
		return
	}
	w.cur.enc.Close()
	w.cur.f.Close()
	os.Remove(w.cur.tmpPath)
	w.cur = nil
}

// Last returns the digest entry the next file will link to
func (w *Writer) Last() storage.DigestEntry {
	return w.last
}

func (w *Writer) open(firstID int64) error {
	f, err := os.CreateTemp(w.dir, ".mlog-*.tmp")
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}

	h := sha256.New()
	enc, err := zstd.NewWriter(io.MultiWriter(f, h))
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("creating zstd encoder: %w", err)
	}

	af := &archiveFile{tmpPath: f.Name(), f: f, hash: h, enc: enc, first: firstID}
	header := fmt.Sprintf(`<archive xmlns="%s">`, NamespaceArchive)
	if _, err := io.WriteString(enc, header); err != nil {
		w.cur = af
		w.Abort()
		return err
	}
	af.size += int64(len(header))

	linking := etree.NewElement("linking")
	linking.CreateElement("previousDigest").SetText(w.last.Digest)
	linking.CreateElement("previousFile").SetText(w.last.FileName)
	if err := af.writeElement(linking); err != nil {
		w.cur = af
		w.Abort()
		return err
	}

	w.cur = af
	return nil
}

func (w *Writer) finish() (*storage.DigestEntry, error) {
	af := w.cur
	w.cur = nil

	if _, err := io.WriteString(af.enc, "</archive>"); err != nil {
		af.enc.Close()
		af.f.Close()
		os.Remove(af.tmpPath)
		return nil, err
	}
	if err := af.enc.Close(); err != nil {
		af.f.Close()
		os.Remove(af.tmpPath)
		return nil, fmt.Errorf("flushing archive file: %w", err)
	}
	if err := af.f.Sync(); err != nil {
		af.f.Close()
		os.Remove(af.tmpPath)
		return nil, fmt.Errorf("syncing archive file: %w", err)
	}
	if err := af.f.Close(); err != nil {
		os.Remove(af.tmpPath)
		return nil, err
	}

	name := fmt.Sprintf("%s%d-%d-%s%s", FilePrefix, af.first, af.lastID, uuid.NewString()[:8], FileSuffix)
	if err := os.Rename(af.tmpPath, filepath.Join(w.dir, name)); err != nil {
		os.Remove(af.tmpPath)
		return nil, fmt.Errorf("renaming archive file: %w", err)
	}

	entry := storage.DigestEntry{Digest: hex.EncodeToString(af.hash.Sum(nil)), FileName: name}
	w.last = entry
	return &entry, nil
}

func (af *archiveFile) writeElement(el *etree.Element) error {
	doc := etree.NewDocument()
	doc.SetRoot(el)
	n, err := doc.WriteTo(af.enc)
	af.size += n
	return err
}

func recordElement(rec *storage.MessageRecord, ts *storage.TimestampRecord) *etree.Element {
	el := etree.NewElement("record")
	el.CreateAttr("id", strconv.FormatInt(rec.ID, 10))
	el.CreateAttr("time", rec.Time.UTC().Format(time.RFC3339Nano))
	el.CreateAttr("queryId", rec.QueryID)
	el.CreateAttr("client", rec.PeerIdentifier)
	el.CreateAttr("response", strconv.FormatBool(rec.Response))

	el.CreateElement("message").CreateText(rec.Message)
	el.CreateElement("signature").CreateText(rec.SignatureXML)
	if rec.HashChain != "" {
		el.CreateElement("hashChain").CreateText(rec.HashChain)
		el.CreateElement("hashChainResult").CreateText(rec.HashChainResult)
	}
	if ts != nil {
		tsEl := el.CreateElement("timestamp")
		tsEl.CreateAttr("id", strconv.FormatInt(ts.ID, 10))
		tsEl.SetText(base64.StdEncoding.EncodeToString(ts.Timestamp))
	}
	return el
}
