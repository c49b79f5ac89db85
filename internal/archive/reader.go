package archive

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/zstd"

	"github.com/nordic-institute/X-Road-sub019/internal/storage"
)

// ErrBrokenChain is returned when an archive file does not link to its
// predecessor
var ErrBrokenChain = errors.New("archive digest chain broken")

// Entry is a record read back from an archive file
type Entry struct {
	ID              int64
	QueryID         string
	Client          string
	Response        bool
	Message         string
	Signature       string
	HashChain       string
	HashChainResult string
	Timestamp       []byte
}

// File is a decoded archive file
type File struct {
	Name     string
	Digest   string
	Previous storage.DigestEntry
	Entries  []Entry
}

// ReadFile decodes an archive file and computes its digest
func ReadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	content, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", path, err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(content); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "archive" {
		return nil, fmt.Errorf("%s: not an archive file", path)
	}

	f := &File{Name: filepath.Base(path), Digest: hex.EncodeToString(sum[:])}
	linking := root.SelectElement("linking")
	if linking == nil {
		return nil, fmt.Errorf("%s: missing linking entry", path)
	}
	f.Previous = storage.DigestEntry{
		Digest:   childText(linking, "previousDigest"),
		FileName: childText(linking, "previousFile"),
	}

	for _, el := range root.SelectElements("record") {
		e, err := parseEntry(el)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		f.Entries = append(f.Entries, e)
	}
	return f, nil
}

// VerifyChain checks that the archive files in dir form one unbroken
// chain, each linking to the digest of the one before. The first file may
// link to a file no longer in dir. It returns the digest entry of the last
// file, which is what the store holds after archiving them.
func VerifyChain(dir string) (*storage.DigestEntry, error) {
	names, err := listFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	var prev *File
	for _, name := range names {
		f, err := ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev != nil && (f.Previous.Digest != prev.Digest || f.Previous.FileName != prev.Name) {
			return nil, fmt.Errorf("%w: %s does not link to %s", ErrBrokenChain, f.Name, prev.Name)
		}
		prev = f
	}
	return &storage.DigestEntry{Digest: prev.Digest, FileName: prev.Name}, nil
}

// listFiles returns the archive file names in dir ordered by first record
func listFiles(dir string) ([]string, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type named struct {
		name  string
		first int64
	}
	var files []named
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, FilePrefix) || !strings.HasSuffix(name, FileSuffix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(name, FilePrefix), "-", 2)
		first, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		files = append(files, named{name: name, first: first})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].first < files[j].first })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.name
	}
	return out, nil
}

func parseEntry(el *etree.Element) (Entry, error) {
	id, err := strconv.ParseInt(el.SelectAttrValue("id", ""), 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("record id: %w", err)
	}
	e := Entry{
		ID:              id,
		QueryID:         el.SelectAttrValue("queryId", ""),
		Client:          el.SelectAttrValue("client", ""),
		Response:        el.SelectAttrValue("response", "") == "true",
		Message:         childText(el, "message"),
		Signature:       childText(el, "signature"),
		HashChain:       childText(el, "hashChain"),
		HashChainResult: childText(el, "hashChainResult"),
	}
	if ts := el.SelectElement("timestamp"); ts != nil {
		e.Timestamp, err = base64.StdEncoding.DecodeString(ts.Text())
		if err != nil {
			return Entry{}, fmt.Errorf("record %d timestamp: %w", id, err)
		}
	}
	return e, nil
}

func childText(el *etree.Element, tag string) string {
	if c := el.SelectElement(tag); c != nil {
		return c.Text()
	}
	return ""
}
