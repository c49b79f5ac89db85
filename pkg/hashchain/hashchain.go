// Package hashchain builds Merkle hash trees over message signature hashes
// so that a single timestamp can cover a batch of messages.
//
// The tree root is serialized as a HashChainResult document and every input
// receives a HashChain document listing the sibling digests on the path to
// the root. Verify recomputes the root from an input hash and its chain.
package hashchain

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/beevik/etree"

	"github.com/nordic-institute/X-Road-sub019/pkg/digest"
)

// XML namespaces
const (
	NamespaceHashChain = "http://x-road.eu/xsd/hashchain.xsd"
	NamespaceDSig      = "http://www.w3.org/2000/09/xmldsig#"
)

var (
	// ErrFinished is returned when inputs are added to a finished builder
	ErrFinished = errors.New("hash chain already finished")
	// ErrNotFinished is returned when results are requested before Finish
	ErrNotFinished = errors.New("hash chain not finished")
	// ErrEmpty is returned when finishing a builder without inputs
	ErrEmpty = errors.New("hash chain has no inputs")
	// ErrMismatch is returned when a chain does not lead to the expected root
	ErrMismatch = errors.New("hash chain does not match result")
)

// Position tells on which side of the running digest a sibling is placed.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// Step is one level of an input's path to the root.
type Step struct {
	Position Position
	Digest   []byte
}

// Builder accumulates input hashes and computes the tree.
type Builder struct {
	alg    digest.Algorithm
	inputs [][]byte
	levels [][][]byte
}

// NewBuilder creates a builder hashing tree nodes with alg.
func NewBuilder(alg digest.Algorithm) *Builder {
	return &Builder{alg: alg}
}

// Add appends an input hash.
func (b *Builder) Add(hash []byte) error {
	if b.levels != nil {
		return ErrFinished
	}
	b.inputs = append(b.inputs, append([]byte(nil), hash...))
	return nil
}

// Len returns the number of inputs.
func (b *Builder) Len() int { return len(b.inputs) }

// Finish computes all tree levels. An odd node at the end of a level is
// promoted unchanged to the next level.
func (b *Builder) Finish() error {
	if b.levels != nil {
		return ErrFinished
	}
	if len(b.inputs) == 0 {
		return ErrEmpty
	}

	level := b.inputs
	b.levels = [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, b.alg.Sum(level[i], level[i+1]))
		}
		b.levels = append(b.levels, next)
		level = next
	}
	return nil
}

// Root returns the top hash of the tree.
func (b *Builder) Root() ([]byte, error) {
	if b.levels == nil {
		return nil, ErrNotFinished
	}
	return b.levels[len(b.levels)-1][0], nil
}

// Steps returns the path from input i to the root.
func (b *Builder) Steps(i int) ([]Step, error) {
	if b.levels == nil {
		return nil, ErrNotFinished
	}
	if i < 0 || i >= len(b.inputs) {
		return nil, fmt.Errorf("input index %d out of range", i)
	}

	var steps []Step
	idx := i
	for _, level := range b.levels[:len(b.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			pos := Right
			if sibling < idx {
				pos = Left
			}
			steps = append(steps, Step{Position: pos, Digest: level[sibling]})
		}
		idx /= 2
	}
	return steps, nil
}

// ResultXML returns the tree root encoded as a HashChainResult document.
func (b *Builder) ResultXML() (string, error) {
	root, err := b.Root()
	if err != nil {
		return "", err
	}

	doc := etree.NewDocument()
	el := doc.CreateElement("hc:HashChainResult")
	el.CreateAttr("xmlns:hc", NamespaceHashChain)
	el.CreateAttr("xmlns:ds", NamespaceDSig)
	el.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", b.alg.URI)
	el.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(root))
	return doc.WriteToString()
}

// ChainXML returns the HashChain document for input i.
func (b *Builder) ChainXML(i int) (string, error) {
	steps, err := b.Steps(i)
	if err != nil {
		return "", err
	}

	doc := etree.NewDocument()
	el := doc.CreateElement("hc:HashChain")
	el.CreateAttr("xmlns:hc", NamespaceHashChain)
	el.CreateAttr("xmlns:ds", NamespaceDSig)
	el.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", b.alg.URI)
	for _, s := range steps {
		step := el.CreateElement("hc:HashStep")
		step.CreateAttr("position", string(s.Position))
		step.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(s.Digest))
	}
	return doc.WriteToString()
}

// ChainsXML returns the HashChain documents for all inputs in order.
func (b *Builder) ChainsXML() ([]string, error) {
	chains := make([]string, len(b.inputs))
	for i := range b.inputs {
		c, err := b.ChainXML(i)
		if err != nil {
			return nil, err
		}
		chains[i] = c
	}
	return chains, nil
}

// ParseResult decodes a HashChainResult document.
func ParseResult(resultXML string) (digest.Algorithm, []byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(resultXML); err != nil {
		return digest.Algorithm{}, nil, fmt.Errorf("parsing hash chain result: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "HashChainResult" {
		return digest.Algorithm{}, nil, errors.New("missing HashChainResult element")
	}
	alg, err := parseMethod(root)
	if err != nil {
		return digest.Algorithm{}, nil, err
	}
	value, err := parseDigest(root)
	if err != nil {
		return digest.Algorithm{}, nil, err
	}
	return alg, value, nil
}

// ParseChain decodes a HashChain document.
func ParseChain(chainXML string) (digest.Algorithm, []Step, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(chainXML); err != nil {
		return digest.Algorithm{}, nil, fmt.Errorf("parsing hash chain: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "HashChain" {
		return digest.Algorithm{}, nil, errors.New("missing HashChain element")
	}
	alg, err := parseMethod(root)
	if err != nil {
		return digest.Algorithm{}, nil, err
	}

	var steps []Step
	for _, el := range root.SelectElements("HashStep") {
		pos := Position(el.SelectAttrValue("position", ""))
		if pos != Left && pos != Right {
			return digest.Algorithm{}, nil, fmt.Errorf("invalid step position %q", pos)
		}
		d, err := parseDigest(el)
		if err != nil {
			return digest.Algorithm{}, nil, err
		}
		steps = append(steps, Step{Position: pos, Digest: d})
	}
	return alg, steps, nil
}

// Verify checks that inputHash leads to the root of resultXML via chainXML.
func Verify(resultXML, chainXML string, inputHash []byte) error {
	alg, root, err := ParseResult(resultXML)
	if err != nil {
		return err
	}
	chainAlg, steps, err := ParseChain(chainXML)
	if err != nil {
		return err
	}
	if chainAlg.URI != alg.URI {
		return fmt.Errorf("%w: digest method differs", ErrMismatch)
	}

	current := inputHash
	for _, s := range steps {
		if s.Position == Left {
			current = alg.Sum(s.Digest, current)
		} else {
			current = alg.Sum(current, s.Digest)
		}
	}
	if !bytes.Equal(current, root) {
		return ErrMismatch
	}
	return nil
}

func parseMethod(el *etree.Element) (digest.Algorithm, error) {
	m := el.SelectElement("DigestMethod")
	if m == nil {
		return digest.Algorithm{}, errors.New("missing DigestMethod")
	}
	return digest.ByURI(m.SelectAttrValue("Algorithm", ""))
}

func parseDigest(el *etree.Element) ([]byte, error) {
	v := el.SelectElement("DigestValue")
	if v == nil {
		return nil, errors.New("missing DigestValue")
	}
	return base64.StdEncoding.DecodeString(v.Text())
}
