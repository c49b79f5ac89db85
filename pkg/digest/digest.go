// Package digest maps the hash algorithms used for signatures, hash chains
// and timestamps between their configuration names, XML URIs and ASN.1
// object identifiers.
package digest

import (
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedAlgorithm is returned for unknown hash algorithms.
var ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

// Algorithm describes a supported hash algorithm.
type Algorithm struct {
	Name string
	Hash crypto.Hash
	URI  string
	OID  asn1.ObjectIdentifier
}

var (
	SHA256 = Algorithm{
		Name: "SHA-256",
		Hash: crypto.SHA256,
		URI:  "http://www.w3.org/2001/04/xmlenc#sha256",
		OID:  asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1},
	}
	SHA384 = Algorithm{
		Name: "SHA-384",
		Hash: crypto.SHA384,
		URI:  "http://www.w3.org/2001/04/xmldsig-more#sha384",
		OID:  asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2},
	}
	SHA512 = Algorithm{
		Name: "SHA-512",
		Hash: crypto.SHA512,
		URI:  "http://www.w3.org/2001/04/xmlenc#sha512",
		OID:  asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3},
	}
)

var all = []Algorithm{SHA256, SHA384, SHA512}

// ByName looks up an algorithm by its configuration name (e.g. "SHA-256").
func ByName(name string) (Algorithm, error) {
	n := strings.ToUpper(strings.ReplaceAll(name, "-", ""))
	for _, a := range all {
		if strings.ReplaceAll(a.Name, "-", "") == n {
			return a, nil
		}
	}
	return Algorithm{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
}

// ByURI looks up an algorithm by its XML digest method URI.
func ByURI(uri string) (Algorithm, error) {
	for _, a := range all {
		if a.URI == uri {
			return a, nil
		}
	}
	return Algorithm{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, uri)
}

// ByOID looks up an algorithm by its ASN.1 object identifier.
func ByOID(oid asn1.ObjectIdentifier) (Algorithm, error) {
	for _, a := range all {
		if a.OID.Equal(oid) {
			return a, nil
		}
	}
	return Algorithm{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, oid)
}

// Sum hashes the concatenation of the given byte slices.
func (a Algorithm) Sum(data ...[]byte) []byte {
	h := a.Hash.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Base64 hashes data and returns the standard base64 encoding.
func (a Algorithm) Base64(data ...[]byte) string {
	return base64.StdEncoding.EncodeToString(a.Sum(data...))
}
