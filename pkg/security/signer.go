package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"
)

const (
	nsDSig         = "http://www.w3.org/2000/09/xmldsig#"
	algExcC14N     = "http://www.w3.org/2001/10/xml-exc-c14n#"
	algSHA256      = "http://www.w3.org/2001/04/xmlenc#sha256"
	algRSASHA256   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	algECDSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"

	// MessageReference is the reference URI of the signed message part
	MessageReference = "/message"
)

// DetachedSigner creates XML signatures over a message carried in a
// separate MIME part.
type DetachedSigner struct {
	key    crypto.Signer
	cert   *x509.Certificate
	method string
}

// NewDetachedSigner creates a signer for an RSA or ECDSA key.
func NewDetachedSigner(key crypto.Signer, cert *x509.Certificate) (*DetachedSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cert == nil {
		return nil, fmt.Errorf("certificate is required")
	}

	var method string
	switch key.Public().(type) {
	case *rsa.PublicKey:
		method = algRSASHA256
	case *ecdsa.PublicKey:
		method = algECDSASHA256
	default:
		return nil, fmt.Errorf("unsupported key type %T", key.Public())
	}
	return &DetachedSigner{key: key, cert: cert, method: method}, nil
}

// Certificate returns the signing certificate
func (s *DetachedSigner) Certificate() *x509.Certificate { return s.cert }

// Sign returns a ds:Signature document over message.
func (s *DetachedSigner) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)

	sig := etree.NewElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", nsDSig)

	// Exclusive C14N requires namespace declarations to be present on the element
	signedInfo := sig.CreateElement("ds:SignedInfo")
	signedInfo.CreateAttr("xmlns:ds", nsDSig)
	signedInfo.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", algExcC14N)
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", s.method)

	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", MessageReference)
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", algSHA256)
	ref.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(digest[:]))

	canonical, err := canonicalize(signedInfo)
	if err != nil {
		return nil, err
	}
	hashed := sha256.Sum256([]byte(canonical))

	value, err := s.key.Sign(rand.Reader, hashed[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if pub, ok := s.key.Public().(*ecdsa.PublicKey); ok {
		if value, err = ecdsaDERToRaw(value, pub); err != nil {
			return nil, err
		}
	}

	sig.CreateElement("ds:SignatureValue").SetText(base64.StdEncoding.EncodeToString(value))
	x509Data := sig.CreateElement("ds:KeyInfo").CreateElement("ds:X509Data")
	x509Data.CreateElement("ds:X509Certificate").SetText(base64.StdEncoding.EncodeToString(s.cert.Raw))

	doc := etree.NewDocument()
	doc.SetRoot(sig)
	return doc.WriteToBytes()
}

// SignatureHash returns the base64 SHA-256 hash of a signature document.
// It is what gets timestamped for a single message.
func SignatureHash(signatureXML []byte) string {
	sum := sha256.Sum256(signatureXML)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SignerCertificate extracts the certificate from a signature's KeyInfo.
func SignerCertificate(signatureXML []byte) (*x509.Certificate, error) {
	sig, err := parseSignature(signatureXML)
	if err != nil {
		return nil, err
	}
	el := sig.FindElement("./KeyInfo/X509Data/X509Certificate")
	if el == nil {
		return nil, authFailure(ReasonInvalidSignature, errors.New("signature carries no certificate"))
	}
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(el.Text()))
	if err != nil {
		return nil, authFailure(ReasonInvalidSignature, fmt.Errorf("decoding certificate: %w", err))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, authFailure(ReasonInvalidSignature, err)
	}
	return cert, nil
}

// VerifyDetached checks a signature created by DetachedSigner over message
// with the public key of cert.
func VerifyDetached(message, signatureXML []byte, cert *x509.Certificate) error {
	sig, err := parseSignature(signatureXML)
	if err != nil {
		return err
	}
	fail := func(format string, args ...any) error {
		return authFailure(ReasonInvalidSignature, fmt.Errorf(format, args...))
	}

	signedInfo := sig.FindElement("./SignedInfo")
	if signedInfo == nil {
		return fail("SignedInfo not found")
	}
	ref := signedInfo.FindElement("./Reference")
	if ref == nil || ref.SelectAttrValue("URI", "") != MessageReference {
		return fail("reference to %s not found", MessageReference)
	}
	if m := ref.FindElement("./DigestMethod"); m == nil || m.SelectAttrValue("Algorithm", "") != algSHA256 {
		return fail("unsupported digest method")
	}
	digestEl := ref.FindElement("./DigestValue")
	if digestEl == nil {
		return fail("DigestValue not found")
	}
	digest := sha256.Sum256(message)
	if strings.TrimSpace(digestEl.Text()) != base64.StdEncoding.EncodeToString(digest[:]) {
		return fail("message digest mismatch")
	}

	valueEl := sig.FindElement("./SignatureValue")
	if valueEl == nil {
		return fail("SignatureValue not found")
	}
	value, err := base64.StdEncoding.DecodeString(strings.TrimSpace(valueEl.Text()))
	if err != nil {
		return fail("decoding SignatureValue: %v", err)
	}

	canonical, err := canonicalize(signedInfo)
	if err != nil {
		return authFailure(ReasonInvalidSignature, err)
	}
	hashed := sha256.Sum256([]byte(canonical))

	method := ""
	if m := signedInfo.FindElement("./SignatureMethod"); m != nil {
		method = m.SelectAttrValue("Algorithm", "")
	}
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if method != algRSASHA256 {
			return fail("signature method %q does not match RSA key", method)
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], value); err != nil {
			return authFailure(ReasonInvalidSignature, err)
		}
	case *ecdsa.PublicKey:
		if method != algECDSASHA256 {
			return fail("signature method %q does not match ECDSA key", method)
		}
		size := (pub.Curve.Params().BitSize + 7) / 8
		if len(value) != 2*size {
			return fail("malformed ECDSA signature")
		}
		r := new(big.Int).SetBytes(value[:size])
		s := new(big.Int).SetBytes(value[size:])
		if !ecdsa.Verify(pub, hashed[:], r, s) {
			return fail("ECDSA verification failed")
		}
	default:
		return fail("unsupported key type %T", cert.PublicKey)
	}
	return nil
}

func parseSignature(signatureXML []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signatureXML); err != nil {
		return nil, authFailure(ReasonInvalidSignature, fmt.Errorf("failed to parse signature: %w", err))
	}
	root := doc.Root()
	if root == nil || root.Tag != "Signature" {
		return nil, authFailure(ReasonInvalidSignature, errors.New("no Signature element found"))
	}
	return root, nil
}

func canonicalize(signedInfo *etree.Element) (string, error) {
	c14n := signedxml.ExclusiveCanonicalization{WithComments: false}
	out, err := c14n.ProcessElement(signedInfo, "")
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize SignedInfo: %w", err)
	}
	return out, nil
}

func ecdsaDERToRaw(der []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	var sig struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("decoding ECDSA signature: %w", err)
	}
	size := (pub.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	sig.R.FillBytes(out[:size])
	sig.S.FillBytes(out[size:])
	return out, nil
}
