package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
	"github.com/nordic-institute/X-Road-sub019/pkg/security"
)

// File names below the key directory
const (
	authKeyFile  = "auth.key"
	authCertFile = "auth.crt"
	signDir      = "sign"
)

// FileProvider implements Provider using PEM files on disk
//
// Layout of the key directory:
//
//	auth.key, auth.crt                             authentication key
//	sign/{instance}/{class}/{code}.key, .crt       signing key of a member
//
// Certificate files hold the certificate followed by its issuing chain.
type FileProvider struct {
	keyDir  string
	mu      sync.RWMutex
	signers map[identifier.ClientID]*security.DetachedSigner
	auth    *tls.Certificate
}

// NewFileProvider creates a new file-based key provider
func NewFileProvider(keyDir string) (*FileProvider, error) {
	info, err := os.Stat(keyDir)
	if err != nil {
		return nil, fmt.Errorf("checking key directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("key directory is not a directory: %s", keyDir)
	}

	return &FileProvider{
		keyDir:  keyDir,
		signers: make(map[identifier.ClientID]*security.DetachedSigner),
	}, nil
}

// MessageSigner returns the signer of member. Subsystems sign with the key
// of their member.
func (p *FileProvider) MessageSigner(ctx context.Context, member identifier.ClientID) (*security.DetachedSigner, error) {
	member = member.Member()

	p.mu.RLock()
	if signer, ok := p.signers[member]; ok {
		p.mu.RUnlock()
		return signer, nil
	}
	p.mu.RUnlock()

	keyPath, certPath := p.signPaths(member)
	key, chain, err := loadPair(keyPath, certPath)
	if err != nil {
		return nil, fmt.Errorf("signing key of %s: %w", member, err)
	}
	signer, err := security.NewDetachedSigner(key, chain[0])
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.signers[member] = signer
	p.mu.Unlock()
	return signer, nil
}

// AuthCertificate returns the TLS authentication certificate
func (p *FileProvider) AuthCertificate() (*tls.Certificate, error) {
	p.mu.RLock()
	if p.auth != nil {
		defer p.mu.RUnlock()
		return p.auth, nil
	}
	p.mu.RUnlock()

	key, chain, err := loadPair(filepath.Join(p.keyDir, authKeyFile), filepath.Join(p.keyDir, authCertFile))
	if err != nil {
		return nil, fmt.Errorf("authentication key: %w", err)
	}
	cert := &tls.Certificate{PrivateKey: key, Leaf: chain[0]}
	for _, c := range chain {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}

	p.mu.Lock()
	p.auth = cert
	p.mu.Unlock()
	return cert, nil
}

// ListKeys returns the authentication key and every member signing key.
// Keys without a readable certificate are skipped.
func (p *FileProvider) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	var keys []KeyInfo
	if chain, err := loadChain(filepath.Join(p.keyDir, authCertFile)); err == nil {
		keys = append(keys, keyInfo(UsageAuth, identifier.ClientID{}, chain))
	}

	root := filepath.Join(p.keyDir, signDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".key" {
			return nil
		}
		rel, err := filepath.Rel(root, strings.TrimSuffix(path, ".key"))
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		chain, err := loadChain(strings.TrimSuffix(path, ".key") + ".crt")
		if err != nil {
			return nil
		}
		member := identifier.ClientID{Instance: parts[0], MemberClass: parts[1], MemberCode: parts[2]}
		keys = append(keys, keyInfo(UsageSign, member, chain))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading signing keys: %w", err)
	}
	return keys, nil
}

// Close releases resources
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signers = make(map[identifier.ClientID]*security.DetachedSigner)
	p.auth = nil
	return nil
}

func (p *FileProvider) signPaths(member identifier.ClientID) (string, string) {
	base := filepath.Join(p.keyDir, signDir, member.Instance, member.MemberClass, member.MemberCode)
	return base + ".key", base + ".crt"
}

func keyInfo(usage Usage, member identifier.ClientID, chain []*x509.Certificate) KeyInfo {
	cert := chain[0]
	info := KeyInfo{
		Usage:              usage,
		Member:             member,
		Algorithm:          keyAlgorithmName(cert.PublicKey),
		KeySize:            keySize(cert.PublicKey),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		CertificateSubject: cert.Subject.String(),
		Certificate:        cert,
	}
	if len(chain) > 1 {
		info.Issuer = chain[1]
	}
	return info
}

func loadPair(keyPath, certPath string) (crypto.Signer, []*x509.Certificate, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrKeyNotFound
		}
		return nil, nil, fmt.Errorf("reading key file: %w", err)
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing private key: %w", err)
	}

	chain, err := loadChain(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading certificate: %w", err)
	}
	if !publicKeysEqual(key.Public(), chain[0].PublicKey) {
		return nil, nil, fmt.Errorf("certificate %s does not match the private key", certPath)
	}
	return key, chain, nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key is not a signer")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

// loadChain reads every certificate of a PEM file, leaf first
func loadChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate file: %w", err)
	}

	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificate in %s", path)
	}
	return chain, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}

func keyAlgorithmName(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return "EC"
	case *rsa.PublicKey:
		return "RSA"
	default:
		return "Unknown"
	}
}

func keySize(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case *rsa.PublicKey:
		return k.N.BitLen()
	default:
		return 0
	}
}
