package globalconf

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
)

// File is the YAML representation of a static global configuration.
//
//	ownServer: EE/GOV/70000001/ss1
//	caCertificates: [ca.pem]
//	tspCertificates: [tsa.pem]
//	servers:
//	  - id: EE/GOV/70000002/ss2
//	    address: ss2.example.org:5500
//	    authCert: ss2-auth.pem
//	    clients: [EE/GOV/70000002/registry]
//	members:
//	  - id: EE/GOV/70000002
//	    signCerts: [member2-sign.pem]
type File struct {
	OwnServer       string       `yaml:"ownServer"`
	CACertificates  []string     `yaml:"caCertificates"`
	TSPCertificates []string     `yaml:"tspCertificates"`
	Servers         []ServerFile `yaml:"servers"`
	Members         []MemberFile `yaml:"members"`
}

// ServerFile describes one security server.
type ServerFile struct {
	ID       string   `yaml:"id"`
	Address  string   `yaml:"address"`
	AuthCert string   `yaml:"authCert"`
	Clients  []string `yaml:"clients"`
}

// MemberFile lists the signing certificates of a member.
type MemberFile struct {
	ID        string   `yaml:"id"`
	SignCerts []string `yaml:"signCerts"`
}

// LoadStatic reads a static global configuration. Relative certificate
// paths are resolved against the directory of the configuration file.
func LoadStatic(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading global configuration: %w", err)
	}

	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parsing global configuration: %w", err)
	}
	return f.Build(filepath.Dir(path))
}

// Build creates a provider, resolving certificate files relative to baseDir.
func (f *File) Build(baseDir string) (*StaticProvider, error) {
	own, err := identifier.ParseSecurityServerID(f.OwnServer)
	if err != nil {
		return nil, fmt.Errorf("ownServer: %w", err)
	}
	p := NewStaticProvider(own)

	for _, file := range f.CACertificates {
		cert, err := loadCert(baseDir, file)
		if err != nil {
			return nil, err
		}
		p.AddTrustAnchor(cert)
	}
	for _, file := range f.TSPCertificates {
		cert, err := loadCert(baseDir, file)
		if err != nil {
			return nil, err
		}
		p.AddTSPCertificate(cert)
	}

	for _, sf := range f.Servers {
		id, err := identifier.ParseSecurityServerID(sf.ID)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", sf.ID, err)
		}
		s := &Server{ID: id, Address: sf.Address}
		if sf.AuthCert != "" {
			if s.AuthCert, err = loadCert(baseDir, sf.AuthCert); err != nil {
				return nil, err
			}
		}
		for _, c := range sf.Clients {
			client, err := identifier.ParseClientID(c)
			if err != nil {
				return nil, fmt.Errorf("server %q client: %w", sf.ID, err)
			}
			s.Clients = append(s.Clients, client)
		}
		p.RegisterServer(s)
	}

	for _, mf := range f.Members {
		member, err := identifier.ParseClientID(mf.ID)
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", mf.ID, err)
		}
		for _, file := range mf.SignCerts {
			cert, err := loadCert(baseDir, file)
			if err != nil {
				return nil, err
			}
			p.RegisterSignCert(member, cert)
		}
	}

	return p, nil
}

func loadCert(baseDir, file string) (*x509.Certificate, error) {
	if !filepath.IsAbs(file) {
		file = filepath.Join(baseDir, file)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return x509.ParseCertificate(data)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate %s: %w", file, err)
	}
	return cert, nil
}
