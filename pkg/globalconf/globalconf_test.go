package globalconf

import (
	"context"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordic-institute/X-Road-sub019/internal/testpki"
	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
)

func mustServer(t *testing.T, s string) identifier.SecurityServerID {
	id, err := identifier.ParseSecurityServerID(s)
	require.NoError(t, err)
	return id
}

func mustClient(t *testing.T, s string) identifier.ClientID {
	id, err := identifier.ParseClientID(s)
	require.NoError(t, err)
	return id
}

func TestStaticProvider_Addresses(t *testing.T) {
	own := mustServer(t, "EE/GOV/1/ss1")
	p := NewStaticProvider(own)
	registry := mustClient(t, "EE/GOV/2/registry")

	p.RegisterServer(&Server{ID: mustServer(t, "EE/GOV/2/ssB"), Address: "b.example:5500", Clients: []identifier.ClientID{registry}})
	p.RegisterServer(&Server{ID: mustServer(t, "EE/GOV/2/ssA"), Address: "a.example:5500", Clients: []identifier.ClientID{registry}})
	p.RegisterServer(&Server{ID: own, Address: "own:5500", Clients: []identifier.ClientID{mustClient(t, "EE/GOV/1/client")}})

	addrs, err := p.ProviderAddresses(context.Background(), registry)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example:5500", "b.example:5500"}, addrs)

	_, err = p.ProviderAddresses(context.Background(), mustClient(t, "EE/GOV/3/none"))
	assert.ErrorIs(t, err, ErrUnknownClient)

	assert.True(t, p.IsLocalClient(mustClient(t, "EE/GOV/1/client")))
	assert.False(t, p.IsLocalClient(registry))

	assert.Equal(t, []identifier.ClientID{mustClient(t, "EE/GOV/1/client"), registry}, p.Clients())
}

func TestStaticProvider_Certificates(t *testing.T) {
	ca := testpki.NewCA(t, "root")
	other := testpki.NewCA(t, "other")
	auth := ca.Issue(t, "ssA-auth")
	sign := ca.Issue(t, "member-sign")
	stranger := other.Issue(t, "stranger")

	p := NewStaticProvider(mustServer(t, "EE/GOV/1/ss1"))
	p.AddTrustAnchor(ca.Cert)
	ssA := mustServer(t, "EE/GOV/2/ssA")
	p.RegisterServer(&Server{ID: ssA, AuthCert: auth.Cert})
	p.RegisterSignCert(mustClient(t, "EE/GOV/2/registry"), sign.Cert)

	got, err := p.ServerForAuthCert(auth.Cert)
	require.NoError(t, err)
	assert.Equal(t, ssA, got)

	_, err = p.ServerForAuthCert(sign.Cert)
	assert.ErrorIs(t, err, ErrUnknownCertificate)

	member, err := p.MemberForSignCert(sign.Cert)
	require.NoError(t, err)
	assert.Equal(t, "EE/GOV/2", member.String())

	anchor, err := p.TrustAnchor(auth.Cert)
	require.NoError(t, err)
	assert.Equal(t, ca.Cert.Raw, anchor.Raw)

	_, err = p.TrustAnchor(stranger.Cert)
	assert.ErrorIs(t, err, ErrNoTrustAnchor)
}

func TestLoadStatic(t *testing.T) {
	dir := t.TempDir()
	ca := testpki.NewCA(t, "root")
	auth := ca.Issue(t, "ssB-auth")
	writePEM(t, filepath.Join(dir, "ca.pem"), ca.Cert.Raw)
	writePEM(t, filepath.Join(dir, "auth.pem"), auth.Cert.Raw)

	yml := `
ownServer: EE/GOV/1/ss1
caCertificates: [ca.pem]
servers:
  - id: EE/GOV/2/ssB
    address: ${PEER_ADDR}
    authCert: auth.pem
    clients: [EE/GOV/2/registry]
members:
  - id: EE/GOV/2
    signCerts: [auth.pem]
`
	path := filepath.Join(dir, "globalconf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("PEER_ADDR", "peer.example:5500")

	p, err := LoadStatic(path)
	require.NoError(t, err)
	assert.Equal(t, "EE/GOV/1/ss1", p.OwnServer().String())

	addrs, err := p.ProviderAddresses(context.Background(), mustClient(t, "EE/GOV/2/registry"))
	require.NoError(t, err)
	assert.Equal(t, []string{"peer.example:5500"}, addrs)

	srv, err := p.ServerForAuthCert(auth.Cert)
	require.NoError(t, err)
	assert.Equal(t, "EE/GOV/2/ssB", srv.String())
}

func writePEM(t *testing.T, path string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
