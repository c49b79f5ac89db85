package keystore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordic-institute/X-Road-sub019/internal/testpki"
	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
	"github.com/nordic-institute/X-Road-sub019/pkg/security"
)

var member = identifier.ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "1"}

func setupKeyDir(t *testing.T) (string, *testpki.Leaf, *testpki.Leaf) {
	t.Helper()
	dir := t.TempDir()
	ca := testpki.NewCA(t, "root")

	auth := ca.Issue(t, "ss1-auth")
	auth.WritePEM(t, filepath.Join(dir, "auth.key"), filepath.Join(dir, "auth.crt"))

	sign := ca.Issue(t, "member-1-sign")
	signPath := filepath.Join(dir, "sign", "EE", "GOV")
	require.NoError(t, os.MkdirAll(signPath, 0o755))
	sign.WritePEM(t, filepath.Join(signPath, "1.key"), filepath.Join(signPath, "1.crt"))
	return dir, auth, sign
}

func TestFileProvider_MessageSigner(t *testing.T) {
	dir, _, sign := setupKeyDir(t)
	p, err := NewFileProvider(dir)
	require.NoError(t, err)

	subsystem := member
	subsystem.Subsystem = "client"
	signer, err := p.MessageSigner(context.Background(), subsystem)
	require.NoError(t, err)
	assert.True(t, signer.Certificate().Equal(sign.Cert))

	sig, err := signer.Sign([]byte("<msg/>"))
	require.NoError(t, err)
	require.NoError(t, security.VerifyDetached([]byte("<msg/>"), sig, sign.Cert))

	again, err := p.MessageSigner(context.Background(), member)
	require.NoError(t, err)
	assert.Same(t, signer, again)

	_, err = p.MessageSigner(context.Background(), identifier.ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "9"})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFileProvider_AuthCertificate(t *testing.T) {
	dir, auth, _ := setupKeyDir(t)
	p, err := NewFileProvider(dir)
	require.NoError(t, err)

	cert, err := p.AuthCertificate()
	require.NoError(t, err)
	assert.True(t, cert.Leaf.Equal(auth.Cert))
	require.Len(t, cert.Certificate, 2)
	assert.Equal(t, auth.Issuer.Cert.Raw, cert.Certificate[1])
}

func TestFileProvider_MismatchedPair(t *testing.T) {
	dir, _, _ := setupKeyDir(t)
	other := testpki.NewCA(t, "other").Issue(t, "other")
	other.WritePEM(t, filepath.Join(t.TempDir(), "x.key"), filepath.Join(dir, "auth.crt"))

	p, err := NewFileProvider(dir)
	require.NoError(t, err)
	_, err = p.AuthCertificate()
	assert.ErrorContains(t, err, "does not match")
}

func TestFileProvider_ListKeys(t *testing.T) {
	dir, auth, sign := setupKeyDir(t)
	p, err := NewFileProvider(dir)
	require.NoError(t, err)

	keys, err := p.ListKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)

	assert.Equal(t, UsageAuth, keys[0].Usage)
	assert.True(t, keys[0].Member.IsZero())
	assert.True(t, keys[0].Certificate.Equal(auth.Cert))

	assert.Equal(t, UsageSign, keys[1].Usage)
	assert.Equal(t, member, keys[1].Member)
	assert.Equal(t, "EC", keys[1].Algorithm)
	assert.Equal(t, 256, keys[1].KeySize)
	assert.True(t, keys[1].Certificate.Equal(sign.Cert))
	assert.True(t, keys[1].Issuer.Equal(sign.Issuer.Cert))
}

func TestFileProvider_EmptyDir(t *testing.T) {
	p, err := NewFileProvider(t.TempDir())
	require.NoError(t, err)

	keys, err := p.ListKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = p.AuthCertificate()
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestNewFileProvider_NotADirectory(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o600))
	_, err := NewFileProvider(f)
	assert.Error(t, err)
	_, err = NewFileProvider(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
