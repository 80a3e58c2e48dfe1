package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-auth/services/token"
)

func TestRun_UnknownSubcommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"rotate"}, &out)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "Usage: authctl")

	assert.Error(t, run(context.Background(), nil, &out))
}

func TestKeygenAndJWKS(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "signing.pem")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"keygen", "--bits", "2048", "-o", keyPath}, &out))
	assert.Contains(t, out.String(), "wrote 2048-bit key")

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"jwks", "--key", keyPath, "--kid", "2026-10"}, &out))

	var set token.JWKS
	require.NoError(t, json.Unmarshal(out.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "2026-10", set.Keys[0].Kid)
	assert.Equal(t, "RS256", set.Keys[0].Alg)

	t.Run("jwks requires a key", func(t *testing.T) {
		assert.Error(t, run(context.Background(), []string{"jwks"}, &out))
	})
}

func TestKeygen_Stdout(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"keygen", "--bits", "2048"}, &out))

	key, err := token.ParsePrivateKeyPEM(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 2048, key.N.BitLen())
}

func TestCatalog(t *testing.T) {
	t.Run("builtin", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, run(context.Background(), []string{"catalog"}, &out))
		assert.Contains(t, out.String(), "viewer")
		assert.Contains(t, out.String(), "platform-operator")
		assert.Contains(t, out.String(), "catalog(")
	})

	t.Run("extra file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "extra.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
permissions:
  - name: invoices:approve
    version: 1
roles:
  - name: approver
    level: 25
    assignable: true
    grants: [invoices:approve]
`), 0o644))

		var out bytes.Buffer
		require.NoError(t, run(context.Background(), []string{"catalog", "-f", path}, &out))
		assert.Contains(t, out.String(), "approver")
		assert.Contains(t, out.String(), "invoices:approve")
	})

	t.Run("grant of an unknown permission", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
roles:
  - name: broken
    level: 5
    grants: [nothing:here]
`), 0o644))

		var out bytes.Buffer
		assert.Error(t, run(context.Background(), []string{"catalog", "-f", path}, &out))
	})
}

func TestVerify(t *testing.T) {
	key, err := token.GenerateKey(2048)
	require.NoError(t, err)
	set := token.JWKS{Keys: []token.JWK{token.NewJWK("k1", &key.PublicKey)}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	var out bytes.Buffer
	err = run(context.Background(), []string{"verify", "--jwks-url", srv.URL, "not-a-jwt"}, &out)
	assert.Error(t, err)

	assert.Error(t, run(context.Background(), []string{"verify", "--jwks-url", srv.URL}, &out), "token argument is required")
}
