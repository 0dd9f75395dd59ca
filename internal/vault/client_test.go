package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-executor/config"
)

func TestDisabledClient(t *testing.T) {
	c, err := NewClient(config.VaultConfig{}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())

	creds, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Credentials{}, creds)
	assert.NoError(t, c.Health(context.Background()))
}

func TestFetchAndApply(t *testing.T) {
	var reads int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/kv/data/executor", r.URL.Path)
		assert.Equal(t, "root", r.Header.Get("X-Vault-Token"))
		atomic.AddInt32(&reads, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"data":{"broker_api_key":"bk","advisory_api_key":"ak","jwt_secret":"js"},"metadata":{"version":1}}}`))
	}))
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{
		Enabled: true, Address: srv.URL, Token: "root", MountPath: "kv", SecretPath: "/executor/",
	}, zerolog.Nop())
	require.NoError(t, err)

	creds, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bk", creds.BrokerAPIKey)

	_, err = c.Fetch(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&reads))

	cfg := &config.Config{}
	cfg.Advisory.APISecret = "keep"
	creds.Apply(cfg)
	assert.Equal(t, "bk", cfg.Broker.APIKey)
	assert.Equal(t, "ak", cfg.Advisory.APIKey)
	assert.Equal(t, "keep", cfg.Advisory.APISecret)
	assert.Equal(t, "js", cfg.Auth.JWTSecret)
}

func TestFetchMissingSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{Enabled: true, Address: srv.URL, SecretPath: "executor"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrSecretNotFound)
}
