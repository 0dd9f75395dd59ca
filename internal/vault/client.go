// Package vault loads executor credentials from a HashiCorp Vault KV v2
// secret at startup.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"strategy-executor/config"
)

// ErrSecretNotFound is returned when the configured path holds no data.
var ErrSecretNotFound = errors.New("vault secret not found")

// Credentials are the secrets the executor can take from Vault. Empty
// fields leave the configured value untouched.
type Credentials struct {
	BrokerAPIKey      string `json:"broker_api_key"`
	AdvisoryAPIKey    string `json:"advisory_api_key"`
	AdvisoryAPISecret string `json:"advisory_api_secret"`
	PlatformAPIKey    string `json:"platform_api_key"`
	JWTSecret         string `json:"jwt_secret"`
	DatabasePassword  string `json:"database_password"`
	RedisPassword     string `json:"redis_password"`
}

// Client wraps the HashiCorp Vault client.
type Client struct {
	client *api.Client
	config config.VaultConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a Vault client. A disabled config yields a client whose
// Fetch returns empty credentials.
func NewClient(cfg config.VaultConfig, logger zerolog.Logger) (*Client, error) {
	c := &Client{config: cfg, logger: logger.With().Str("component", "vault").Logger()}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Fetch reads the executor secret. The first successful read is cached.
func (c *Client) Fetch(ctx context.Context) (Credentials, error) {
	if !c.config.Enabled {
		return Credentials{}, nil
	}

	c.mu.RLock()
	if c.cached != nil {
		creds := *c.cached
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, ErrSecretNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("invalid secret format at %s", c.secretPath())
	}

	creds := Credentials{
		BrokerAPIKey:      getString(data, "broker_api_key"),
		AdvisoryAPIKey:    getString(data, "advisory_api_key"),
		AdvisoryAPISecret: getString(data, "advisory_api_secret"),
		PlatformAPIKey:    getString(data, "platform_api_key"),
		JWTSecret:         getString(data, "jwt_secret"),
		DatabasePassword:  getString(data, "database_password"),
		RedisPassword:     getString(data, "redis_password"),
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	c.logger.Info().Str("path", c.secretPath()).Msg("Loaded credentials from vault")
	return creds, nil
}

// Apply copies every non-empty credential into cfg.
func (creds Credentials) Apply(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Broker.APIKey, creds.BrokerAPIKey)
	set(&cfg.Advisory.APIKey, creds.AdvisoryAPIKey)
	set(&cfg.Advisory.APISecret, creds.AdvisoryAPISecret)
	set(&cfg.Platform.APIKey, creds.PlatformAPIKey)
	set(&cfg.Auth.JWTSecret, creds.JWTSecret)
	set(&cfg.Database.Password, creds.DatabasePassword)
	set(&cfg.Redis.Password, creds.RedisPassword)
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath() string {
	mount := strings.Trim(c.config.MountPath, "/")
	if mount == "" {
		mount = "secret"
	}
	return fmt.Sprintf("%s/data/%s", mount, strings.Trim(c.config.SecretPath, "/"))
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
