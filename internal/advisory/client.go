package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Service evaluates a proposed entry.
type Service interface {
	Evaluate(ctx context.Context, c Context) (Decision, error)
}

// ClientConfig configures the HTTP supervisor client.
type ClientConfig struct {
	URL           string
	ExecutorID    string
	APIKey        string
	APISecret     string
	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

// Client posts proposals to the platform's supervisor endpoint.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 250 * time.Millisecond
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "advisory_client").Logger(),
	}
}

type evaluateRequest struct {
	Context   Context `json:"context"`
	TimeoutMs int64   `json:"timeoutMs"`
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/api/executor/%s/supervisor/evaluate", c.cfg.URL, c.cfg.ExecutorID)
}

// Evaluate posts the proposal, retrying transport errors and 5xx answers.
// Every failure wraps ErrUnavailable.
func (c *Client) Evaluate(ctx context.Context, pc Context) (Decision, error) {
	body, err := json.Marshal(evaluateRequest{Context: pc, TimeoutMs: c.cfg.Timeout.Milliseconds()})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: encode: %v", ErrUnavailable, err)
	}

	var decision Decision
	attempt := 0
	op := func() error {
		attempt++
		d, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		decision = d
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)

	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Retrying supervisor call")
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decision, nil
}

func (c *Client) post(ctx context.Context, body []byte) (Decision, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return Decision{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("X-API-Secret", c.cfg.APISecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Decision{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Decision{}, err
	}
	switch {
	case resp.StatusCode >= 500:
		return Decision{}, fmt.Errorf("supervisor returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Decision{}, backoff.Permanent(fmt.Errorf("supervisor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return Decision{}, backoff.Permanent(fmt.Errorf("decode decision: %w", err))
	}
	d.Action = normalizeAction(d.Action)
	if d.Action == "" {
		return Decision{}, backoff.Permanent(fmt.Errorf("decision without a known action"))
	}
	d.Score = clampScore(d.Score)
	return d, nil
}
