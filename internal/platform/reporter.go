// Package platform reports trades and liveness to the web platform.
// Reports are fire-and-forget with a bounded retry; nothing here is on
// the order placement path.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ErrDisabled is returned by synchronous calls when no platform is configured.
var ErrDisabled = errors.New("platform reporting disabled")

const (
	tradeAttempts     = 3
	heartbeatAttempts = 2
)

// Config configures the reporter.
type Config struct {
	URL           string
	ExecutorID    string
	APIKey        string
	APISecret     string
	Timeout       time.Duration
	RetryInterval time.Duration
}

// TradeOpened is the payload for a newly opened position.
type TradeOpened struct {
	StrategyID string    `json:"strategyId"`
	Ticket     int64     `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Type       string    `json:"type"`
	Lots       float64   `json:"lots"`
	OpenPrice  float64   `json:"openPrice"`
	StopLoss   float64   `json:"stopLoss"`
	TakeProfit float64   `json:"takeProfit"`
	OpenTime   time.Time `json:"openTime"`
}

// TradeClosed is the payload for a position that left the broker.
type TradeClosed struct {
	Ticket     int64     `json:"-"`
	ClosePrice float64   `json:"closePrice"`
	Profit     float64   `json:"profit"`
	CloseTime  time.Time `json:"closeTime"`
}

// Heartbeat is the periodic liveness report.
type Heartbeat struct {
	Status           string    `json:"status"`
	ActiveStrategies int       `json:"activeStrategies"`
	OpenPositions    int       `json:"openPositions"`
	Timestamp        time.Time `json:"timestamp"`
}

// Reporter posts to the platform's executor endpoints. A zero URL or key
// turns every call into a no-op.
type Reporter struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewReporter creates a reporter.
func NewReporter(cfg Config, logger zerolog.Logger) *Reporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Reporter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "platform").Logger(),
	}
}

// Enabled reports whether a platform is configured.
func (r *Reporter) Enabled() bool {
	return r != nil && r.cfg.URL != "" && r.cfg.APIKey != ""
}

// ReportTradeOpened sends the open report in the background.
func (r *Reporter) ReportTradeOpened(t TradeOpened) {
	if !r.Enabled() {
		return
	}
	payload := struct {
		ExecutorID string `json:"executorId"`
		TradeOpened
	}{r.cfg.ExecutorID, t}
	r.async(func(ctx context.Context) {
		if err := r.post(ctx, "/api/executor/trades", payload, tradeAttempts); err != nil {
			r.logger.Error().Err(err).Int64("ticket", t.Ticket).Msg("Failed to report trade")
			return
		}
		r.logger.Info().Int64("ticket", t.Ticket).Msg("Trade reported to platform")
	})
}

// ReportTradeClosed sends the close report in the background.
func (r *Reporter) ReportTradeClosed(t TradeClosed) {
	if !r.Enabled() {
		return
	}
	payload := struct {
		ExecutorID string `json:"executorId"`
		TradeClosed
	}{r.cfg.ExecutorID, t}
	path := fmt.Sprintf("/api/executor/trades/%d/close", t.Ticket)
	r.async(func(ctx context.Context) {
		if err := r.post(ctx, path, payload, tradeAttempts); err != nil {
			r.logger.Error().Err(err).Int64("ticket", t.Ticket).Msg("Failed to report trade close")
			return
		}
		r.logger.Info().Int64("ticket", t.Ticket).Float64("profit", t.Profit).Msg("Trade close reported")
	})
}

// SendHeartbeat posts the liveness report and waits for the answer.
func (r *Reporter) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	if !r.Enabled() {
		return ErrDisabled
	}
	if hb.Status == "" {
		hb.Status = "active"
	}
	payload := struct {
		ExecutorID string `json:"executorId"`
		Heartbeat
	}{r.cfg.ExecutorID, hb}
	return r.post(ctx, "/api/executor/heartbeat", payload, heartbeatAttempts)
}

// ActiveStrategies fetches the raw strategy documents assigned to this
// executor.
func (r *Reporter) ActiveStrategies(ctx context.Context) ([]json.RawMessage, error) {
	if !r.Enabled() || r.cfg.ExecutorID == "" {
		return nil, ErrDisabled
	}
	path := fmt.Sprintf("/api/executor/%s/active-strategies", r.cfg.ExecutorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL+path, nil)
	if err != nil {
		return nil, err
	}
	r.authorize(req)
	req.Header.Set("X-API-Secret", r.cfg.APISecret)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("platform returned %d", resp.StatusCode)
	}

	var out []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode active strategies: %w", err)
	}
	return out, nil
}

// Wait blocks until every background report has finished.
func (r *Reporter) Wait() {
	if r != nil {
		r.wg.Wait()
	}
}

func (r *Reporter) async(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// reports outlive the cycle that produced them
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(tradeAttempts)*(r.cfg.Timeout+2*r.cfg.RetryInterval))
		defer cancel()
		fn(ctx)
	}()
}

func (r *Reporter) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
}

func (r *Reporter) post(ctx context.Context, path string, payload any, attempts int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		r.authorize(req)

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("platform returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("platform returned %d", resp.StatusCode))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		r.logger.Debug().Err(err).Str("path", path).Dur("wait", wait).Msg("Retrying platform report")
	})
}
