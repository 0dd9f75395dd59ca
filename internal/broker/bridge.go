package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"strategy-executor/internal/market"
)

// BridgeConfig points at a terminal bridge process.
type BridgeConfig struct {
	URL         string
	APIKey      string
	Timeout     time.Duration
	ReadRetries int
}

// Bridge is an HTTP/JSON client for a terminal bridge. Reads are retried
// with backoff; order operations are sent exactly once.
type Bridge struct {
	baseURL    string
	apiKey     string
	retries    int
	httpClient *http.Client
	logger     zerolog.Logger
	closed     atomic.Bool
}

// NewBridge creates a bridge client.
func NewBridge(cfg BridgeConfig, logger zerolog.Logger) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ReadRetries < 0 {
		cfg.ReadRetries = 0
	}
	return &Bridge{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		retries:    cfg.ReadRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "bridge").Logger(),
	}
}

type bridgeError struct {
	Error string `json:"error"`
}

func (b *Bridge) do(ctx context.Context, method, path string, in, out any) error {
	if b.closed.Load() {
		return ErrNotConnected
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return backoff.Permanent(err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: terminal offline", ErrNotConnected)
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownSymbol, path))
	case resp.StatusCode >= 500:
		return fmt.Errorf("bridge returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		var be bridgeError
		_ = json.Unmarshal(data, &be)
		return backoff.Permanent(rejected("bridge returned %d: %s", resp.StatusCode, be.Error))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// read retries idempotent calls.
func (b *Bridge) read(ctx context.Context, path string, out any) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(b.retries)), ctx)
	err := backoff.Retry(func() error {
		return b.do(ctx, http.MethodGet, path, nil, out)
	}, policy)
	return classify(ctx, "bridge "+path, err)
}

// write sends an order operation once.
func (b *Bridge) write(ctx context.Context, path string, in, out any) error {
	err := b.do(ctx, http.MethodPost, path, in, out)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return classify(ctx, "bridge "+path, err)
}

func (b *Bridge) Candles(ctx context.Context, symbol, timeframe string, count int) ([]market.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", timeframe)
	q.Set("count", strconv.Itoa(count))
	var out []market.Candle
	if err := b.read(ctx, "/candles?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bridge) SymbolInfo(ctx context.Context, symbol string) (market.SymbolInfo, error) {
	var out market.SymbolInfo
	err := b.read(ctx, "/symbols/"+url.PathEscape(symbol), &out)
	return out, err
}

func (b *Bridge) Account(ctx context.Context) (market.AccountInfo, error) {
	var out market.AccountInfo
	err := b.read(ctx, "/account", &out)
	return out, err
}

func (b *Bridge) Positions(ctx context.Context) ([]market.Position, error) {
	var out []market.Position
	if err := b.read(ctx, "/positions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bridge) OpenPosition(ctx context.Context, req market.OrderRequest) (market.OrderResult, error) {
	var out market.OrderResult
	if err := b.write(ctx, "/orders", req, &out); err != nil {
		return out, err
	}
	if !out.Success {
		return out, rejected("code %d: %s", out.Code, out.Message)
	}
	return out, nil
}

type closeRequest struct {
	Volume float64 `json:"volume"`
}

func (b *Bridge) ClosePartial(ctx context.Context, ticket int64, volume float64) (market.OrderResult, error) {
	var out market.OrderResult
	path := fmt.Sprintf("/positions/%d/close", ticket)
	if err := b.write(ctx, path, closeRequest{Volume: volume}, &out); err != nil {
		return out, err
	}
	if !out.Success {
		return out, rejected("code %d: %s", out.Code, out.Message)
	}
	return out, nil
}

type modifyRequest struct {
	StopLoss   *float64 `json:"sl,omitempty"`
	TakeProfit *float64 `json:"tp,omitempty"`
}

func (b *Bridge) ModifyStops(ctx context.Context, ticket int64, sl, tp *float64) error {
	var out market.OrderResult
	path := fmt.Sprintf("/positions/%d/modify", ticket)
	if err := b.write(ctx, path, modifyRequest{StopLoss: sl, TakeProfit: tp}, &out); err != nil {
		return err
	}
	if !out.Success {
		return rejected("code %d: %s", out.Code, out.Message)
	}
	return nil
}

// Close stops all further calls.
func (b *Bridge) Close() error {
	b.closed.Store(true)
	b.httpClient.CloseIdleConnections()
	return nil
}
