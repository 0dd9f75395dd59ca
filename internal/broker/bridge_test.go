package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-executor/internal/market"
)

func TestBridgeReads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/candles":
			assert.Equal(t, "EURUSD", r.URL.Query().Get("symbol"))
			assert.Equal(t, "400", r.URL.Query().Get("count"))
			_ = json.NewEncoder(w).Encode([]market.Candle{{Close: 1.1}, {Close: 1.2}})
		case "/symbols/EURUSD":
			_ = json.NewEncoder(w).Encode(market.SymbolInfo{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1001, Digits: 5})
		case "/account":
			_ = json.NewEncoder(w).Encode(market.AccountInfo{Balance: 5000, Equity: 5100})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewBridge(BridgeConfig{URL: srv.URL, APIKey: "k"}, zerolog.Nop())
	ctx := context.Background()

	candles, err := b.Candles(ctx, "EURUSD", "H1", 400)
	require.NoError(t, err)
	assert.Len(t, candles, 2)

	info, err := b.SymbolInfo(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 5, info.Digits)

	acct, err := b.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5100.0, acct.Equity)

	_, err = b.SymbolInfo(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestBridgeOrdersAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewBridge(BridgeConfig{URL: srv.URL, ReadRetries: 3}, zerolog.Nop())
	_, err := b.OpenPosition(context.Background(), market.OrderRequest{Symbol: "EURUSD", Side: market.SideBuy, Volume: 0.1})
	assert.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestBridgeRejectedOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(market.OrderResult{Success: false, Code: 10019, Message: "no money"})
	}))
	defer srv.Close()

	b := NewBridge(BridgeConfig{URL: srv.URL}, zerolog.Nop())
	res, err := b.OpenPosition(context.Background(), market.OrderRequest{Symbol: "EURUSD", Side: market.SideBuy, Volume: 0.1})
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Equal(t, 10019, res.Code)

	err = b.ModifyStops(context.Background(), 1, nil, nil)
	assert.ErrorIs(t, err, ErrOrderRejected)
}

func TestBridgeUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewBridge(BridgeConfig{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	_, err := b.Positions(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, b.Close())
	_, err = b.Account(context.Background())
	assert.True(t, IsUnavailable(err))
}

func TestBridgeClosePartialPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions/77/close", r.URL.Path)
		var req closeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 0.05, req.Volume)
		_ = json.NewEncoder(w).Encode(market.OrderResult{Success: true, Ticket: 77, Volume: 0.05})
	}))
	defer srv.Close()

	res, err := NewBridge(BridgeConfig{URL: srv.URL}, zerolog.Nop()).ClosePartial(context.Background(), 77, 0.05)
	require.NoError(t, err)
	assert.Equal(t, 0.05, res.Volume)
}
