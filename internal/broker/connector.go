// Package broker talks to the brokerage terminal. Every call takes a
// context; callers bound it with the configured broker timeout.
package broker

import (
	"context"
	"errors"
	"fmt"

	"strategy-executor/internal/market"
)

var (
	// ErrNotConnected means the terminal is unreachable or closed.
	ErrNotConnected = errors.New("broker not connected")
	// ErrTimeout means the terminal did not answer in time.
	ErrTimeout = errors.New("broker timeout")
	// ErrOrderRejected means the terminal refused an order, close or modify.
	ErrOrderRejected = errors.New("order rejected")
	// ErrUnknownSymbol means the terminal does not quote the symbol.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrPositionNotFound means the ticket is not open.
	ErrPositionNotFound = errors.New("position not found")
)

// Connector is the terminal surface the executor depends on.
type Connector interface {
	Candles(ctx context.Context, symbol, timeframe string, count int) ([]market.Candle, error)
	SymbolInfo(ctx context.Context, symbol string) (market.SymbolInfo, error)
	Account(ctx context.Context) (market.AccountInfo, error)
	OpenPosition(ctx context.Context, req market.OrderRequest) (market.OrderResult, error)
	ClosePartial(ctx context.Context, ticket int64, volume float64) (market.OrderResult, error)
	ModifyStops(ctx context.Context, ticket int64, sl, tp *float64) error
	Positions(ctx context.Context) ([]market.Position, error)
	Close() error
}

// IsUnavailable reports whether err means the terminal could not be used
// this cycle.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTimeout)
}

// classify maps context errors onto the broker's error classes.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrOrderRejected) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOrderRejected, fmt.Sprintf(format, args...))
}

// validateOrder applies the checks every connector shares.
func validateOrder(req market.OrderRequest, info market.SymbolInfo) error {
	if req.Side != market.SideBuy && req.Side != market.SideSell {
		return rejected("invalid side %q", req.Side)
	}
	if req.Volume <= 0 {
		return rejected("invalid volume %.4f", req.Volume)
	}
	if info.VolumeMin > 0 && req.Volume < info.VolumeMin-1e-9 {
		return rejected("volume %.2f below minimum %.2f", req.Volume, info.VolumeMin)
	}
	if info.VolumeMax > 0 && req.Volume > info.VolumeMax+1e-9 {
		return rejected("volume %.2f above maximum %.2f", req.Volume, info.VolumeMax)
	}
	price := info.PriceFor(req.Side)
	if req.StopLoss > 0 && req.Side.Sign()*(price-req.StopLoss) <= 0 {
		return rejected("stop loss %.5f on the wrong side of %.5f", req.StopLoss, price)
	}
	if req.TakeProfit > 0 && req.Side.Sign()*(req.TakeProfit-price) <= 0 {
		return rejected("take profit %.5f on the wrong side of %.5f", req.TakeProfit, price)
	}
	return nil
}
