package advisory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Gate applies the configured mode to supervisor decisions.
//
//	off      every proposal is allowed without a call
//	observe  the supervisor is consulted but never blocks
//	enforce  the supervisor's decision stands; failures ask for confirmation
type Gate struct {
	mode    string
	service Service
	cache   *decisionCache
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewGate creates a gate. service and shared may be nil.
func NewGate(mode string, service Service, shared SharedCache, timeout time.Duration, logger zerolog.Logger) (*Gate, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeOff
	}
	switch mode {
	case ModeOff, ModeObserve, ModeEnforce:
	default:
		return nil, fmt.Errorf("unknown advisory mode %q", mode)
	}
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &Gate{
		mode:    mode,
		service: service,
		cache:   newDecisionCache(shared),
		timeout: timeout,
		logger:  logger.With().Str("component", "advisory").Logger(),
		now:     time.Now,
	}, nil
}

// Mode returns the active mode.
func (g *Gate) Mode() string { return g.mode }

// Evaluate returns the decision for a proposal after the mode is applied.
// It never returns an error; an unreachable supervisor is folded into the
// decision.
func (g *Gate) Evaluate(ctx context.Context, pc Context) Decision {
	if pc.Phase == "" {
		pc.Phase = "pre_trade"
	}
	if g.mode == ModeOff {
		return Decision{Action: ActionAllow, Reason: "advisory disabled", Mode: ModeOff}
	}
	if g.service == nil {
		return Decision{
			Action:      ActionAllow,
			Reason:      "no advisory service configured",
			Suggestions: []string{"Configure advisory.url to enable supervision"},
			Mode:        g.mode,
		}
	}

	key := pc.Key()
	if d, ok := g.cache.get(ctx, key, g.now()); ok {
		d.Cached = true
		return g.apply(d)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	d, err := g.service.Evaluate(callCtx, pc)
	if err != nil {
		g.logger.Warn().Err(err).Str("symbol", pc.Symbol).Str("mode", g.mode).Msg("Supervisor unavailable")
		return g.unavailable(err)
	}
	g.cache.set(ctx, key, d, g.now())
	return g.apply(d)
}

func (g *Gate) apply(d Decision) Decision {
	d.Mode = g.mode
	if g.mode == ModeObserve && d.Action != ActionAllow {
		g.logger.Info().Str("recommended", d.Action).Str("reason", d.Reason).Msg("Supervisor advice ignored in observe mode")
		d.Action = ActionAllow
		d.Suggestions = append([]string{observeSuggestion}, d.Suggestions...)
	}
	return d
}

func (g *Gate) unavailable(err error) Decision {
	d := Decision{
		Reason: fmt.Sprintf("supervisor unavailable: %v", err),
		Risks:  []string{RiskUnavailable},
		Mode:   g.mode,
	}
	if g.mode == ModeEnforce {
		d.Action = ActionRequireConfirmation
		d.Suggestions = []string{"Confirm manually or wait for the supervisor"}
	} else {
		d.Action = ActionAllow
		d.Suggestions = []string{"Proceed cautiously"}
	}
	return d
}
