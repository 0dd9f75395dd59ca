package filters

import (
	"context"
	"strings"
	"time"
)

type window struct {
	start, end int // minutes after midnight UTC
}

func hm(h, m int) int { return h*60 + m }

// Session windows in UTC. Tokyo and Sydney wrap midnight.
var sessionWindows = map[string]window{
	"london":  {hm(7, 0), hm(16, 0)},
	"newyork": {hm(12, 0), hm(21, 0)},
	"tokyo":   {hm(23, 0), hm(8, 0)},
	"sydney":  {hm(21, 0), hm(6, 0)},
}

var optimalPairs = map[string][]string{
	"london":  {"EURUSD", "GBPUSD", "EURGBP", "XAUUSD"},
	"newyork": {"EURUSD", "USDJPY", "USDCAD", "XAUUSD"},
	"tokyo":   {"USDJPY", "AUDJPY", "NZDJPY"},
	"sydney":  {"AUDUSD", "NZDUSD", "AUDJPY"},
}

func normalizeSession(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "_", "")
	n = strings.ReplaceAll(n, " ", "")
	if n == "ny" {
		return "newyork"
	}
	return n
}

// SessionActive reports whether t falls inside the named session. Bounds
// are inclusive; unknown sessions are never active.
func SessionActive(name string, t time.Time) bool {
	w, ok := sessionWindows[normalizeSession(name)]
	if !ok {
		return false
	}
	t = t.UTC()
	m := t.Hour()*60 + t.Minute()
	if w.start <= w.end {
		return m >= w.start && m <= w.end
	}
	return m >= w.start || m <= w.end
}

// ActiveSessions lists the sessions open at t.
func ActiveSessions(t time.Time) []string {
	var out []string
	for _, name := range []string{"sydney", "tokyo", "london", "newyork"} {
		if SessionActive(name, t) {
			out = append(out, name)
		}
	}
	return out
}

func isOptimalPair(session, symbol string) bool {
	sym := strings.ToUpper(strings.ReplaceAll(symbol, ".", ""))
	for _, p := range optimalPairs[normalizeSession(session)] {
		if strings.HasPrefix(sym, p) {
			return true
		}
	}
	return false
}

// Session passes when the current time lies in one of the allowed
// sessions. An empty allow-list always passes.
type Session struct{}

func (Session) Name() string { return "session" }

func (Session) Check(_ context.Context, in Input) (Result, error) {
	cfg := in.Rules.SessionFilter
	if cfg == nil || !cfg.Enabled {
		return pass("session", "disabled"), nil
	}
	if len(cfg.AllowedSessions) == 0 {
		return pass("session", "no_session_restriction"), nil
	}

	reason := "outside_allowed_sessions"
	for _, s := range cfg.AllowedSessions {
		if !SessionActive(s, in.Now) {
			continue
		}
		if cfg.UseOptimalPairs && !isOptimalPair(s, in.Symbol) {
			reason = "pair_not_optimal_for_session"
			continue
		}
		r := pass("session", "in_session")
		r.Details = map[string]any{"session": normalizeSession(s)}
		return r, nil
	}

	r := block("session", ActionSkip, reason)
	r.Details = map[string]any{"active_sessions": ActiveSessions(in.Now)}
	return r, nil
}
