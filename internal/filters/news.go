package filters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strategy-executor/internal/market"
)

const (
	defaultPauseMinutes = 30
	newsCacheTTL        = 30 * time.Minute
	newsHorizon         = 72 * time.Hour
	newsCacheKey        = "news:events"
)

// NewsEvent is one economic calendar entry.
type NewsEvent struct {
	Title    string    `json:"title"`
	Currency string    `json:"currency"`
	Impact   string    `json:"impact"`
	Time     time.Time `json:"time"`
}

// HighImpact reports whether the event is rated high (or "red").
func (e NewsEvent) HighImpact() bool {
	switch strings.ToLower(e.Impact) {
	case "high", "red":
		return true
	}
	return false
}

// EventSource fetches calendar events in a time range.
type EventSource interface {
	Events(ctx context.Context, from, to time.Time) ([]NewsEvent, error)
}

// SharedCache mirrors the event list across restarts and executors.
// cache.Namespace implements it.
type SharedCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// News blocks entries inside a window around high-impact events for either
// currency of the symbol. Fetch failures fall back to a static event list
// and never black out by themselves.
type News struct {
	source EventSource
	shared SharedCache
	logger zerolog.Logger

	mu        sync.Mutex
	events    []NewsEvent
	expiresAt time.Time
}

// NewNews creates the filter. shared may be nil.
func NewNews(source EventSource, shared SharedCache, logger zerolog.Logger) *News {
	return &News{source: source, shared: shared, logger: logger}
}

func (n *News) Name() string { return "news" }

func (n *News) Check(ctx context.Context, in Input) (Result, error) {
	cfg := in.Rules.NewsFilter
	if cfg == nil || !cfg.Enabled {
		return pass("news", "disabled"), nil
	}
	currencies := market.Currencies(in.Symbol)
	if len(currencies) == 0 {
		return pass("news", "no_currencies"), nil
	}

	before := time.Duration(orDefault(cfg.PauseBefore, defaultPauseMinutes)) * time.Minute
	after := time.Duration(orDefault(cfg.PauseAfter, defaultPauseMinutes)) * time.Minute
	highOnly := cfg.HighImpactOnly == nil || *cfg.HighImpactOnly

	now := in.Now
	if event, ok := Blackout(n.load(ctx, now), currencies, now, before, after, highOnly); ok {
		r := block("news", ActionPause, "news_blackout")
		r.Details = map[string]any{
			"event":    event.Title,
			"currency": event.Currency,
			"time":     event.Time,
		}
		return r, nil
	}
	return pass("news", "no_events"), nil
}

// Blackout returns the first matching event within [now-before, now+after].
func Blackout(events []NewsEvent, currencies []string, now time.Time, before, after time.Duration, highOnly bool) (NewsEvent, bool) {
	start, end := now.Add(-before), now.Add(after)
	for _, e := range events {
		if highOnly && !e.HighImpact() {
			continue
		}
		if e.Currency != "" && !containsFold(currencies, e.Currency) {
			continue
		}
		if !e.Time.Before(start) && !e.Time.After(end) {
			return e, true
		}
	}
	return NewsEvent{}, false
}

func (n *News) load(ctx context.Context, now time.Time) []NewsEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	if now.Before(n.expiresAt) {
		return n.events
	}

	if n.shared != nil {
		var cached []NewsEvent
		if err := n.shared.GetJSON(ctx, newsCacheKey, &cached); err == nil && len(cached) > 0 {
			n.events = cached
			n.expiresAt = now.Add(newsCacheTTL)
			return n.events
		}
	}

	var events []NewsEvent
	var err error
	if n.source == nil {
		err = fmt.Errorf("no calendar source configured")
	} else {
		events, err = n.source.Events(ctx, now, now.Add(newsHorizon))
	}
	if err != nil {
		n.logger.Warn().Err(err).Msg("News calendar unavailable, using fallback events")
		events = FallbackEvents(now)
	} else if n.shared != nil {
		if err := n.shared.SetJSON(ctx, newsCacheKey, events, newsCacheTTL); err != nil {
			n.logger.Debug().Err(err).Msg("Failed to mirror news events to cache")
		}
	}

	n.events = events
	n.expiresAt = now.Add(newsCacheTTL)
	return n.events
}

// FallbackEvents is the static list used when the calendar is unreachable:
// one high-impact USD release at 13:30 UTC the next day.
func FallbackEvents(now time.Time) []NewsEvent {
	now = now.UTC()
	base := time.Date(now.Year(), now.Month(), now.Day(), 13, 30, 0, 0, time.UTC)
	return []NewsEvent{{
		Title:    "Non-Farm Payrolls",
		Currency: "USD",
		Impact:   "high",
		Time:     base.AddDate(0, 0, 1),
	}}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// HTTPCalendar fetches events from a JSON calendar endpoint taking
// from/to query parameters.
type HTTPCalendar struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPCalendar creates a calendar client with the given request timeout.
func NewHTTPCalendar(baseURL string, timeout time.Duration) *HTTPCalendar {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPCalendar{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type calendarEvent struct {
	Title     string `json:"title"`
	Currency  string `json:"currency"`
	Impact    string `json:"impact"`
	Time      string `json:"time"`
	Timestamp string `json:"timestamp"`
}

// Events implements EventSource.
func (c *HTTPCalendar) Events(ctx context.Context, from, to time.Time) ([]NewsEvent, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar returned status %d", resp.StatusCode)
	}

	var raw []calendarEvent
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode calendar: %w", err)
	}

	out := make([]NewsEvent, 0, len(raw))
	for _, e := range raw {
		ts := e.Time
		if ts == "" {
			ts = e.Timestamp
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		out = append(out, NewsEvent{
			Title:    e.Title,
			Currency: strings.ToUpper(e.Currency),
			Impact:   e.Impact,
			Time:     t.UTC(),
		})
	}
	return out, nil
}
