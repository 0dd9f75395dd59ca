// Package notification forwards trade events from the bus to chat
// channels (Telegram and Discord webhooks).
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"strategy-executor/internal/events"
)

// Kind classifies a notification for formatting.
type Kind string

const (
	KindSignal     Kind = "signal"
	KindTradeOpen  Kind = "trade_open"
	KindTradeClose Kind = "trade_close"
	KindError      Kind = "error"
	KindInfo       Kind = "info"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultTelegram = "https://api.telegram.org"
)

// Notification is one rendered message.
type Notification struct {
	Kind      Kind
	Title     string
	Message   string
	Symbol    string
	Price     float64
	Profit    float64
	Timestamp time.Time
}

// Notifier delivers notifications to one channel.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
}

// Config selects channels and the event types that reach them.
type Config struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
	// Events defaults to position-opened, position-closed and error.
	Events []string `json:"events" yaml:"events"`
}

// Manager fans notifications out to every configured notifier.
type Manager struct {
	notifiers []Notifier
	events    map[events.EventType]bool
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewManager builds notifiers from cfg. Channels without credentials are
// skipped; a manager with none is valid and sends nothing.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	m := &Manager{
		events:  make(map[events.EventType]bool),
		timeout: defaultTimeout,
		logger:  logger.With().Str("component", "notification").Logger(),
	}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Discord.WebhookURL != "" {
		m.AddNotifier(NewDiscordNotifier(cfg.Discord))
	}

	kinds := cfg.Events
	if len(kinds) == 0 {
		kinds = []string{string(events.EventPositionOpened), string(events.EventPositionClosed), string(events.EventError)}
	}
	for _, k := range kinds {
		m.events[events.EventType(strings.TrimSpace(k))] = true
	}
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Enabled reports whether any channel is configured.
func (m *Manager) Enabled() bool {
	return len(m.notifiers) > 0
}

// Subscribe forwards matching bus events. It is a no-op without channels.
func (m *Manager) Subscribe(bus *events.EventBus) error {
	if !m.Enabled() {
		return nil
	}
	for t := range m.events {
		if err := bus.Subscribe(t, m.HandleEvent); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	return nil
}

// HandleEvent renders and sends one event. Delivery errors are logged.
func (m *Manager) HandleEvent(e events.Event) {
	if !m.events[e.Type] {
		return
	}
	n := Render(e)
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.Send(ctx, n); err != nil {
		m.logger.Warn().Err(err).Str("event_type", string(e.Type)).Msg("Notification failed")
	}
}

// Send delivers n to every channel and returns the last error.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			lastErr = fmt.Errorf("%s: %w", notifier.Name(), err)
		}
	}
	return lastErr
}

// Render turns a bus event into a notification, or nil for event types
// that have no message form.
func Render(e events.Event) *Notification {
	str := func(k string) string { s, _ := e.Data[k].(string); return s }
	num := func(k string) float64 {
		switch v := e.Data[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
		return 0
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	switch e.Type {
	case events.EventTradingSignal:
		return &Notification{
			Kind:      KindSignal,
			Title:     fmt.Sprintf("Signal: %s %s", str("action"), str("symbol")),
			Message:   fmt.Sprintf("Strategy %s\nReason: %s", str("strategy_id"), str("reason")),
			Symbol:    str("symbol"),
			Timestamp: ts,
		}
	case events.EventPositionOpened:
		return &Notification{
			Kind:  KindTradeOpen,
			Title: fmt.Sprintf("Position opened: %s %s", str("side"), str("symbol")),
			Message: fmt.Sprintf("Ticket %d | %.2f lots @ %g\nSL %g | TP %g\nStrategy %s",
				int64(num("ticket")), num("volume"), num("open_price"), num("sl"), num("tp"), str("strategy_id")),
			Symbol:    str("symbol"),
			Price:     num("open_price"),
			Timestamp: ts,
		}
	case events.EventPositionClosed:
		return &Notification{
			Kind:  KindTradeClose,
			Title: fmt.Sprintf("Position closed: %s", str("symbol")),
			Message: fmt.Sprintf("Ticket %d @ %g\nProfit %.2f\nReason: %s",
				int64(num("ticket")), num("close_price"), num("profit"), str("reason")),
			Symbol:    str("symbol"),
			Price:     num("close_price"),
			Profit:    num("profit"),
			Timestamp: ts,
		}
	case events.EventError:
		msg := str("message")
		if err := str("error"); err != "" {
			msg += "\n" + err
		}
		return &Notification{
			Kind:      KindError,
			Title:     fmt.Sprintf("Error in %s", str("source")),
			Message:   msg,
			Timestamp: ts,
		}
	case events.EventStrategyStatus:
		return &Notification{
			Kind:      KindInfo,
			Title:     fmt.Sprintf("Strategy %s %s", str("strategy_id"), str("status")),
			Message:   str("message"),
			Timestamp: ts,
		}
	}
	return nil
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
	APIBase  string `json:"api_base,omitempty" yaml:"api_base,omitempty"`
}

// TelegramNotifier sends notifications via the Bot API.
type TelegramNotifier struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultTelegram
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &TelegramNotifier{cfg: cfg, client: &http.Client{Timeout: defaultTimeout}}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	payload := map[string]interface{}{
		"chat_id":    t.cfg.ChatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
		"parse_mode": "Markdown",
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.APIBase, t.cfg.BotToken)
	return postJSON(ctx, t.client, url, payload, http.StatusOK)
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(cfg DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{webhookURL: cfg.WebhookURL, client: &http.Client{Timeout: defaultTimeout}}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Send(ctx context.Context, n *Notification) error {
	color := 0x2ECC71
	if n.Kind == KindError || (n.Kind == KindTradeClose && n.Profit < 0) {
		color = 0xE74C3C
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.UTC().Format(time.RFC3339),
	}
	if n.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": n.Symbol, "inline": true},
		}
		if n.Price > 0 {
			fields = append(fields, map[string]interface{}{"name": "Price", "value": fmt.Sprintf("%g", n.Price), "inline": true})
		}
		if n.Kind == KindTradeClose {
			fields = append(fields, map[string]interface{}{"name": "Profit", "value": fmt.Sprintf("%.2f", n.Profit), "inline": true})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{"embeds": []map[string]interface{}{embed}}
	return postJSON(ctx, d.client, d.webhookURL, payload, http.StatusOK, http.StatusNoContent)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, okStatus ...int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	defer resp.Body.Close()

	for _, s := range okStatus {
		if resp.StatusCode == s {
			return nil
		}
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
