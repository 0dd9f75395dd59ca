// Package commands models the inbound control messages that start and stop
// strategies, and the bounded queue that feeds them to the orchestrator.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCommand covers malformed, unknown and misaddressed commands.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrExpired is returned for a command whose expiresAt has passed.
	ErrExpired = errors.New("command expired")
	// ErrQueueFull is returned when the orchestrator is not keeping up.
	ErrQueueFull = errors.New("command queue full")
)

// Command kinds.
const (
	StartStrategy = "START_STRATEGY"
	StopStrategy  = "STOP_STRATEGY"
	Ping          = "PING"
)

// Command is one control message.
type Command struct {
	ID         string         `json:"id"`
	Command    string         `json:"command"`
	ExecutorID string         `json:"executorId"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
}

// Result is the reply to a command.
type Result struct {
	CommandID string `json:"commandId"`
	Command   string `json:"command"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Parse decodes a command. The kind is upper-cased and a missing id or
// creation time is filled in.
func Parse(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	c.Command = strings.ToUpper(strings.TrimSpace(c.Command))
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return c, nil
}

// Validate checks the kind, the addressee and the expiry. An empty
// executorID in the command is accepted by any executor.
func (c Command) Validate(executorID string, now time.Time) error {
	switch c.Command {
	case StartStrategy, StopStrategy, Ping:
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, c.Command)
	}
	if c.ExecutorID != "" && executorID != "" && c.ExecutorID != executorID {
		return fmt.Errorf("%w: addressed to executor %s", ErrInvalidCommand, c.ExecutorID)
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return fmt.Errorf("%w: %s at %s", ErrExpired, c.ID, c.ExpiresAt.Format(time.RFC3339))
	}
	if c.Command != Ping {
		if _, err := c.StrategyID(); err != nil {
			return err
		}
	}
	return nil
}

// StrategyID returns parameters.strategyId.
func (c Command) StrategyID() (string, error) {
	id, _ := c.Parameters["strategyId"].(string)
	if id == "" {
		return "", fmt.Errorf("%w: Missing strategyId", ErrInvalidCommand)
	}
	return id, nil
}

// Reply builds a result for c.
func (c Command) Reply(err error, data any) Result {
	r := Result{CommandID: c.ID, Command: c.Command, Success: err == nil, Data: data}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
