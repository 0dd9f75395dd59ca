package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`{"id":"c1","command":"start_strategy","executorId":"e1","parameters":{"strategyId":"s1"},"createdAt":"2024-03-04T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, StartStrategy, c.Command)
	id, err := c.StrategyID()
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	c, err = Parse([]byte(`{"command":"PING"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.False(t, c.CreatedAt.IsZero())

	_, err = Parse([]byte(`{"command":`))
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestValidate(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	start := map[string]any{"strategyId": "s1"}

	tests := []struct {
		name string
		cmd  Command
		want error
	}{
		{"start ok", Command{Command: StartStrategy, Parameters: start}, nil},
		{"ping without params", Command{Command: Ping}, nil},
		{"not yet expired", Command{Command: Ping, ExpiresAt: &future}, nil},
		{"expired", Command{Command: StopStrategy, Parameters: start, ExpiresAt: &past}, ErrExpired},
		{"unknown", Command{Command: "RESTART"}, ErrInvalidCommand},
		{"missing strategy", Command{Command: StopStrategy}, ErrInvalidCommand},
		{"other executor", Command{Command: Ping, ExecutorID: "e2"}, ErrInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate("e1", now)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMissingStrategyIDMessage(t *testing.T) {
	_, err := Command{Command: StartStrategy}.StrategyID()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Missing strategyId")
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Push(Command{ID: "1"}))
	require.NoError(t, q.Push(Command{ID: "2"}))
	assert.ErrorIs(t, q.Push(Command{ID: "3"}), ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, "1", (<-q.C()).ID)
	require.NoError(t, q.Push(Command{ID: "3"}))
}

func TestReply(t *testing.T) {
	c := Command{ID: "c1", Command: Ping}
	ok := c.Reply(nil, map[string]any{"pong": true})
	assert.True(t, ok.Success)
	assert.Empty(t, ok.Error)

	failed := c.Reply(ErrExpired, nil)
	assert.False(t, failed.Success)
	assert.Equal(t, ErrExpired.Error(), failed.Error)
}
