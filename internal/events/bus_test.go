package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestEventBus_SubscribeByType(t *testing.T) {
	bus := NewEventBus()
	var opened, all recorder
	require.NoError(t, bus.Subscribe(EventPositionOpened, opened.add))
	require.NoError(t, bus.SubscribeAll(all.add))

	bus.PublishPositionOpened("s1", 42, "EURUSD", "BUY", 0.1, 1.1, 1.09, 1.12)
	bus.PublishError("test", "boom", errors.New("cause"))
	bus.Wait()

	got := opened.all()
	require.Len(t, got, 1)
	assert.Equal(t, EventPositionOpened, got[0].Type)
	assert.Equal(t, int64(42), got[0].Data["ticket"])
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())

	assert.Len(t, all.all(), 2)
}

func TestEventBus_PublishError(t *testing.T) {
	bus := NewEventBus()
	var rec recorder
	require.NoError(t, bus.Subscribe(EventError, rec.add))

	bus.PublishError("broker", "order rejected", errors.New("no money"))
	bus.Wait()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "no money", got[0].Data["error"])
	assert.Equal(t, "broker", got[0].Data["source"])
}
