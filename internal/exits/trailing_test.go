package exits

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

const testPip = 0.0001

func TestNewTrailerDefaults(t *testing.T) {
	assert.Nil(t, NewTrailer(nil))
	assert.Nil(t, NewTrailer(&strategy.Trailing{Enabled: false, Distance: 10}))

	tr := NewTrailer(&strategy.Trailing{Enabled: true})
	require.NotNil(t, tr)
	assert.Equal(t, DefaultTrailDistance, tr.Distance)
	assert.Equal(t, DefaultTrailStep, tr.Step)
}

func TestTrailerNext(t *testing.T) {
	tr := &Trailer{Distance: 30, Step: 10}

	stop, moved := tr.Next(market.SideBuy, 1.1050, 1.0990, testPip)
	assert.True(t, moved)
	assert.InDelta(t, 1.1020, stop, 1e-9)

	// improvement smaller than the step is ignored
	stop, moved = tr.Next(market.SideBuy, 1.1025, 1.1000, testPip)
	assert.False(t, moved)
	assert.Equal(t, 1.1000, stop)

	stop, moved = tr.Next(market.SideSell, 1.0950, 1.1010, testPip)
	assert.True(t, moved)
	assert.InDelta(t, 1.0980, stop, 1e-9)

	// a SELL without a stop always takes the first value
	stop, moved = tr.Next(market.SideSell, 1.1000, 0, testPip)
	assert.True(t, moved)
	assert.InDelta(t, 1.1030, stop, 1e-9)
}

func TestTrailerActivation(t *testing.T) {
	tr := &Trailer{Distance: 30, Step: 10, Activation: 20}
	assert.False(t, tr.Active(market.SideBuy, 1.1, 1.1015, testPip))
	assert.True(t, tr.Active(market.SideBuy, 1.1, 1.1021, testPip))
	assert.True(t, tr.Active(market.SideSell, 1.1, 1.0979, testPip))
}

func TestTrailingStopIsMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tr := &Trailer{Distance: 15, Step: 2}

	for _, side := range []market.Side{market.SideBuy, market.SideSell} {
		price := 1.1
		stop := 0.0
		if side == market.SideBuy {
			stop = price - 0.0025
		}
		for i := 0; i < 5000; i++ {
			price += (rng.Float64() - 0.5) * 0.0008
			next, moved := tr.Next(side, price, stop, testPip)
			if !moved {
				assert.Equal(t, stop, next)
				continue
			}
			if side == market.SideBuy {
				require.Greater(t, next, stop, "buy stop moved down at step %d", i)
			} else if stop > 0 {
				require.Less(t, next, stop, "sell stop moved up at step %d", i)
			}
			stop = next
		}
	}
}
