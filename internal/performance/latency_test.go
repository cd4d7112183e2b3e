package performance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/models"
)

func TestLatencyWindow_P99TracksSlowTail(t *testing.T) {
	var w latencyWindow
	require.Zero(t, w.p99())

	for i := 0; i < 99; i++ {
		w.record(time.Millisecond)
	}
	w.record(time.Second)

	require.GreaterOrEqual(t, w.p99(), time.Second)
}

func TestLatencyWindow_RingWrapsOldSamplesOut(t *testing.T) {
	var w latencyWindow
	w.record(time.Second)
	for i := 0; i < latencyWindowSize; i++ {
		w.record(time.Millisecond)
	}
	require.Equal(t, time.Millisecond, w.p99())
}

func TestStoreDegraded(t *testing.T) {
	store := New(nil, models.NewTestStore(), zap.NewNop())
	require.False(t, store.Degraded(500*time.Millisecond))

	for i := 0; i < latencyWindowSize; i++ {
		store.lat.record(time.Second)
	}
	require.True(t, store.Degraded(500*time.Millisecond))
	require.False(t, store.Degraded(0))
}
