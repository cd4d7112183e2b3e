package selection

import (
	"testing"

	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/performance"
	"go.uber.org/zap"
)

// newTestPerf builds a Performance Store backed only by the in-memory models
// store, with no Redis, for tests that don't need idempotency coverage.
func newTestPerf(t *testing.T, backed models.Store) *performance.Store {
	t.Helper()
	return performance.New(nil, backed, zap.NewNop())
}
