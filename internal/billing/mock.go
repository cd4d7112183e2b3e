package billing

import (
	"context"
	"sync"
	"time"
)

// MockSink is an in-memory Sink for tests, mirroring the teacher's
// MockAnalytics pattern (spec §9 "shared mutable state": every long-lived
// dependency is injected, tests substitute an in-memory fake).
type MockSink struct {
	mu     sync.Mutex
	Events []Event
	FailOn func(Event) bool
}

var _ Sink = (*MockSink)(nil)
var _ RevenueQuery = (*MockSink)(nil)

// NewMockSink builds an empty MockSink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) Emit(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOn != nil && m.FailOn(event) {
		return errMockSinkFailure
	}
	m.Events = append(m.Events, event)
	return nil
}

func (m *MockSink) Revenue(ctx context.Context, partnerID, deviceID string, from, to time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, e := range m.Events {
		if e.PartnerID != partnerID {
			continue
		}
		if deviceID != "" && e.DeviceID != deviceID {
			continue
		}
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		total += e.Amount
	}
	return total, nil
}

// All returns a snapshot of every event recorded so far.
func (m *MockSink) All() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.Events))
	copy(out, m.Events)
	return out
}

type mockSinkError struct{}

func (mockSinkError) Error() string { return "mock billing sink: forced failure" }

var errMockSinkFailure = mockSinkError{}
