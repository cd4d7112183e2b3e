package observability

import "time"

// MockMetricsRegistry is a mock implementation of MetricsRegistry for testing.
type MockMetricsRegistry struct{}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementNoFittingSlot()                                              {}
func (m *MockMetricsRegistry) IncrementPlayback(status string)                                      {}
func (m *MockMetricsRegistry) IncrementEvent(eventType string)                                       {}
func (m *MockMetricsRegistry) SetSpendTotal(campaign string, amount float64)                         {}
func (m *MockMetricsRegistry) IncrementSpendPersistErrors()                                          {}
func (m *MockMetricsRegistry) IncrementRateLimitRequests(deviceID string)                             {}
func (m *MockMetricsRegistry) IncrementRateLimitHits(deviceID string)                                 {}
func (m *MockMetricsRegistry) IncrementReports()                                                     {}
func (m *MockMetricsRegistry) IncrementOracleRequests(oracle, outcome string)                         {}
func (m *MockMetricsRegistry) RecordOracleLatency(oracle string, duration time.Duration)              {}
func (m *MockMetricsRegistry) RecordDemandMultiplier(multiplier float64)                              {}
