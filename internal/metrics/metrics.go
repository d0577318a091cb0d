package metrics

import "sync"

// Event names used across the server. Keeping them here gives one place to
// see everything the relay counts.
const (
	EventRoomsCreated        = "rooms_created"
	EventRoomJoins           = "room_joins"
	EventRoomLeaves          = "room_leaves"
	EventRoomsReaped         = "rooms_reaped"
	EventSignalsRelayed      = "signals_relayed"
	EventSignalTargetMissing = "signal_target_missing"
	EventDeliveryDropped     = "delivery_dropped"
	EventSlowClientKicks     = "slow_client_kicks"
	EventWSConnections       = "ws_connections"
	EventWSAuthFailures      = "ws_auth_failures"
	EventWSRateLimited       = "ws_rate_limited"
	EventWSProtocolErrors    = "ws_protocol_errors"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production deployment scrapes these through PrometheusHandler; keeping
// the registry in-process keeps relay and registry logic testable without a
// metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
