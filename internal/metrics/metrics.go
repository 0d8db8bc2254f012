// Package metrics provides a minimal concurrency-safe counter registry
// exposed at GET /metricsz.
package metrics

import (
	"sort"
	"sync"
)

// Counter names used across the core.
const (
	MatchesMade      = "matches_made"
	JoinsWaiting     = "joins_waiting"
	SignalsRelayed   = "signals_relayed"
	SignalsDelivered = "signals_delivered"
	MessagesRelayed  = "messages_relayed"
	Disconnects      = "disconnects"
)

// Metrics is a mutex-guarded counter map. A production deployment
// would plug these into a real metrics backend; the registry keeps the
// counting logic testable without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Names returns all counter names in sorted order.
func (m *Metrics) Names() []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	names := make([]string, 0, len(m.m))
	for name := range m.m {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names
}
