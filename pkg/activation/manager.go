// Package activation defers consumer work until each consumer is first
// needed, then keeps activated consumers refreshed as data arrives.
package activation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Sternrassler/dataset-loader/pkg/dataset"
	"github.com/Sternrassler/dataset-loader/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	// ErrDuplicateID indicates a registration id is already in use
	ErrDuplicateID = errors.New("consumer already registered")

	// ErrNotRegistered indicates an unknown registration id
	ErrNotRegistered = errors.New("consumer not registered")

	// ErrClosed indicates the manager has been closed
	ErrClosed = errors.New("activation manager closed")
)

var consumersActivatedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dataset_consumers_activated_total",
	Help: "Total number of consumer activations",
})

// Callback receives the dataset on activation and on every refresh.
type Callback func(dataset.Snapshot)

// Info describes one registration.
type Info struct {
	ID        string `json:"id"`
	Activated bool   `json:"activated"`
}

type registration struct {
	id        string
	source    ReadinessSource
	callback  Callback
	activated bool

	stop     chan struct{}
	stopOnce sync.Once

	// serializes callback invocations for this consumer
	callMu sync.Mutex
}

func (r *registration) halt() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Manager is an explicit registry of consumers keyed by id.
type Manager struct {
	data   func() dataset.Snapshot
	logger zerolog.Logger

	mu     sync.Mutex
	regs   map[string]*registration
	order  []string
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a manager. data returns the current dataset and is
// read at activation time.
func NewManager(data func() dataset.Snapshot) *Manager {
	if data == nil {
		panic("activation data func cannot be nil")
	}
	return &Manager{
		data:   data,
		logger: logging.NewLogger("activation"),
		regs:   make(map[string]*registration),
	}
}

// Register adds a consumer. The callback runs on the first readiness signal
// from source; a nil source means the consumer only activates through
// ForceActivate or MarkReady.
func (m *Manager) Register(id string, source ReadinessSource, callback Callback) error {
	if id == "" {
		return fmt.Errorf("consumer id is required")
	}
	if callback == nil {
		return fmt.Errorf("consumer %q: callback is required", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, exists := m.regs[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	reg := &registration{
		id:       id,
		source:   source,
		callback: callback,
		stop:     make(chan struct{}),
	}
	m.regs[id] = reg
	m.order = append(m.order, id)

	if source != nil {
		m.wg.Add(1)
		go m.listen(reg)
	}

	m.logger.Debug().Str("consumer_id", id).Msg("Consumer registered")
	return nil
}

// listen waits for the single readiness signal.
func (m *Manager) listen(reg *registration) {
	defer m.wg.Done()
	select {
	case <-reg.source.Ready():
		m.activate(reg)
	case <-reg.stop:
	}
}

// IsActivated reports whether the consumer has been activated.
func (m *Manager) IsActivated(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[id]
	return ok && reg.activated
}

// ForceActivate activates the consumer now. It returns once the callback
// has run; activating twice is a no-op.
func (m *Manager) ForceActivate(id string) error {
	reg, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.activate(reg)
	return nil
}

// MarkReady signals the consumer's readiness source, when it can be
// signalled, and activates the consumer synchronously.
func (m *Manager) MarkReady(id string) error {
	reg, err := m.lookup(id)
	if err != nil {
		return err
	}
	if f, ok := reg.source.(firer); ok {
		f.Fire()
	}
	m.activate(reg)
	return nil
}

// Refresh re-invokes every activated consumer with snapshot, in
// registration order.
func (m *Manager) Refresh(snapshot dataset.Snapshot) {
	m.mu.Lock()
	active := make([]*registration, 0, len(m.order))
	for _, id := range m.order {
		if reg := m.regs[id]; reg.activated {
			active = append(active, reg)
		}
	}
	m.mu.Unlock()

	for _, reg := range active {
		reg.callMu.Lock()
		reg.callback(snapshot)
		reg.callMu.Unlock()
	}

	if len(active) > 0 {
		m.logger.Debug().
			Int("consumers", len(active)).
			Int("records", snapshot.Len()).
			Msg("Refreshed activated consumers")
	}
}

// Unregister removes a consumer and stops listening to its source.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	reg.halt()
	delete(m.regs, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Registrations lists consumers in registration order.
func (m *Manager) Registrations() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, Info{ID: id, Activated: m.regs[id].activated})
	}
	return out
}

// Close stops all listeners and rejects further registrations.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, reg := range m.regs {
		reg.halt()
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) lookup(id string) (*registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return reg, nil
}

// activate flips the registration to activated exactly once and delivers
// the current dataset.
func (m *Manager) activate(reg *registration) {
	reg.callMu.Lock()
	defer reg.callMu.Unlock()

	m.mu.Lock()
	current, ok := m.regs[reg.id]
	if !ok || current != reg || reg.activated {
		m.mu.Unlock()
		return
	}
	reg.activated = true
	m.mu.Unlock()

	reg.halt()
	consumersActivatedTotal.Inc()

	snapshot := m.data()
	m.logger.Debug().
		Str("consumer_id", reg.id).
		Int("records", snapshot.Len()).
		Msg("Consumer activated")

	reg.callback(snapshot)
}
