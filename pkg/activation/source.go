package activation

import "sync"

// DefaultMargin is the readiness fraction at which a Threshold fires.
const DefaultMargin = 0.1

// ReadinessSource signals, at most once, that a consumer is about to be
// needed. A registration stops listening after the first signal.
type ReadinessSource interface {
	Ready() <-chan struct{}
}

// firer is implemented by sources that can be signalled explicitly.
type firer interface {
	Fire()
}

// signal is a close-once channel shared by the sources below.
type signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() signal {
	return signal{ch: make(chan struct{})}
}

func (s *signal) fire() {
	s.once.Do(func() { close(s.ch) })
}

// Manual fires when Fire is called.
type Manual struct {
	sig signal
}

// NewManual creates a manual readiness source.
func NewManual() *Manual {
	return &Manual{sig: newSignal()}
}

// Ready implements ReadinessSource.
func (m *Manual) Ready() <-chan struct{} {
	return m.sig.ch
}

// Fire signals readiness. Extra calls are no-ops.
func (m *Manual) Fire() {
	m.sig.fire()
}

// Threshold fires once a reported readiness fraction (for example the
// visible share of a consumer's area) reaches its margin. A small margin
// activates the consumer slightly before it is fully needed.
type Threshold struct {
	margin float64

	mu       sync.Mutex
	fraction float64
	sig      signal
}

// NewThreshold creates a threshold source. Margins outside (0, 1] use
// DefaultMargin.
func NewThreshold(margin float64) *Threshold {
	if margin <= 0 || margin > 1 {
		margin = DefaultMargin
	}
	return &Threshold{margin: margin, sig: newSignal()}
}

// Ready implements ReadinessSource.
func (t *Threshold) Ready() <-chan struct{} {
	return t.sig.ch
}

// Margin returns the firing fraction.
func (t *Threshold) Margin() float64 {
	return t.margin
}

// Report records the current readiness fraction and fires when it reaches
// the margin.
func (t *Threshold) Report(fraction float64) {
	t.mu.Lock()
	t.fraction = fraction
	t.mu.Unlock()

	if fraction >= t.margin {
		t.sig.fire()
	}
}

// Fraction returns the last reported fraction.
func (t *Threshold) Fraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fraction
}

// Fire signals readiness regardless of the reported fraction.
func (t *Threshold) Fire() {
	t.sig.fire()
}
