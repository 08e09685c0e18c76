package zinject

import "sync/atomic"

// Metrics tracks injector-wide operational statistics: handler
// population and aggregate match/inject/delay-lane counters, the
// fault-injection analogue of the teacher's device-side Metrics.
type Metrics struct {
	HandlersActive atomic.Int64 // live handlers of any kind
	DelayHandlers  atomic.Int64 // live delay-io handlers

	Registrations atomic.Uint64
	Clears        atomic.Uint64

	Matches     atomic.Uint64 // every MatchCount increment, across all handler kinds
	Injections  atomic.Uint64 // every InjectCount increment
	DelayEvents atomic.Uint64 // lane assignments made by the delay engine
	Panics      atomic.Uint64
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics { return &Metrics{} }

// Observer is the pluggable metrics-collection interface consulted by
// the injector on registration, clear, and every match/inject outcome.
type Observer interface {
	ObserveRegister(cmd Cmd)
	ObserveClear(cmd Cmd)
	ObserveMatch(cmd Cmd, fired bool)
	ObserveDelay()
	ObservePanic()
}

// NoOpObserver is a no-op implementation of Observer, the default when
// Options.Observer is nil.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRegister(Cmd)      {}
func (NoOpObserver) ObserveClear(Cmd)         {}
func (NoOpObserver) ObserveMatch(Cmd, bool)   {}
func (NoOpObserver) ObserveDelay()            {}
func (NoOpObserver) ObservePanic()            {}

// MetricsObserver implements Observer by recording to a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRegister(cmd Cmd) {
	o.metrics.Registrations.Add(1)
	o.metrics.HandlersActive.Add(1)
	if cmd == CmdDelayIO {
		o.metrics.DelayHandlers.Add(1)
	}
}

func (o *MetricsObserver) ObserveClear(cmd Cmd) {
	o.metrics.Clears.Add(1)
	o.metrics.HandlersActive.Add(-1)
	if cmd == CmdDelayIO {
		o.metrics.DelayHandlers.Add(-1)
	}
}

func (o *MetricsObserver) ObserveMatch(cmd Cmd, fired bool) {
	o.metrics.Matches.Add(1)
	if fired {
		o.metrics.Injections.Add(1)
	}
}

func (o *MetricsObserver) ObserveDelay() {
	o.metrics.DelayEvents.Add(1)
}

func (o *MetricsObserver) ObservePanic() {
	o.metrics.Panics.Add(1)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
