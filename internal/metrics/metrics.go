// Package metrics counts connections, deliveries and drops in a go-metrics
// registry and periodically reports it as JSON.
package metrics

import (
	"io"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	reg gometrics.Registry
}

// New wraps reg, or a fresh registry when reg is nil.
func New(reg gometrics.Registry) *Metrics {
	if reg == nil {
		reg = gometrics.NewRegistry()
	}
	return &Metrics{reg: reg}
}

// Start writes the registry to w every tick until the process exits.
func (m *Metrics) Start(w io.Writer, tick time.Duration) {
	if m == nil {
		return
	}
	go gometrics.WriteJSON(m.reg, tick, w)
}

func (m *Metrics) WriteOnce(w io.Writer) {
	if m == nil {
		return
	}
	gometrics.WriteJSONOnce(m.reg, w)
}

func (m *Metrics) Incr(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func (m *Metrics) Decr(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

// Mark records events on a meter, for rates such as drops per second.
func (m *Metrics) Mark(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterMeter(name, m.reg).Mark(i)
}

// Count reads a counter; unknown names read as zero.
func (m *Metrics) Count(name string) int64 {
	if m == nil {
		return 0
	}
	if c, ok := m.reg.Get(name).(gometrics.Counter); ok {
		return c.Count()
	}
	return 0
}

// Marked reads the total number of events on a meter.
func (m *Metrics) Marked(name string) int64 {
	if m == nil {
		return 0
	}
	if mt, ok := m.reg.Get(name).(gometrics.Meter); ok {
		return mt.Count()
	}
	return 0
}
