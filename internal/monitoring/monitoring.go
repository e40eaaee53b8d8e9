// Package monitoring implements C10: the observability façade every
// other component reports through instead of logging directly. A batch
// success or failure, an alert, and the periodic metrics snapshot are
// each a distinct payload shape (spec.md §6), carried by one interface
// so the dispatch loop doesn't need to know how many sinks are wired.
package monitoring

import (
	"time"

	"github.com/google/uuid"

	"github.com/drphrozen/snowplow-rdb-loader/internal/control"
	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
	"github.com/drphrozen/snowplow-rdb-loader/internal/log"
)

// SuccessPayload reports a batch finishing its load (spec.md §6). LoadID
// is stamped once per load attempt by the dispatch loop, so a success and
// any alerts raised along the way for the same attempt can be correlated
// across sinks that don't share the base folder as a natural key (e.g. a
// retry redelivering the same base under a new attempt).
type SuccessPayload struct {
	LoadID   uuid.UUID
	Base     folder.StorageFolder
	Attempt  int
	Duration time.Duration
}

// AlertPayload reports a batch that was not loaded: one already present
// in the manifest, or one whose load failed with any error other than a
// shutdown (the dispatch loop alerts and acks before deciding whether to
// skip it, hand it to the retry queue, or terminate the stream).
type AlertPayload struct {
	LoadID  uuid.UUID
	Base    folder.StorageFolder
	Message string
}

// MetricsPayload is the periodic counters snapshot (spec.md §4.9).
type MetricsPayload struct {
	Messages int
	Loaded   int
}

// ExceptionPayload reports an uncaught Runtime error reaching the
// top-level handler.
type ExceptionPayload struct {
	Message string
}

// Facade is the monitoring interface every component reports through.
type Facade interface {
	Success(SuccessPayload)
	Alert(AlertPayload)
	Metrics(MetricsPayload)
	Exception(ExceptionPayload)
}

// LogFacade renders every payload as a structured log line. It is the
// always-present sink; StatsD/webhook/Sentry-shaped sinks (out of scope
// per spec.md §1's Non-goals) would implement Facade the same way and
// get fanned out to via Multi.
type LogFacade struct {
	log *log.Logger
}

func NewLogFacade(logger *log.Logger) *LogFacade {
	return &LogFacade{log: logger}
}

func (f *LogFacade) Success(p SuccessPayload) {
	f.log.WithBase(p.Base.String()).Infof("batch loaded in %s after %d attempt(s) [load=%s]", p.Duration, p.Attempt, p.LoadID)
}

func (f *LogFacade) Alert(p AlertPayload) {
	f.log.WithBase(p.Base.String()).Warnf("alert: %s [load=%s]", p.Message, p.LoadID)
}

func (f *LogFacade) Metrics(p MetricsPayload) {
	f.log.Infof("metrics: messages=%d loaded=%d", p.Messages, p.Loaded)
}

func (f *LogFacade) Exception(p ExceptionPayload) {
	f.log.Errorf("exception: %s", p.Message)
}

// Multi fans every call out to each wrapped Facade in order. One sink
// erroring (a log write failing, say) must never stop the others from
// seeing the same event — Facade methods don't return errors, so a sink
// implementation is responsible for swallowing its own failures.
type Multi struct {
	sinks []Facade
}

func NewMulti(sinks ...Facade) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Success(p SuccessPayload) {
	for _, s := range m.sinks {
		s.Success(p)
	}
}

func (m *Multi) Alert(p AlertPayload) {
	for _, s := range m.sinks {
		s.Alert(p)
	}
}

func (m *Multi) Metrics(p MetricsPayload) {
	for _, s := range m.sinks {
		s.Metrics(p)
	}
}

func (m *Multi) Exception(p ExceptionPayload) {
	for _, s := range m.sinks {
		s.Exception(p)
	}
}

// ReportCounters copies the control surface's counters into a Metrics
// call — the one place the façade reaches back into C9 rather than
// being handed a payload directly. The dispatch loop calls it once after
// each successful load; the counters themselves are not reset.
func ReportCounters(f Facade, surface *control.Surface) {
	c := surface.Counters()
	f.Metrics(MetricsPayload{Messages: c.Messages, Loaded: c.Loaded})
}
