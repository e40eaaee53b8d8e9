package monitoring

import (
	"testing"

	"github.com/google/uuid"

	"github.com/drphrozen/snowplow-rdb-loader/internal/control"
	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
)

type recordingFacade struct {
	successes  []SuccessPayload
	alerts     []AlertPayload
	metrics    []MetricsPayload
	exceptions []ExceptionPayload
}

func (r *recordingFacade) Success(p SuccessPayload)     { r.successes = append(r.successes, p) }
func (r *recordingFacade) Alert(p AlertPayload)         { r.alerts = append(r.alerts, p) }
func (r *recordingFacade) Metrics(p MetricsPayload)     { r.metrics = append(r.metrics, p) }
func (r *recordingFacade) Exception(p ExceptionPayload) { r.exceptions = append(r.exceptions, p) }

func TestMultiFansOutToEverySink(t *testing.T) {
	a, b := &recordingFacade{}, &recordingFacade{}
	multi := NewMulti(a, b)

	base := folder.CoerceFolder("s3://bucket/run=1/")
	loadID := uuid.New()
	multi.Success(SuccessPayload{LoadID: loadID, Base: base, Attempt: 1})
	multi.Alert(AlertPayload{LoadID: loadID, Base: base, Message: "oops"})
	multi.Metrics(MetricsPayload{Messages: 3, Loaded: 2})
	multi.Exception(ExceptionPayload{Message: "boom"})

	for _, r := range []*recordingFacade{a, b} {
		if len(r.successes) != 1 || len(r.alerts) != 1 || len(r.metrics) != 1 || len(r.exceptions) != 1 {
			t.Fatalf("expected every sink to observe every call, got %+v", r)
		}
		if r.successes[0].LoadID != loadID || r.alerts[0].LoadID != loadID {
			t.Fatalf("expected the same LoadID to correlate success and alert, got %+v / %+v", r.successes[0], r.alerts[0])
		}
	}
}

func TestReportCountersReadsControlSurface(t *testing.T) {
	surface := control.New()
	surface.IncrementMessages()
	surface.IncrementMessages()
	surface.IncrementLoaded()

	rec := &recordingFacade{}
	ReportCounters(rec, surface)

	if len(rec.metrics) != 1 {
		t.Fatalf("expected exactly one metrics report, got %d", len(rec.metrics))
	}
	if rec.metrics[0].Messages != 2 || rec.metrics[0].Loaded != 1 {
		t.Fatalf("unexpected metrics payload %+v", rec.metrics[0])
	}
}
