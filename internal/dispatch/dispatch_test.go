package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/goleak"

	"github.com/drphrozen/snowplow-rdb-loader/internal/control"
	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
	"github.com/drphrozen/snowplow-rdb-loader/internal/loaderr"
	"github.com/drphrozen/snowplow-rdb-loader/internal/loadstate"
	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
	"github.com/drphrozen/snowplow-rdb-loader/internal/monitoring"
	"github.com/drphrozen/snowplow-rdb-loader/internal/queue"
	"github.com/drphrozen/snowplow-rdb-loader/internal/retry"
	"github.com/drphrozen/snowplow-rdb-loader/internal/target"
	"github.com/drphrozen/snowplow-rdb-loader/internal/txn"
)

// TestMain verifies none of this package's tests leak a goroutine —
// Run's three streams and extendVisibility's ticker goroutine are the
// ones worth catching here, since each is started without the test
// itself holding a direct reference to join on.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn mirrors loadstate's own test fake: with no shredded types in
// play, every QueryRow call is a manifest lookup ("ingestion" appears
// only in ManifestGet's rendering) except the ready-check's bare
// "SELECT 1", which always succeeds immediately.
type fakeConn struct {
	missUntil int
	hit       time.Time
	execErr   error

	queryCalls int
}

func (f *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &emptyRows{}, nil
}

func (f *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if !strings.Contains(sql, "ingestion") {
		return manifestRow{}
	}
	f.queryCalls++
	if f.queryCalls <= f.missUntil {
		return manifestRow{err: pgx.ErrNoRows}
	}
	return manifestRow{hit: f.hit}
}

type manifestRow struct {
	hit time.Time
	err error
}

func (r manifestRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if d, ok := dest[0].(*time.Time); ok {
		*d = r.hit
	}
	return nil
}

type emptyRows struct{}

func (r *emptyRows) Close()                                       {}
func (r *emptyRows) Err() error                                   { return nil }
func (r *emptyRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *emptyRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *emptyRows) Next() bool                                   { return false }
func (r *emptyRows) Scan(dest ...any) error                       { return nil }
func (r *emptyRows) Values() ([]any, error)                       { return nil, nil }
func (r *emptyRows) RawValues() [][]byte                          { return nil }
func (r *emptyRows) Conn() *pgx.Conn                               { return nil }

type fakeRunner struct{ conn *fakeConn }

func (r *fakeRunner) Run(ctx context.Context, fn func(context.Context, txn.Conn) error) error {
	return fn(ctx, r.conn)
}

func (r *fakeRunner) Transact(ctx context.Context, fn func(context.Context, txn.Conn) error) error {
	return fn(ctx, r.conn)
}

type recordingFacade struct {
	successes []monitoring.SuccessPayload
	alerts    []monitoring.AlertPayload
}

func (f *recordingFacade) Success(p monitoring.SuccessPayload)  { f.successes = append(f.successes, p) }
func (f *recordingFacade) Alert(p monitoring.AlertPayload)      { f.alerts = append(f.alerts, p) }
func (f *recordingFacade) Metrics(monitoring.MetricsPayload)    {}
func (f *recordingFacade) Exception(monitoring.ExceptionPayload) {}

// recordingMessage stands in for a queue.Message without a real broker
// behind it, tracking whether Ack was called.
func recordingMessage(base folder.StorageFolder) (queue.Message, *bool) {
	acked := false
	msg := queue.Message{
		ID:   "m1",
		Body: model.ShreddingComplete{Base: base, Compression: model.CompressionGZIP},
		Ack:  func(ctx context.Context) error { acked = true; return nil },
	}
	return msg, &acked
}

func testDispatch(conn *fakeConn) *Dispatch {
	deps := loadstate.Dependencies{
		Txr:        &fakeRunner{conn: conn},
		Target:     target.New("atomic", "events", "manifest", false),
		Retry:      retry.New(retry.Config{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 1}, nil),
		Control:    control.New(),
		ReadyCheck: loadstate.ReadyCheckConfig{Interval: time.Millisecond, Timeout: time.Second},
	}
	return New(Config{}, nil, nil, deps, nil, deps.Control, &recordingFacade{}, nil, nil)
}

func facadeOf(d *Dispatch) *recordingFacade {
	return d.monitor.(*recordingFacade)
}

// TestHandleAcksAndReportsSuccessOnFreshLoad is the success branch of
// spec.md §4.7's outcome contract: ack plus a Success report, and the
// stream keeps going (handle returns nil).
func TestHandleAcksAndReportsSuccessOnFreshLoad(t *testing.T) {
	conn := &fakeConn{missUntil: 1, hit: time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)}
	d := testDispatch(conn)
	base := folder.CoerceFolder("s3://bucket/run=2021-01-01-00-00-00/")
	msg, acked := recordingMessage(base)

	if err := d.handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !*acked {
		t.Fatalf("expected the message to be acked on a successful load")
	}
	facade := facadeOf(d)
	if len(facade.successes) != 1 {
		t.Fatalf("expected exactly one Success report, got %d", len(facade.successes))
	}
	if len(facade.alerts) != 0 {
		t.Fatalf("expected no alerts on a successful load, got %d", len(facade.alerts))
	}
}

// TestHandleAcksAndAlertsOnAlreadyLoaded is the "Already loaded" branch:
// ack plus an Alert, and the stream keeps going.
func TestHandleAcksAndAlertsOnAlreadyLoaded(t *testing.T) {
	conn := &fakeConn{missUntil: 0, hit: time.Now()}
	d := testDispatch(conn)
	base := folder.CoerceFolder("s3://bucket/run=2021-01-01-00-00-00/")
	msg, acked := recordingMessage(base)

	if err := d.handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !*acked {
		t.Fatalf("expected the message to be acked on an already-loaded cancel")
	}
	facade := facadeOf(d)
	if len(facade.alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(facade.alerts))
	}
	if len(facade.successes) != 0 {
		t.Fatalf("expected no Success report on an already-loaded cancel")
	}
}

// TestHandlePropagatesFatalLoadError is the exceptional-failure branch:
// a Fatal error is alerted on, the message is still acked (redelivering
// it would only fail the same way), but handle returns the error so the
// caller terminates the stream.
func TestHandlePropagatesFatalLoadError(t *testing.T) {
	conn := &fakeConn{missUntil: 1, execErr: &pgconn.PgError{Code: "42601"}} // syntax_error, not in the Transient set
	d := testDispatch(conn)
	base := folder.CoerceFolder("s3://bucket/run=2021-01-01-00-00-00/")
	msg, acked := recordingMessage(base)

	err := d.handle(context.Background(), msg)
	if err == nil {
		t.Fatalf("expected handle to propagate a Fatal load error")
	}
	if !*acked {
		t.Fatalf("expected the message to still be acked on a Fatal failure")
	}
	facade := facadeOf(d)
	if len(facade.alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(facade.alerts))
	}
}

// TestHandlePropagatesTransientErrorWithoutRetryQueue asserts that an
// exhausted Transient error still terminates the stream when no retry
// queue is configured — the hand-off in fail is strictly additive, never
// a silent swallow.
func TestHandlePropagatesTransientErrorWithoutRetryQueue(t *testing.T) {
	conn := &fakeConn{missUntil: 1, execErr: &pgconn.PgError{Code: "08000"}} // connection_exception, Transient
	d := testDispatch(conn)
	base := folder.CoerceFolder("s3://bucket/run=2021-01-01-00-00-00/")
	msg, acked := recordingMessage(base)

	err := d.handle(context.Background(), msg)
	if err == nil {
		t.Fatalf("expected handle to propagate an exhausted Transient error when no retry queue is configured")
	}
	if !*acked {
		t.Fatalf("expected the message to still be acked")
	}
}

// TestFailSkipsDiscoveryErrorsWithoutPropagating asserts a Discovery-kind
// error (malformed registry lookup) is alerted, acked, and swallowed —
// redelivering an unresolvable message would just fail the same way
// forever.
func TestFailSkipsDiscoveryErrorsWithoutPropagating(t *testing.T) {
	d := testDispatch(nil)
	base := folder.CoerceFolder("s3://bucket/run=2021-01-01-00-00-00/")
	msg, acked := recordingMessage(base)

	err := d.fail(context.Background(), msg, msg.Body, base, uuid.New(), loaderr.Wrap(loaderr.Discovery, "resolve", errors.New("registry 500")))
	if err != nil {
		t.Fatalf("fail: expected Discovery errors to be swallowed, got %v", err)
	}
	if !*acked {
		t.Fatalf("expected the message to be acked")
	}
}

// TestFailNeverAcksOnShutdown asserts a graceful shutdown leaves the
// message unacked so it gets redelivered once the process resumes.
func TestFailNeverAcksOnShutdown(t *testing.T) {
	d := testDispatch(nil)
	base := folder.CoerceFolder("s3://bucket/run=2021-01-01-00-00-00/")
	msg, acked := recordingMessage(base)

	err := d.fail(context.Background(), msg, msg.Body, base, uuid.New(), loaderr.Shutdown)
	if !errors.Is(err, loaderr.Shutdown) {
		t.Fatalf("expected fail to propagate loaderr.Shutdown unchanged, got %v", err)
	}
	if *acked {
		t.Fatalf("expected the message not to be acked on shutdown")
	}
}

// TestRunReturnsNilOnContextCancellation asserts Run treats a plain
// context cancellation as graceful shutdown, not an error — with no
// folder-monitor cron and no no-op schedule configured, Run starts only
// the discovery loop and the folder-monitor stream, and both are parked
// on <-ctx.Done() or Receive(ctx).
func TestRunReturnsNilOnContextCancellation(t *testing.T) {
	d := testDispatch(nil)
	d.queue = blockingQueue{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: expected nil on context cancellation, got %v", err)
	}
}

type blockingQueue struct{}

func (blockingQueue) Receive(ctx context.Context) (queue.Message, error) {
	<-ctx.Done()
	return queue.Message{}, ctx.Err()
}

func TestEventColumnNamingConvention(t *testing.T) {
	info := model.ShreddedTypeInfo{Vendor: "com.acme", Name: "click", Model: 1, SnowplowEntity: model.EntitySelfDescribing}
	if got, want := eventColumnName(info), "unstruct_event_com.acme_click_1"; got != want {
		t.Fatalf("eventColumnName = %q, want %q", got, want)
	}

	ctxInfo := model.ShreddedTypeInfo{Vendor: "com.acme", Name: "page", Model: 2, SnowplowEntity: model.EntityContext}
	if got, want := eventColumnName(ctxInfo), "contexts_com.acme_page_2"; got != want {
		t.Fatalf("eventColumnName = %q, want %q", got, want)
	}
}

func TestMergeEventColumnsDedupes(t *testing.T) {
	existing := []string{"app_id"}
	dup := model.ShreddedTypeInfo{Vendor: "com.acme", Name: "click", Model: 1, SnowplowEntity: model.EntitySelfDescribing}
	types := []model.ShreddedType{{Info: dup}, {Info: dup}}

	merged := mergeEventColumns(existing, types)
	if len(merged) != 2 {
		t.Fatalf("expected the duplicate shredded type to contribute one column, got %d total: %v", len(merged), merged)
	}
}
