package loadstate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drphrozen/snowplow-rdb-loader/internal/control"
	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
	"github.com/drphrozen/snowplow-rdb-loader/internal/retry"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
	"github.com/drphrozen/snowplow-rdb-loader/internal/target"
	"github.com/drphrozen/snowplow-rdb-loader/internal/txn"
)

// fakeConn drives the state machine with no shredded types in play, so the
// migration planner never queries the warehouse at all — every QueryRow
// call the state machine makes is a manifest lookup. queryCalls counts
// them; the first missUntil calls report ErrNoRows (ManifestCheck misses,
// the load proceeds), and every call after that reports hit as the
// committed ingestion timestamp (the post-commit read-back).
type fakeConn struct {
	missUntil  int
	queryCalls int
	hit        time.Time
	execErrs   []error // consumed in order, one per Exec call
	execCalls  int
}

func (f *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var err error
	if f.execCalls < len(f.execErrs) {
		err = f.execErrs[f.execCalls]
	}
	f.execCalls++
	return pgconn.CommandTag{}, err
}

func (f *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &emptyRows{}, nil
}

func (f *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	// Only the manifest-lookup SQL (ManifestGet renders "SELECT
	// ingestion FROM ...") is meaningful to the missUntil sequencing; the
	// ready-check's "SELECT 1" always succeeds immediately.
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

// fakeRunner drives Run/Transact against a single shared fakeConn,
// standing in for txn.Runner without a real pool.
type fakeRunner struct {
	conn *fakeConn
}

func (r *fakeRunner) Run(ctx context.Context, fn func(context.Context, txn.Conn) error) error {
	return fn(ctx, r.conn)
}

func (r *fakeRunner) Transact(ctx context.Context, fn func(context.Context, txn.Conn) error) error {
	return fn(ctx, r.conn)
}

func testDiscovery() (model.ShreddingComplete, model.DataDiscovery) {
	base := folder.CoerceFolder("s3://bucket/run=2021-01-01-00-00-00/")
	msg := model.ShreddingComplete{Base: base, Compression: model.CompressionGZIP}
	return msg, model.DataDiscovery{Base: base, Compression: model.CompressionGZIP}
}

func baseDeps(runner txn.Runner) Dependencies {
	return Dependencies{
		Txr:        runner,
		Target:     target.New("atomic", "events", "manifest", false),
		Retry:      retry.New(retry.Config{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 3}, nil),
		Control:    control.New(),
		ReadyCheck: ReadyCheckConfig{Interval: time.Millisecond, Timeout: time.Second},
	}
}

// TestFreshLoadCommitsAndReadsBackIngestion is the happy path (spec.md
// §4.6): ManifestCheck misses, load runs, manifest is committed, and the
// post-commit read-back returns the ingestion timestamp.
func TestFreshLoadCommitsAndReadsBackIngestion(t *testing.T) {
	ingested := time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)
	conn := &fakeConn{missUntil: 1, hit: ingested}
	deps := baseDeps(&fakeRunner{conn: conn})

	msg, disc := testDiscovery()
	outcome, err := Run(context.Background(), deps, msg, disc, statement.Auth{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.AlreadyLoaded {
		t.Fatalf("expected a fresh load, got AlreadyLoaded")
	}
	if !outcome.Ingestion.Equal(ingested) {
		t.Fatalf("Ingestion = %v, want %v", outcome.Ingestion, ingested)
	}
	if got := deps.Control.Get(); got.Kind != model.StatusIdle {
		t.Fatalf("expected control surface back to Idle after Run returns, got %v", got.Kind)
	}
	if deps.Control.Counters().Loaded != 1 {
		t.Fatalf("expected loaded counter incremented exactly once")
	}
}

// TestAlreadyLoadedCancelsWithoutLoading is spec.md §8 scenario S4: a
// redelivered message must short-circuit at ManifestCheck without
// touching the load statements or incrementing the loaded counter.
func TestAlreadyLoadedCancelsWithoutLoading(t *testing.T) {
	conn := &fakeConn{missUntil: 0, hit: time.Now()}
	deps := baseDeps(&fakeRunner{conn: conn})

	msg, disc := testDiscovery()
	outcome, err := Run(context.Background(), deps, msg, disc, statement.Auth{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.AlreadyLoaded {
		t.Fatalf("expected AlreadyLoaded outcome")
	}
	if deps.Control.Counters().Loaded != 0 {
		t.Fatalf("expected loaded counter untouched on an already-loaded cancel")
	}
	if conn.execCalls != 0 {
		t.Fatalf("expected no Exec calls once ManifestCheck finds an existing entry, got %d", conn.execCalls)
	}
}

// TestTransientExecErrorRetriesThenSucceeds asserts a Transient failure
// during the load (a connection-level error, not a *pgconn.PgError, so it
// falls to classifyDBError's Transient default) causes the retry
// controller to re-enter ManifestCheck-through-commit rather than
// aborting, succeeding on the second attempt.
func TestTransientExecErrorRetriesThenSucceeds(t *testing.T) {
	ingested := time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)
	conn := &fakeConn{
		missUntil: 2, // attempt 1 and attempt 2 both see ManifestCheck miss
		hit:       ingested,
		execErrs:  []error{errors.New("connection reset")}, // attempt 1's load Exec fails
	}
	deps := baseDeps(&fakeRunner{conn: conn})

	msg, disc := testDiscovery()
	outcome, err := Run(context.Background(), deps, msg, disc, statement.Auth{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.AlreadyLoaded {
		t.Fatalf("expected a fresh load on the successful retry")
	}
	if !outcome.Ingestion.Equal(ingested) {
		t.Fatalf("Ingestion = %v, want %v", outcome.Ingestion, ingested)
	}
	// Attempt 1: one failed load Exec. Attempt 2: one successful load
	// Exec plus one manifest.Add Exec. Three calls total.
	if conn.execCalls != 3 {
		t.Fatalf("expected exactly 3 Exec calls across both attempts, got %d", conn.execCalls)
	}
	if deps.Control.Counters().Attempt != 2 {
		t.Fatalf("expected the attempt counter to reach 2, got %d", deps.Control.Counters().Attempt)
	}
}
