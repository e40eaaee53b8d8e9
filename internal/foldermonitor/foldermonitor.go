// Package foldermonitor implements C8: the cron-scheduled orphan
// detector. On each tick it stages a listing of everything the upstream
// shredder has written recently, diffs it against the manifest, and
// alerts on any folder old enough that it should have been loaded by
// now but wasn't (spec.md §4.8).
package foldermonitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drphrozen/snowplow-rdb-loader/internal/control"
	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
	"github.com/drphrozen/snowplow-rdb-loader/internal/loaderr"
	"github.com/drphrozen/snowplow-rdb-loader/internal/log"
	"github.com/drphrozen/snowplow-rdb-loader/internal/monitoring"
	"github.com/drphrozen/snowplow-rdb-loader/internal/objectstore"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
	"github.com/drphrozen/snowplow-rdb-loader/internal/txn"
)

// runTimestampLayout matches the "run=2021-01-01-00-00-00" segment the
// shredder names every output folder with.
const runTimestampLayout = "2006-01-02-15-04-05"

// Config bounds one monitor's lookback window and alert threshold. Since,
// when set, fixes the listing cutoff to that absolute instant instead of
// a relative window measured back from each tick (spec.md §9).
type Config struct {
	ShredderOutput folder.StorageFolder
	Lookback       time.Duration // how far back to list folders each tick
	SinceAlert     time.Duration // how old an unloaded folder must be before alerting
	Since          *time.Time    // absolute cutoff; overrides Lookback when set
}

// Monitor runs the folder-monitor tick against one warehouse/target pair.
type Monitor struct {
	cfg     Config
	txr     txn.Runner
	target  statement.Target
	store   objectstore.Client
	control *control.Surface
	monitor monitoring.Facade
	log     *log.Logger
}

func New(cfg Config, txr txn.Runner, tgt statement.Target, store objectstore.Client, surface *control.Surface, mon monitoring.Facade, logger *log.Logger) *Monitor {
	return &Monitor{cfg: cfg, txr: txr, target: tgt, store: store, control: surface, monitor: mon, log: logger}
}

// Tick runs one pass. If the dispatch loop is mid-load, the tick is
// skipped outright rather than queued — the next scheduled tick will
// pick up wherever this one left off (spec.md §4.8: "runs only while
// isBusy == false").
func (m *Monitor) Tick(ctx context.Context) error {
	if m.control.IsBusy() {
		if m.log != nil {
			m.log.Infof("folder monitor: skipping tick, a load is in flight")
		}
		return nil
	}

	candidates, err := m.listRecent(ctx)
	if err != nil {
		return loaderr.Wrap(loaderr.Discovery, "list shredder output", err)
	}

	return m.txr.Run(ctx, func(ctx context.Context, conn txn.Conn) error {
		if err := m.exec(ctx, conn, statement.Statement{Kind: statement.CreateAlertingTempTable}); err != nil {
			return fmt.Errorf("foldermonitor: create temp table: %w", err)
		}
		defer func() {
			_ = m.exec(ctx, conn, statement.Statement{Kind: statement.DropAlertingTempTable})
		}()

		for _, c := range candidates {
			stmt := statement.Statement{Kind: statement.FoldersCopy, Path: c.String()}
			if err := m.exec(ctx, conn, stmt); err != nil {
				return fmt.Errorf("foldermonitor: stage %s: %w", c, err)
			}
		}

		orphans, err := m.foldersMinusManifest(ctx, conn)
		if err != nil {
			return fmt.Errorf("foldermonitor: diff against manifest: %w", err)
		}

		for _, base := range orphans {
			ts, ok := runTimestamp(base)
			if ok && time.Since(ts) < m.cfg.SinceAlert {
				continue // too recent to be alarming; the load may just not have run yet
			}
			m.monitor.Alert(monitoring.AlertPayload{
				Base:    base,
				Message: "folder present in storage but missing from the manifest",
			})
		}
		return nil
	})
}

func (m *Monitor) listRecent(ctx context.Context) ([]folder.StorageFolder, error) {
	all, err := m.store.ListFolders(ctx, m.cfg.ShredderOutput)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-m.cfg.Lookback)
	if m.cfg.Since != nil {
		cutoff = *m.cfg.Since
	}
	var recent []folder.StorageFolder
	for _, f := range all {
		ts, ok := runTimestamp(f)
		if !ok || ts.After(cutoff) {
			recent = append(recent, f)
		}
	}
	return recent, nil
}

func (m *Monitor) exec(ctx context.Context, conn txn.Conn, stmt statement.Statement) error {
	sql, err := m.target.ToFragment(stmt)
	if err != nil {
		return err
	}
	if sql == "" {
		return nil // Databricks-style dialects render some of these as no-ops
	}
	_, err = conn.Exec(ctx, sql)
	return err
}

func (m *Monitor) foldersMinusManifest(ctx context.Context, conn txn.Conn) ([]folder.StorageFolder, error) {
	sql, err := m.target.ToFragment(statement.Statement{Kind: statement.FoldersMinusManifest})
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orphans []folder.StorageFolder
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		f, err := folder.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed orphan folder %q: %w", raw, err)
		}
		orphans = append(orphans, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orphans, nil
}

// runTimestamp extracts the run=... timestamp from f's last path segment.
func runTimestamp(f folder.StorageFolder) (time.Time, bool) {
	s := strings.TrimSuffix(f.String(), "/")
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return time.Time{}, false
	}
	segment := s[idx+1:]
	raw := strings.TrimPrefix(segment, "run=")
	if raw == segment {
		return time.Time{}, false
	}
	ts, err := time.Parse(runTimestampLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
