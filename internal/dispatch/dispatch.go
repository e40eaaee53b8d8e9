// Package dispatch implements C7: the three concurrent streams that
// turn queued ShreddingComplete notifications into committed loads. The
// main discovery loop pops one message at a time, gated by the control
// surface's single-flight rule; the folder monitor runs its own cron
// schedule; a no-op scheduler pauses and resumes the main loop across a
// recurring maintenance window (spec.md §4.7).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/drphrozen/snowplow-rdb-loader/internal/control"
	"github.com/drphrozen/snowplow-rdb-loader/internal/discovery"
	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
	"github.com/drphrozen/snowplow-rdb-loader/internal/foldermonitor"
	"github.com/drphrozen/snowplow-rdb-loader/internal/loaderr"
	"github.com/drphrozen/snowplow-rdb-loader/internal/loadstate"
	"github.com/drphrozen/snowplow-rdb-loader/internal/log"
	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
	"github.com/drphrozen/snowplow-rdb-loader/internal/monitoring"
	"github.com/drphrozen/snowplow-rdb-loader/internal/queue"
	"github.com/drphrozen/snowplow-rdb-loader/internal/registry"
	"github.com/drphrozen/snowplow-rdb-loader/internal/retryqueue"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
)

// NoOpSchedule pauses the discovery loop across a recurring window —
// StartCron enters Paused under Owner, StopCron returns to Idle, but
// only if nothing else has changed the status in the meantime.
type NoOpSchedule struct {
	StartCron string
	StopCron  string
	Owner     string
}

// Config bounds everything the three streams need beyond their
// collaborators.
type Config struct {
	// Auth is the pre-resolved credential clause embedded in every COPY
	// statement; credential resolution itself is out of scope (spec.md
	// §1).
	Auth statement.Auth

	// InitialEventColumns seeds the wide-row column set Databricks's
	// EventsCopy is parameterized by (loadstate.Run's doc comment: the
	// warehouse can't be asked for its own columns back, so the caller
	// tracks them). Ignored by every other target.
	InitialEventColumns []string

	// FolderMonitorCron schedules C8's tick. Empty disables the stream.
	FolderMonitorCron string

	// NoOp, if set, schedules the maintenance-window pause/resume stream.
	NoOp *NoOpSchedule

	// VisibilityExtend is how often the in-flight message's queue
	// visibility is renewed while a load runs; zero disables renewal.
	VisibilityExtend time.Duration

	// BusyPollInterval is how long the discovery loop sleeps between
	// isBusy checks while something else is loading or the no-op window
	// is open. Defaults to 2s.
	BusyPollInterval time.Duration
}

// Dispatch coordinates the three streams against one shared set of
// collaborators. It is built once at startup and its Run method blocks
// for the life of the process.
type Dispatch struct {
	cfg Config

	queue      queue.Queue
	registry   registry.Client
	state      loadstate.Dependencies
	folder     *foldermonitor.Monitor
	control    *control.Surface
	monitor    monitoring.Facade
	log        *log.Logger
	retryQueue *retryqueue.Queue

	eventColumns []string
}

// New wires the three streams together. rq is optional — nil disables
// the retry-queue redelivery path entirely, so a load that exhausts the
// retry controller's attempts on a Transient error falls back to
// terminating the stream, the same as before this path existed.
func New(cfg Config, q queue.Queue, reg registry.Client, state loadstate.Dependencies, fm *foldermonitor.Monitor, surface *control.Surface, mon monitoring.Facade, logger *log.Logger, rq *retryqueue.Queue) *Dispatch {
	if cfg.BusyPollInterval <= 0 {
		cfg.BusyPollInterval = 2 * time.Second
	}
	cols := make([]string, len(cfg.InitialEventColumns))
	copy(cols, cfg.InitialEventColumns)
	return &Dispatch{
		cfg:          cfg,
		queue:        q,
		registry:     reg,
		state:        state,
		folder:       fm,
		control:      surface,
		monitor:      mon,
		log:          logger,
		retryQueue:   rq,
		eventColumns: cols,
	}
}

// Run blocks until ctx is cancelled or one stream fails with an error
// that isn't a graceful shutdown. A FatalDB load error terminates the
// discovery stream the same way — spec.md §4.7 leaves restart to the
// process supervisor, not to Dispatch itself.
func (d *Dispatch) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.runDiscoveryLoop(gctx) })
	g.Go(func() error { return d.runFolderMonitor(gctx) })
	if d.cfg.NoOp != nil {
		g.Go(func() error { return d.runNoOpScheduler(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, loaderr.Shutdown) {
		return nil
	}
	return err
}

func (d *Dispatch) runDiscoveryLoop(ctx context.Context) error {
	for {
		if d.control.IsBusy() {
			if err := sleepOrDone(ctx, d.cfg.BusyPollInterval); err != nil {
				return err
			}
			continue
		}

		msg, err := d.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return loaderr.Shutdown
			}
			return fmt.Errorf("dispatch: receive: %w", err)
		}
		d.control.IncrementMessages()

		if err := d.handle(ctx, msg); err != nil {
			return err
		}
	}
}

// handle runs one message end to end: discovery resolution, the load
// state machine, then the outcome-specific monitoring/ack per spec.md
// §4.7's three branches (success, "Already loaded", exceptional
// failure).
func (d *Dispatch) handle(ctx context.Context, msg queue.Message) error {
	stopExtend := d.extendVisibility(ctx, msg)
	defer stopExtend()

	loadID := uuid.New()
	started := time.Now()

	disc, err := discovery.Resolve(ctx, d.registry, msg.Body)
	if err != nil {
		return d.fail(ctx, msg, msg.Body, msg.Body.Base, loadID, err)
	}

	outcome, err := loadstate.Run(ctx, d.state, msg.Body, disc, d.cfg.Auth, d.eventColumns)
	if err != nil {
		return d.fail(ctx, msg, msg.Body, disc.Base, loadID, err)
	}

	if outcome.AlreadyLoaded {
		d.monitor.Alert(monitoring.AlertPayload{LoadID: loadID, Base: disc.Base, Message: "already loaded"})
		d.ack(ctx, msg, "already-loaded cancel")
		return nil
	}

	d.eventColumns = mergeEventColumns(d.eventColumns, disc.ShreddedTypes)
	d.monitor.Success(monitoring.SuccessPayload{
		LoadID:   loadID,
		Base:     disc.Base,
		Attempt:  d.control.Counters().Attempt,
		Duration: time.Since(started),
	})
	monitoring.ReportCounters(d.monitor, d.control)
	d.ack(ctx, msg, "successful load")
	return nil
}

// fail classifies a discovery/load error and decides whether the
// stream keeps going. Discovery and Migration errors are alerted on and
// skipped — retrying the same malformed message would just fail again
// the same way. A Transient error that exhausted the retry controller's
// attempts is handed to the retry queue for a longer-horizon redelivery
// rather than killing the process outright, when one is configured.
// Everything else (Fatal, or a Kind with nowhere left to go) is alerted
// on, acked, and then propagated so the stream terminates.
func (d *Dispatch) fail(ctx context.Context, msg queue.Message, body model.ShreddingComplete, base folder.StorageFolder, loadID uuid.UUID, err error) error {
	if errors.Is(err, loaderr.Shutdown) {
		return err
	}

	d.monitor.Alert(monitoring.AlertPayload{LoadID: loadID, Base: base, Message: err.Error()})
	d.ack(ctx, msg, "failed load")

	var le *loaderr.Error
	if errors.As(err, &le) {
		switch le.Kind {
		case loaderr.Discovery, loaderr.Migration:
			if d.log != nil {
				d.log.WithBase(base.String()).Warnf("load skipped: %v", err)
			}
			return nil
		case loaderr.Transient:
			if d.retryQueue != nil {
				if rqErr := d.retryQueue.Enqueue(ctx, body, 0, time.Now()); rqErr == nil {
					if d.log != nil {
						d.log.WithBase(base.String()).Warnf("load exhausted retries, handed to retry queue: %v", err)
					}
					return nil
				} else if d.log != nil {
					d.log.WithBase(base.String()).Warnf("retry queue rejected %v, terminating stream: %v", err, rqErr)
				}
			}
		}
	}

	if d.log != nil {
		d.log.WithBase(base.String()).Errorf("load failed, terminating stream: %v", err)
	}
	return err
}

// RetryDiscovery re-runs discovery and the load state machine for a
// message popped back off the retry queue. It is the retryqueue.RetryFunc
// wired into the asynq handler built by retryqueue.Queue.Handler.
func (d *Dispatch) RetryDiscovery(ctx context.Context, body model.ShreddingComplete, attempt int) error {
	loadID := uuid.New()
	disc, err := discovery.Resolve(ctx, d.registry, body)
	if err != nil {
		d.monitor.Alert(monitoring.AlertPayload{LoadID: loadID, Base: body.Base, Message: err.Error()})
		return nil // Discovery errors are never worth redelivering again.
	}

	outcome, err := loadstate.Run(ctx, d.state, body, disc, d.cfg.Auth, d.eventColumns)
	if err != nil {
		return err
	}
	if outcome.AlreadyLoaded {
		d.monitor.Alert(monitoring.AlertPayload{LoadID: loadID, Base: disc.Base, Message: "already loaded"})
		return nil
	}
	d.eventColumns = mergeEventColumns(d.eventColumns, disc.ShreddedTypes)
	d.monitor.Success(monitoring.SuccessPayload{LoadID: loadID, Base: disc.Base, Attempt: attempt})
	return nil
}

func (d *Dispatch) ack(ctx context.Context, msg queue.Message, reason string) {
	if msg.Ack == nil {
		return
	}
	if err := msg.Ack(ctx); err != nil && d.log != nil {
		d.log.Errorf("ack after %s: %v", reason, err)
	}
}

// extendVisibility renews msg's queue visibility on a timer for as long
// as the load runs, standing in for the "StateMonitoring" companion task
// spec.md §4.7 describes. The returned func stops the timer.
func (d *Dispatch) extendVisibility(ctx context.Context, msg queue.Message) func() {
	if d.cfg.VisibilityExtend <= 0 || msg.Extend == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.cfg.VisibilityExtend)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.Extend(ctx, 2*d.cfg.VisibilityExtend); err != nil && d.log != nil {
					d.log.Warnf("extend message visibility: %v", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (d *Dispatch) runFolderMonitor(ctx context.Context) error {
	if d.folder == nil || d.cfg.FolderMonitorCron == "" {
		<-ctx.Done()
		return loaderr.Shutdown
	}

	c := cron.New()
	_, err := c.AddFunc(d.cfg.FolderMonitorCron, func() {
		if err := d.folder.Tick(ctx); err != nil && d.log != nil {
			d.log.Errorf("folder monitor tick: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("dispatch: bad folder monitor schedule %q: %w", d.cfg.FolderMonitorCron, err)
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return loaderr.Shutdown
}

func (d *Dispatch) runNoOpScheduler(ctx context.Context) error {
	sched := d.cfg.NoOp

	c := cron.New()
	if _, err := c.AddFunc(sched.StartCron, func() { d.control.MakePaused(sched.Owner) }); err != nil {
		return fmt.Errorf("dispatch: bad no-op start schedule %q: %w", sched.StartCron, err)
	}
	if _, err := c.AddFunc(sched.StopCron, func() { d.control.ResumeIfPausedBy(sched.Owner) }); err != nil {
		return fmt.Errorf("dispatch: bad no-op stop schedule %q: %w", sched.StopCron, err)
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return loaderr.Shutdown
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return loaderr.Shutdown
	case <-timer.C:
		return nil
	}
}

// mergeEventColumns folds any newly-encountered shredded type into the
// running wide-row column set, following Snowplow's established
// wide-row naming convention (one column per entity occurrence, named
// by kind and schema identity).
func mergeEventColumns(existing []string, types []model.ShreddedType) []string {
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c] = true
	}
	for _, st := range types {
		name := eventColumnName(st.Info)
		if !seen[name] {
			seen[name] = true
			existing = append(existing, name)
		}
	}
	return existing
}

func eventColumnName(info model.ShreddedTypeInfo) string {
	prefix := "contexts"
	if info.SnowplowEntity == model.EntitySelfDescribing {
		prefix = "unstruct_event"
	}
	return fmt.Sprintf("%s_%s_%s_%d", prefix, info.Vendor, info.Name, info.Model)
}
