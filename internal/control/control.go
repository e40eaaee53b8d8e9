// Package control implements C9: the LoadStatus surface. The dispatch
// loop's active load calls MakeBusy/SetStage/Increment*/MakeIdle; the
// no-op scheduler's cron jobs call MakePaused and ResumeIfPausedBy; every
// other component — the folder monitor, the monitoring façade, a future
// status endpoint — only reads through Get and observes transitions
// through Signal (spec.md §4.9).
package control

import (
	"sync"

	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
)

// Surface holds the process-wide Status plus the counters spec.md §4.9
// groups alongside it: messages received, batches loaded, and the
// current retry attempt of whatever batch is in flight.
type Surface struct {
	mu          sync.Mutex
	status      model.Status
	messages    int
	loaded      int
	attempt     int
	subscribers []chan struct{}
}

// New starts the surface Idle, per spec.md §4.9's initial state.
func New() *Surface {
	return &Surface{status: model.Idle()}
}

// Get returns the current status. Safe for concurrent use.
func (s *Surface) Get() model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsBusy is a convenience wrapper around Get().IsBusy(), used by the
// dispatch loop's backpressure check before popping the next message
// (spec.md §4.7, property 2: single in-flight load).
func (s *Surface) IsBusy() bool {
	return s.Get().IsBusy()
}

// MakeBusy transitions to Loading for base, at the given initial stage,
// resetting the retry-attempt counter for the new batch.
func (s *Surface) MakeBusy(base folder.StorageFolder, stage model.Stage) {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
	s.set(model.Loading(base, stage))
}

// SetStage updates only the Stage field of a Loading status, leaving the
// folder untouched. Calling it while Idle or Paused is a no-op — only
// the active load goroutine should ever call it, and it only does so
// between MakeBusy and MakeIdle.
func (s *Surface) SetStage(stage model.Stage) {
	s.mu.Lock()
	if s.status.Kind == model.StatusLoading {
		s.status.Stage = stage
	}
	s.mu.Unlock()
	s.notify()
}

// MakeIdle transitions back to Idle after a batch completes or aborts.
func (s *Surface) MakeIdle() {
	s.set(model.Idle())
}

// MakePaused transitions to Paused, naming owner as the reason the
// dispatch loop stopped pulling new messages. The no-op scheduler calls
// it when a configured no-op window opens.
func (s *Surface) MakePaused(owner string) {
	s.set(model.Paused(owner))
}

// ResumeIfPausedBy transitions back to Idle only if the surface is
// currently Paused with the given owner, reporting whether it did. A
// scheduled no-op window's "resume" edge must never clobber a load that
// started (or an operator pause that started) after the window opened,
// so this is a no-op rather than an unconditional MakeIdle.
func (s *Surface) ResumeIfPausedBy(owner string) bool {
	s.mu.Lock()
	if s.status.Kind != model.StatusPaused || s.status.Owner != owner {
		s.mu.Unlock()
		return false
	}
	s.status = model.Idle()
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Surface) set(status model.Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.notify()
}

// IncrementMessages counts one more queue message received.
func (s *Surface) IncrementMessages() {
	s.mu.Lock()
	s.messages++
	s.mu.Unlock()
}

// IncrementLoaded counts one more batch successfully committed.
func (s *Surface) IncrementLoaded() {
	s.mu.Lock()
	s.loaded++
	s.mu.Unlock()
}

// IncrementAttempt records the retry controller starting a new attempt
// on the in-flight batch; reset to zero by MakeBusy.
func (s *Surface) IncrementAttempt() {
	s.mu.Lock()
	s.attempt++
	s.mu.Unlock()
}

// Counters is a point-in-time snapshot of the process counters, used by
// the monitoring façade's periodic Metrics report (spec.md §6).
type Counters struct {
	Messages int
	Loaded   int
	Attempt  int
}

func (s *Surface) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counters{Messages: s.messages, Loaded: s.loaded, Attempt: s.attempt}
}

// Signal returns a channel that receives a value every time the status
// changes. Callers must keep reading it; a full channel's send is
// dropped rather than blocking the writer (spec.md §4.9: observers must
// never slow down the load state machine).
func (s *Surface) Signal() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Surface) notify() {
	s.mu.Lock()
	subs := s.subscribers
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
