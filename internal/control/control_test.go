package control

import (
	"sync"
	"testing"
	"time"

	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
)

func TestInitialStateIsIdle(t *testing.T) {
	s := New()
	if s.Get().Kind != model.StatusIdle {
		t.Fatalf("expected initial status Idle, got %v", s.Get().Kind)
	}
	if s.IsBusy() {
		t.Fatalf("expected IsBusy false when Idle")
	}
}

func TestMakeBusyThenIdleRoundTrip(t *testing.T) {
	s := New()
	base := folder.CoerceFolder("s3://bucket/run=1/")
	s.MakeBusy(base, model.SimpleStage(model.StageManifestCheck))
	if !s.IsBusy() {
		t.Fatalf("expected IsBusy true while Loading")
	}
	if s.Get().Folder != base {
		t.Fatalf("expected folder %v, got %v", base, s.Get().Folder)
	}

	s.SetStage(model.LoadingTable("atomic.events"))
	if s.Get().Stage.Kind != model.StageLoading {
		t.Fatalf("expected stage Loading, got %v", s.Get().Stage.Kind)
	}

	s.MakeIdle()
	if s.IsBusy() {
		t.Fatalf("expected IsBusy false after MakeIdle")
	}
}

func TestPausedIsBusy(t *testing.T) {
	s := New()
	s.MakePaused("operator")
	if !s.IsBusy() {
		t.Fatalf("expected Paused to count as busy (spec.md §4.7)")
	}
}

func TestCountersIncrement(t *testing.T) {
	s := New()
	s.IncrementMessages()
	s.IncrementMessages()
	s.IncrementLoaded()
	s.IncrementAttempt()
	c := s.Counters()
	if c.Messages != 2 || c.Loaded != 1 || c.Attempt != 1 {
		t.Fatalf("unexpected counters %+v", c)
	}
}

// TestSignalNeverBlocksWriter validates spec.md §4.9's "observers must
// never slow down the load state machine": a subscriber that never
// drains its channel must not block subsequent status transitions.
func TestSignalNeverBlocksWriter(t *testing.T) {
	s := New()
	_ = s.Signal() // an abandoned subscriber, intentionally never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.MakeBusy(folder.CoerceFolder("s3://bucket/run=1/"), model.SimpleStage(model.StageManifestCheck))
			s.MakeIdle()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("writer blocked by an undrained subscriber channel")
	}
}

// TestConcurrentReadsAndWrites exercises the mutex under race-detector
// pressure: many concurrent Get/Counters readers against one writer.
func TestConcurrentReadsAndWrites(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = s.Get()
				_ = s.Counters()
				_ = s.IsBusy()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			s.IncrementMessages()
			s.MakeBusy(folder.CoerceFolder("s3://bucket/run=1/"), model.SimpleStage(model.StageManifestCheck))
			s.MakeIdle()
		}
	}()
	wg.Wait()
}
