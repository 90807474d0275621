package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// blockingRunner counts runs and holds each one until released.
type blockingRunner struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]int
	total   atomic.Int32
	release chan struct{}
	started chan uuid.UUID
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		runs:    make(map[uuid.UUID]int),
		release: make(chan struct{}),
		started: make(chan uuid.UUID, 64),
	}
}

func (r *blockingRunner) Sync(ctx context.Context, mapping *domain.Mapping) (*domain.SyncLog, error) {
	r.mu.Lock()
	r.runs[mapping.ID()]++
	r.mu.Unlock()
	r.total.Add(1)
	r.started <- mapping.ID()

	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return domain.NewSyncLog(mapping.ID(), mapping.Direction(), time.Now().UTC()), nil
}

func (r *blockingRunner) runsFor(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func schedulerMapping(t *testing.T) *domain.Mapping {
	t.Helper()
	mapping, err := domain.NewMapping(
		uuid.New(), "/calendars/work/", "Work",
		"google-cal", "Work", domain.DirectionBidirectional, 30, 5, "",
	)
	require.NoError(t, err)
	return mapping
}

func testSchedulerConfig() SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.FirstFireDelay = time.Hour // keep periodic fires out of manual tests
	cfg.DrainTimeout = 100 * time.Millisecond
	return cfg
}

func startScheduler(t *testing.T, runner SyncRunner, mappings ...*domain.Mapping) (*Scheduler, *memMappings) {
	t.Helper()
	store := &memMappings{byID: make(map[uuid.UUID]*domain.Mapping)}
	for _, m := range mappings {
		store.byID[m.ID()] = m
	}
	s := NewScheduler(runner, store, testSchedulerConfig(), nil)
	require.NoError(t, s.Start(context.Background()))
	return s, store
}

func TestManualTriggerAllowsExactlyOneRun(t *testing.T) {
	runner := newBlockingRunner()
	mapping := schedulerMapping(t)
	s, _ := startScheduler(t, runner, mapping)

	// Many concurrent manual triggers race for the same mapping: exactly
	// one may win.
	const attempts = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TriggerManual(mapping.ID()) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	<-runner.started
	assert.Equal(t, 1, runner.runsFor(mapping.ID()))

	// While the run is in flight every further trigger is rejected.
	assert.False(t, s.TriggerManual(mapping.ID()))

	close(runner.release)
	s.Stop()
}

func TestManualTriggerUnknownMapping(t *testing.T) {
	runner := newBlockingRunner()
	s, _ := startScheduler(t, runner)
	defer func() {
		close(runner.release)
		s.Stop()
	}()

	assert.False(t, s.TriggerManual(uuid.New()))
}

func TestTriggerManualAllSkipsActiveRuns(t *testing.T) {
	runner := newBlockingRunner()
	m1 := schedulerMapping(t)
	m2 := schedulerMapping(t)
	s, _ := startScheduler(t, runner, m1, m2)

	require.True(t, s.TriggerManual(m1.ID()))
	<-runner.started

	// m1 is busy: the sweep only starts m2.
	assert.Equal(t, 1, s.TriggerManualAll())
	<-runner.started
	assert.Equal(t, 1, runner.runsFor(m1.ID()))
	assert.Equal(t, 1, runner.runsFor(m2.ID()))

	close(runner.release)
	s.Stop()
}

func TestTickCoalescingDropsOverlappingFires(t *testing.T) {
	runner := newBlockingRunner()
	mapping := schedulerMapping(t)

	store := &memMappings{byID: map[uuid.UUID]*domain.Mapping{mapping.ID(): mapping}}
	cfg := testSchedulerConfig()
	cfg.FirstFireDelay = 0 // fire on the first tick
	s := NewScheduler(runner, store, cfg, nil)
	require.NoError(t, s.Start(context.Background()))

	// The first tick launches the run; the job is pushed one interval out
	// and further ticks while the run is active never start a second one.
	<-runner.started
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, runner.runsFor(mapping.ID()))

	status, ok := s.JobStatus(mapping.ID())
	require.True(t, ok)
	assert.True(t, status.Active)
	assert.True(t, status.NextRun.After(time.Now().UTC()))

	close(runner.release)
	s.Stop()
}

func TestConcurrencyCapHoldsJobsWithoutAdvancing(t *testing.T) {
	runner := newBlockingRunner()
	m1 := schedulerMapping(t)
	m2 := schedulerMapping(t)

	store := &memMappings{byID: map[uuid.UUID]*domain.Mapping{
		m1.ID(): m1,
		m2.ID(): m2,
	}}
	cfg := testSchedulerConfig()
	cfg.MaxConcurrent = 1
	cfg.FirstFireDelay = 0
	s := NewScheduler(runner, store, cfg, nil)
	require.NoError(t, s.Start(context.Background()))

	// Only one of the two due jobs may start under a cap of one.
	<-runner.started
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), runner.total.Load())

	// Freeing the slot lets the held job fire without waiting a full
	// interval, because its nextRun was not advanced.
	close(runner.release)
	<-runner.started

	s.Stop()
	assert.Equal(t, int32(2), runner.total.Load())
}

func TestPausedJobsSkipTicks(t *testing.T) {
	runner := newBlockingRunner()
	mapping := schedulerMapping(t)

	store := &memMappings{byID: map[uuid.UUID]*domain.Mapping{mapping.ID(): mapping}}
	cfg := testSchedulerConfig()
	cfg.FirstFireDelay = 0
	s := NewScheduler(runner, store, cfg, nil)

	require.NoError(t, s.Start(context.Background()))
	s.Pause(mapping.ID())

	// Drain the run that may have started before the pause landed.
	select {
	case <-runner.started:
	case <-time.After(50 * time.Millisecond):
	}
	before := runner.total.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, runner.total.Load())

	close(runner.release)
	s.Stop()
}

func TestMisfireWithinGraceRunsImmediately(t *testing.T) {
	runner := newBlockingRunner()
	store := &memMappings{byID: make(map[uuid.UUID]*domain.Mapping)}
	s := NewScheduler(runner, store, testSchedulerConfig(), nil)

	// Missed by two minutes with a five minute grace: due now.
	mapping := schedulerMapping(t)
	mapping.RecordSyncResult(domain.SyncStatusSuccess, time.Now().UTC().Add(-7*time.Minute))
	s.Schedule(mapping)

	status, ok := s.JobStatus(mapping.ID())
	require.True(t, ok)
	assert.False(t, status.NextRun.After(time.Now().UTC()))

	// Missed by more than the grace window: regular delayed first fire.
	stale := schedulerMapping(t)
	stale.RecordSyncResult(domain.SyncStatusSuccess, time.Now().UTC().Add(-24*time.Hour))
	s.Schedule(stale)

	status, ok = s.JobStatus(stale.ID())
	require.True(t, ok)
	assert.True(t, status.NextRun.After(time.Now().UTC().Add(30*time.Minute)))
}

func TestCleanupOrphansDropsDisabledJobs(t *testing.T) {
	runner := newBlockingRunner()
	keep := schedulerMapping(t)
	drop := schedulerMapping(t)
	s, store := startScheduler(t, runner, keep, drop)
	defer func() {
		close(runner.release)
		s.Stop()
	}()

	drop.Disable()
	require.NoError(t, store.Save(context.Background(), drop))

	assert.Equal(t, 1, s.CleanupOrphans(context.Background()))
	assert.Equal(t, 1, s.Stats().Jobs)
	_, ok := s.JobStatus(drop.ID())
	assert.False(t, ok)
}

func TestTriggerBeforeStartIsRejected(t *testing.T) {
	runner := newBlockingRunner()
	store := &memMappings{byID: make(map[uuid.UUID]*domain.Mapping)}
	s := NewScheduler(runner, store, testSchedulerConfig(), nil)

	mapping := schedulerMapping(t)
	s.Schedule(mapping)
	assert.False(t, s.TriggerManual(mapping.ID()))
	assert.Zero(t, s.TriggerManualAll())
}
