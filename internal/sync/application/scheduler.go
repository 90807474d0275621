package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// SyncRunner executes one sync run for one mapping. Implemented by Engine.
type SyncRunner interface {
	Sync(ctx context.Context, mapping *domain.Mapping) (*domain.SyncLog, error)
}

// SchedulerConfig tunes the periodic job runner.
type SchedulerConfig struct {
	MaxConcurrent  int
	FirstFireDelay time.Duration
	MisfireGrace   time.Duration
	TickInterval   time.Duration
	DrainTimeout   time.Duration
}

// DefaultSchedulerConfig runs at most five mappings in parallel, fires new
// jobs after 30 seconds and honors a five minute misfire grace window.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrent:  5,
		FirstFireDelay: 30 * time.Second,
		MisfireGrace:   5 * time.Minute,
		TickInterval:   time.Second,
		DrainTimeout:   30 * time.Second,
	}
}

type job struct {
	mapping  *domain.Mapping
	interval time.Duration
	paused   bool
	nextRun  time.Time
	lastRun  time.Time
}

// JobStatus is an observability snapshot of one scheduled job.
type JobStatus struct {
	MappingID uuid.UUID
	Paused    bool
	Active    bool
	Interval  time.Duration
	NextRun   time.Time
	LastRun   time.Time
}

// SchedulerStats summarizes the scheduler for observability.
type SchedulerStats struct {
	Jobs       int
	Paused     int
	ActiveRuns int
}

// Scheduler owns the set of periodic sync jobs and the overlap-prevention
// invariant: at most one run per mapping id at any instant, across periodic
// and manual triggers. Ticks that arrive while a run is in flight are
// dropped, never queued.
type Scheduler struct {
	runner   SyncRunner
	mappings domain.MappingRepository
	config   SchedulerConfig
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	jobs       map[uuid.UUID]*job
	activeRuns map[uuid.UUID]struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	stopChan  chan struct{}
	loopWG    sync.WaitGroup
	runWG     sync.WaitGroup
	started   bool
}

func NewScheduler(runner SyncRunner, mappings domain.MappingRepository, config SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrent <= 0 {
		config = DefaultSchedulerConfig()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	return &Scheduler{
		runner:     runner,
		mappings:   mappings,
		config:     config,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		jobs:       make(map[uuid.UUID]*job),
		activeRuns: make(map[uuid.UUID]struct{}),
	}
}

// Start loads all enabled mappings, schedules them and launches the tick
// loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	mappings, err := s.mappings.FindEnabled(ctx)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		s.Schedule(m)
	}

	s.loopWG.Add(1)
	go s.loop()

	s.logger.Info("scheduler started", "jobs", len(mappings), "max_concurrent", s.config.MaxConcurrent)
	return nil
}

// Stop drains the scheduler: no new triggers, wait up to the drain timeout
// for in-flight runs, then cancel them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopChan)
	s.mu.Unlock()

	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.DrainTimeout):
		s.logger.Warn("drain timeout reached, cancelling in-flight runs")
		s.runCancel()
		<-done
	}
	s.runCancel()
	s.logger.Info("scheduler stopped")
}

// Schedule registers or replaces the periodic job for a mapping. The first
// fire is delayed, except when the job misfired while the process was down
// and the miss is within the grace window.
func (s *Scheduler) Schedule(mapping *domain.Mapping) {
	now := s.now()
	j := &job{
		mapping:  mapping,
		interval: mapping.SyncInterval(),
		nextRun:  now.Add(s.config.FirstFireDelay),
	}

	if last := mapping.LastSyncAt(); last != nil {
		due := last.Add(j.interval)
		if due.Before(now) && now.Sub(due) <= s.config.MisfireGrace {
			j.nextRun = now
			s.logger.Info("misfired job will run immediately", "mapping_id", mapping.ID(), "due", due)
		}
	}

	s.mu.Lock()
	s.jobs[mapping.ID()] = j
	s.mu.Unlock()

	s.logger.Info("job scheduled",
		"mapping_id", mapping.ID(), "interval", j.interval, "next_run", j.nextRun)
}

// Unschedule removes the job. No-op when absent.
func (s *Scheduler) Unschedule(mappingID uuid.UUID) {
	s.mu.Lock()
	_, existed := s.jobs[mappingID]
	delete(s.jobs, mappingID)
	s.mu.Unlock()
	if existed {
		s.logger.Info("job unscheduled", "mapping_id", mappingID)
	}
}

// Pause keeps the job registered but skips its ticks.
func (s *Scheduler) Pause(mappingID uuid.UUID) {
	s.setPaused(mappingID, true)
}

// Resume re-enables a paused job.
func (s *Scheduler) Resume(mappingID uuid.UUID) {
	s.setPaused(mappingID, false)
}

func (s *Scheduler) setPaused(mappingID uuid.UUID, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[mappingID]; ok {
		j.paused = paused
		if !paused {
			j.nextRun = s.now().Add(s.config.FirstFireDelay)
		}
	}
}

// TriggerManual runs a mapping once, now, off-cycle. It returns false iff a
// run is already active for that id. Manual triggers bypass the concurrency
// cap but never the per-mapping invariant.
func (s *Scheduler) TriggerManual(mappingID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return false
	}
	if _, active := s.activeRuns[mappingID]; active {
		s.logger.Warn("manual trigger rejected, run already active", "mapping_id", mappingID)
		return false
	}
	j, ok := s.jobs[mappingID]
	if !ok {
		return false
	}

	s.launchLocked(j)
	return true
}

// TriggerManualAll triggers every idle job and returns how many started.
func (s *Scheduler) TriggerManualAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return 0
	}
	triggered := 0
	for id, j := range s.jobs {
		if _, active := s.activeRuns[id]; active {
			continue
		}
		s.launchLocked(j)
		triggered++
	}
	return triggered
}

// CleanupOrphans removes jobs whose mapping no longer exists or is
// disabled. Returns the number removed.
func (s *Scheduler) CleanupOrphans(ctx context.Context) int {
	current, err := s.mappings.FindEnabled(ctx)
	if err != nil {
		s.logger.Error("load mappings for orphan cleanup", "error", err)
		return 0
	}
	alive := make(map[uuid.UUID]bool, len(current))
	for _, m := range current {
		alive[m.ID()] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id := range s.jobs {
		if !alive[id] {
			delete(s.jobs, id)
			removed++
			s.logger.Info("orphan job removed", "mapping_id", id)
		}
	}
	return removed
}

// Stats returns a snapshot of the scheduler state.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := SchedulerStats{
		Jobs:       len(s.jobs),
		ActiveRuns: len(s.activeRuns),
	}
	for _, j := range s.jobs {
		if j.paused {
			stats.Paused++
		}
	}
	return stats
}

// JobStatus returns the state of one job.
func (s *Scheduler) JobStatus(mappingID uuid.UUID) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[mappingID]
	if !ok {
		return JobStatus{}, false
	}
	_, active := s.activeRuns[mappingID]
	return JobStatus{
		MappingID: mappingID,
		Paused:    j.paused,
		Active:    active,
		Interval:  j.interval,
		NextRun:   j.nextRun,
		LastRun:   j.lastRun,
	}, true
}

func (s *Scheduler) loop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.fireDue()
		}
	}
}

// fireDue launches every due job. A due job whose run is still in flight is
// coalesced: its tick is dropped and the next fire moves one interval out.
func (s *Scheduler) fireDue() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, j := range s.jobs {
		if j.paused || j.nextRun.After(now) {
			continue
		}
		if _, active := s.activeRuns[id]; active {
			s.logger.Warn("tick dropped, previous run still in flight", "mapping_id", id)
			j.nextRun = now.Add(j.interval)
			continue
		}
		if len(s.activeRuns) >= s.config.MaxConcurrent {
			// At capacity: leave nextRun as-is so the job fires as soon
			// as a slot frees up.
			continue
		}
		j.nextRun = now.Add(j.interval)
		s.launchLocked(j)
	}
}

// launchLocked atomically claims the run slot and starts the worker. Callers
// must hold s.mu.
func (s *Scheduler) launchLocked(j *job) {
	id := j.mapping.ID()
	s.activeRuns[id] = struct{}{}
	j.lastRun = s.now()

	s.runWG.Add(1)
	go func(mapping *domain.Mapping) {
		defer s.runWG.Done()
		defer func() {
			s.mu.Lock()
			delete(s.activeRuns, mapping.ID())
			s.mu.Unlock()
		}()

		if _, err := s.runner.Sync(s.runCtx, mapping); err != nil {
			s.logger.Error("sync run could not start", "mapping_id", mapping.ID(), "error", err)
		}
	}(j.mapping)
}
