package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/openuds/engine/pkg/log"
	"github.com/openuds/engine/pkg/metrics"
	"github.com/openuds/engine/pkg/storage"
	"github.com/openuds/engine/pkg/types"
)

// Job is a unit of periodic work. Frequency is re-read on every
// registration pass so config changes take effect without a restart.
type Job interface {
	Name() string
	Frequency() int // seconds
	Run() error
}

// pollGranularity is how often each worker looks for a due job.
const pollGranularity = 2 * time.Second

// stuckThreshold is how long a RUNNING row may sit before another host
// decides its executor died and reclaims it.
const stuckThreshold = 15 * time.Minute

// Scheduler runs registered jobs with exactly-one-executor semantics
// across hosts: the scheduler row in the database is the mutex. Every
// host runs an identical scheduler; whoever claims the row runs the
// job, outside any transaction.
type Scheduler struct {
	store    *storage.Store
	hostname string
	workers  int

	mu   sync.RWMutex
	jobs map[string]Job

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler identified by hostname with the given worker
// pool size.
func New(store *storage.Store, hostname string, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		store:    store,
		hostname: hostname,
		workers:  workers,
		jobs:     make(map[string]Job),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a job and ensures its scheduler row exists.
func (s *Scheduler) Register(job Job) error {
	now, err := s.store.Now()
	if err != nil {
		return err
	}
	if err := s.store.EnsureJob(job.Name(), job.Frequency(), now); err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs[job.Name()] = job
	s.mu.Unlock()
	return nil
}

// Start releases rows orphaned by a previous instance of this host and
// launches the worker pool.
func (s *Scheduler) Start() error {
	now, err := s.store.Now()
	if err != nil {
		return err
	}
	if err := s.store.ReleaseOwnedJobs(s.hostname, now); err != nil {
		return err
	}

	log.WithComponent("scheduler").Info().
		Str("hostname", s.hostname).
		Int("workers", s.workers).
		Msg("Starting scheduler")

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return nil
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.WithComponent("scheduler").Info().Msg("Scheduler stopped")
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	ticker := time.NewTicker(pollGranularity)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOne(id)
		}
	}
}

// runOne claims at most one due job and executes it. The claim happens
// inside a write transaction; the job itself runs outside any
// transaction so a slow provider call never holds a row lock.
func (s *Scheduler) runOne(workerID int) {
	now, err := s.store.Now()
	if err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("Failed to read database clock")
		return
	}

	record, err := s.store.ClaimJob(s.hostname, now)
	if types.IsNotFound(err) {
		return // nothing due
	}
	if err != nil {
		if !types.IsRetryable(err) {
			log.WithComponent("scheduler").Error().Err(err).Msg("Failed to claim job")
		}
		return
	}

	s.mu.RLock()
	job, known := s.jobs[record.Name]
	s.mu.RUnlock()

	logger := log.WithJob(record.Name)
	if !known {
		// row registered by another host running a newer build; release
		// it untouched so its owner can claim it
		logger.Warn().Int("worker", workerID).Msg("Claimed unknown job, releasing")
		s.release(record.Name)
		return
	}

	started := time.Now()
	err = s.runSafe(job)
	elapsed := time.Since(started)
	metrics.JobDuration.WithLabelValues(record.Name).Observe(elapsed.Seconds())

	if err != nil {
		metrics.JobsExecuted.WithLabelValues(record.Name, "error").Inc()
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Job failed")
	} else {
		metrics.JobsExecuted.WithLabelValues(record.Name, "ok").Inc()
		logger.Debug().Dur("elapsed", elapsed).Msg("Job finished")
	}

	s.release(record.Name)
}

// runSafe converts a job panic into an error so the worker survives.
func (s *Scheduler) runSafe(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run()
}

// release reschedules a finished job from the database clock. When the
// clock cannot be read the row is left RUNNING; housekeeping reclaims
// it rather than rescheduling from a host clock that may drift.
func (s *Scheduler) release(name string) {
	now, err := s.store.Now()
	if err != nil {
		log.WithJob(name).Error().Err(err).Msg("Failed to read database clock, leaving row to recovery")
		return
	}
	if err := s.store.ReleaseJob(name, now); err != nil {
		log.WithJob(name).Error().Err(err).Msg("Failed to release job")
	}
}

// Housekeeping reclaims rows whose executors died mid-run. It is itself
// registered as a job, so any healthy host performs the recovery.
type Housekeeping struct {
	store *storage.Store
}

func NewHousekeeping(store *storage.Store) *Housekeeping {
	return &Housekeeping{store: store}
}

func (h *Housekeeping) Name() string   { return "scheduler-housekeeping" }
func (h *Housekeeping) Frequency() int { return 241 }

func (h *Housekeeping) Run() error {
	now, err := h.store.Now()
	if err != nil {
		return err
	}
	released, err := h.store.RecoverStuckJobs(stuckThreshold, now)
	if err != nil {
		return err
	}
	for _, name := range released {
		metrics.JobsRecovered.Inc()
		log.WithComponent("scheduler").Warn().
			Str("job", name).
			Msg("Reclaimed stuck job from dead executor")
	}
	if err := h.store.DB().WALCheckpoint(); err != nil {
		log.WithComponent("scheduler").Warn().Err(err).Msg("WAL checkpoint failed")
	}
	return nil
}
