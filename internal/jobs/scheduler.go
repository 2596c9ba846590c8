package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/clinic-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// Func is one run of a job.
type Func func(ctx context.Context) error

// ErrUnknownJob is returned by RunNow for an unregistered name.
var ErrUnknownJob = errors.New("jobs: unknown job")

type entry struct {
	name     string
	schedule Schedule
	run      Func
}

// Scheduler runs registered jobs on their schedules until its context ends.
type Scheduler struct {
	logger  *logging.Logger
	metrics *metrics.JobMetrics
	locker  Locker
	lockTTL time.Duration
	now     func() time.Time

	mu   sync.Mutex
	jobs []entry
}

func NewScheduler(logger *logging.Logger, m *metrics.JobMetrics) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		logger:  logger,
		metrics: m,
		lockTTL: 50 * time.Minute,
		now:     time.Now,
	}
}

// WithLocker makes each scheduled slot run on one replica only.
func (s *Scheduler) WithLocker(l Locker) *Scheduler {
	s.locker = l
	return s
}

// WithLockTTL bounds how long a slot lock outlives a crashed replica.
func (s *Scheduler) WithLockTTL(ttl time.Duration) *Scheduler {
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

func (s *Scheduler) Add(name string, schedule Schedule, run Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, entry{name: name, schedule: schedule, run: run})
}

// Run blocks until ctx is cancelled and every in-flight run has returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]entry(nil), s.jobs...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range jobs {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	for {
		next := e.schedule.Next(s.now())
		s.logger.Debug("job scheduled", "job", e.name, "next_run", next)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.fire(ctx, e, next)
	}
}

// fire runs e for the slot starting at slot, claiming the slot first when a
// locker is configured.
func (s *Scheduler) fire(ctx context.Context, e entry, slot time.Time) {
	if s.locker != nil {
		key := fmt.Sprintf("%s:%s", e.name, slot.UTC().Format("2006-01-02T15:04"))
		ok, err := s.locker.Acquire(ctx, key, s.lockTTL)
		if err != nil {
			s.logger.Error("job lock failed", "job", e.name, "error", err)
			return
		}
		if !ok {
			s.logger.Debug("job slot claimed elsewhere", "job", e.name, "slot", slot)
			return
		}
	}
	s.execute(ctx, e)
}

func (s *Scheduler) execute(ctx context.Context, e entry) error {
	start := s.now()
	err := s.safeRun(ctx, e)
	elapsed := s.now().Sub(start)
	s.metrics.ObserveRun(e.name, err, elapsed)
	if err != nil {
		s.logger.Error("job failed", "job", e.name, "error", err, "duration_ms", elapsed.Milliseconds())
		return err
	}
	s.logger.Info("job finished", "job", e.name, "duration_ms", elapsed.Milliseconds())
	return nil
}

func (s *Scheduler) safeRun(ctx context.Context, e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: %s panicked: %v", e.name, r)
		}
	}()
	return e.run(ctx)
}

// RunNow runs the named job immediately, bypassing the lock.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *entry
	for i := range s.jobs {
		if s.jobs[i].name == name {
			found = &s.jobs[i]
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, *found)
}

// Names lists registered jobs in registration order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.jobs))
	for i, e := range s.jobs {
		out[i] = e.name
	}
	return out
}
