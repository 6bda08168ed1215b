// Package eod schedules the pre-close job sequence: a condition check, order
// placement, and fill tracking fired at fixed offsets before each
// instrument's market close.
package eod

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pmbot/internal/config"
)

// Phase identifies one of the three pre-close jobs.
type Phase string

const (
	PhaseConditionCheck Phase = "condition_check" // default T-45s
	PhaseExecution      Phase = "execution"      // default T-30s
	PhaseTracking       Phase = "tracking"       // default T-15s
)

// Runner executes one pre-close phase for one instrument. The live engine
// implements this; closeAt is the market close the phase is timed against.
type Runner interface {
	RunPhase(ctx context.Context, instrument string, phase Phase, closeAt time.Time) error
}

type job struct {
	instrument string
	phase      Phase
	fireAt     time.Time
	closeAt    time.Time
}

func (j job) key() string {
	return j.instrument + "/" + string(j.phase)
}

// Scheduler fires the three phases per enabled instrument against each
// instrument's own close clock and timezone. Each phase occurrence fires at
// most once (no coalescing of missed runs into the next), at most one
// instance of a given phase runs at a time, and occurrences discovered late
// still fire within the misfire grace window.
type Scheduler struct {
	cfg         config.EODConfig
	instruments map[string]config.InstrumentConfig
	runner      Runner
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	fired   map[string]time.Time // job key -> occurrence already dispatched
	running map[string]bool
}

// New creates a Scheduler over the configured instruments.
func New(
	cfg config.EODConfig,
	instruments map[string]config.InstrumentConfig,
	runner Runner,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		instruments: instruments,
		runner:      runner,
		logger:      logger.With(slog.String("component", "eod")),
		now:         time.Now,
		fired:       make(map[string]time.Time),
		running:     make(map[string]bool),
	}
}

// Run blocks, dispatching due phases to a bounded worker pool until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("eod scheduler disabled")
		<-ctx.Done()
		return nil
	}

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	jobs := make(chan job)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		return s.dispatch(ctx, jobs)
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				s.runJob(ctx, j)
			}
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		s.logger.Info("eod scheduler stopped")
		return nil
	}
	return err
}

func (s *Scheduler) dispatch(ctx context.Context, out chan<- job) error {
	for {
		now := s.now()
		due, wakeAt := s.collect(now)

		for _, j := range due {
			select {
			case out <- j:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		wait := wakeAt.Sub(s.now())
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// collect returns the occurrences due at now (inside the grace window and not
// yet dispatched) and the earliest future fire time to sleep toward. Due
// occurrences are marked dispatched so a recomputation does not fire them
// twice.
func (s *Scheduler) collect(now time.Time) (due []job, wakeAt time.Time) {
	grace := s.grace()
	upcoming := s.schedule(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	wakeAt = now.Add(time.Minute)
	first := true
	for _, j := range upcoming {
		if !j.fireAt.After(now) {
			if now.Sub(j.fireAt) <= grace && !s.fired[j.key()].Equal(j.fireAt) {
				s.fired[j.key()] = j.fireAt
				due = append(due, j)
			}
			continue
		}
		if first || j.fireAt.Before(wakeAt) {
			wakeAt = j.fireAt
			first = false
		}
	}
	return due, wakeAt
}

// schedule computes the current occurrence of every phase for every enabled
// instrument: today's close in the instrument's timezone, or tomorrow's once
// a phase is past its grace window.
func (s *Scheduler) schedule(now time.Time) []job {
	grace := s.grace()
	var jobs []job

	for tag, ic := range s.instruments {
		if !s.enabled(tag) {
			continue
		}
		loc := ic.Location()
		local := now.In(loc)
		ch, cm := ic.CloseClock()

		for _, po := range s.phases() {
			closeAt := time.Date(local.Year(), local.Month(), local.Day(), ch, cm, 0, 0, loc)
			fireAt := closeAt.Add(-po.offset)
			if now.Sub(fireAt) > grace {
				closeAt = closeAt.AddDate(0, 0, 1)
				fireAt = closeAt.Add(-po.offset)
			}
			jobs = append(jobs, job{
				instrument: tag,
				phase:      po.phase,
				fireAt:     fireAt,
				closeAt:    closeAt,
			})
		}
	}

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].fireAt.Before(jobs[k].fireAt) })
	return jobs
}

// runJob runs one phase occurrence, enforcing the single-instance rule and
// the misfire grace window at execution time (the queue may have delayed it
// further).
func (s *Scheduler) runJob(ctx context.Context, j job) {
	if delay := s.now().Sub(j.fireAt); delay > s.grace() {
		s.logger.Warn("eod phase misfired past grace window",
			slog.String("instrument", j.instrument),
			slog.String("phase", string(j.phase)),
			slog.Duration("delay", delay),
		)
		return
	}
	if !s.tryAcquire(j.key()) {
		s.logger.Warn("eod phase already running, occurrence skipped",
			slog.String("instrument", j.instrument),
			slog.String("phase", string(j.phase)),
		)
		return
	}
	defer s.release(j.key())

	s.logger.Info("eod phase firing",
		slog.String("instrument", j.instrument),
		slog.String("phase", string(j.phase)),
		slog.Time("close_at", j.closeAt),
	)
	if err := s.runner.RunPhase(ctx, j.instrument, j.phase, j.closeAt); err != nil {
		s.logger.Error("eod phase failed",
			slog.String("instrument", j.instrument),
			slog.String("phase", string(j.phase)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) tryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[key] {
		return false
	}
	s.running[key] = true
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, key)
}

func (s *Scheduler) enabled(tag string) bool {
	if len(s.cfg.InstrumentsEnabled) == 0 {
		return true
	}
	return s.cfg.InstrumentsEnabled[tag]
}

func (s *Scheduler) grace() time.Duration {
	g := s.cfg.MisfireGraceSec
	if g <= 0 {
		g = 10
	}
	return time.Duration(g) * time.Second
}

type phaseOffset struct {
	phase  Phase
	offset time.Duration
}

func (s *Scheduler) phases() []phaseOffset {
	cond, exec, track := s.cfg.ConditionCheckSec, s.cfg.ExecutionSec, s.cfg.TrackingSec
	if cond <= 0 {
		cond = 45
	}
	if exec <= 0 {
		exec = 30
	}
	if track <= 0 {
		track = 15
	}
	return []phaseOffset{
		{PhaseConditionCheck, time.Duration(cond) * time.Second},
		{PhaseExecution, time.Duration(exec) * time.Second},
		{PhaseTracking, time.Duration(track) * time.Second},
	}
}

// String renders a job for logs and errors.
func (j job) String() string {
	return fmt.Sprintf("%s/%s@%s", j.instrument, j.phase, j.fireAt.Format(time.RFC3339))
}
