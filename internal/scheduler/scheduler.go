// Package scheduler triggers prospect runs from a cron expression inside
// the serve process.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/outreach"
)

// Job is one guarded prospect run.
type Job interface {
	Run(ctx context.Context) (*outreach.Report, error)
}

// Scheduler runs Job on a standard five-field cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	entryID  cron.EntryID
	schedule string
	job      Job
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	running  bool
}

// New creates a Scheduler. Nothing runs until Start.
func New(schedule string, job Job) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(),
		schedule: schedule,
		job:      job,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the job and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return eris.New("scheduler: already running")
	}
	id, err := s.cron.AddFunc(s.schedule, s.trigger)
	if err != nil {
		return eris.Wrapf(err, "scheduler: parse schedule %q", s.schedule)
	}
	s.entryID = id
	s.cron.Start()
	s.running = true

	zap.L().Info("scheduler started",
		zap.String("schedule", s.schedule),
		zap.Time("next_run", s.cron.Entry(id).Next),
	)
	return nil
}

// Stop cancels an in-flight run and waits for it, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.cancel()
	done := s.cron.Stop()
	s.running = false

	select {
	case <-done.Done():
		zap.L().Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "scheduler: stop")
	}
}

// NextRun returns the next activation time, or zero when not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

func (s *Scheduler) trigger() {
	log := zap.L().With(zap.String("component", "scheduler"))

	rep, err := s.job.Run(s.ctx)
	switch {
	case outreach.IsBusy(err):
		log.Info("scheduled run skipped, another run is in progress")
	case err != nil:
		fields := []zap.Field{zap.Error(err)}
		if rep != nil {
			fields = append(fields, zap.Int("sent", rep.Sent))
		}
		log.Error("scheduled run failed", fields...)
	default:
		log.Info("scheduled run finished",
			zap.String("run_id", rep.RunID),
			zap.Int("sent", rep.Sent),
			zap.Bool("dry_run", rep.DryRun),
		)
	}
}
