// Package outreach runs the prospecting pipeline: discover leads, select
// the candidates due for a stage, then draft and send until the per-run
// quota is reached.
package outreach

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/discovery"
	"github.com/sells-group/outreach-cli/internal/mailer"
	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/store"
)

const leaseName = "prospect"

// Discoverer imports leads for a list of regions.
type Discoverer interface {
	Run(ctx context.Context, regions []string) (*discovery.Result, error)
}

// Deps are the collaborators of a Runner. Metrics and Clock may be nil.
type Deps struct {
	Store     store.Store
	Discovery Discoverer
	Contacts  ContactResolver
	Drafts    Drafter
	Mailer    mailer.Mailer
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// Config tunes a run.
type Config struct {
	DryRun             bool
	SkipDiscovery      bool
	Quota              int
	Regions            []string
	BaseURL            string
	Language           string
	FirstFollowupAfter time.Duration
	FinalFollowupAfter time.Duration
	Oversample         int
	CallTimeout        time.Duration
	RunBudget          time.Duration
}

// ConfigFrom maps the application settings onto a run Config.
func ConfigFrom(cfg config.OutreachConfig) Config {
	return Config{
		DryRun:             cfg.DryRun,
		Quota:              cfg.MaxEmailsPerRun,
		Regions:            cfg.Regions,
		BaseURL:            cfg.BaseURL,
		Language:           cfg.Language,
		FirstFollowupAfter: cfg.FirstFollowupAfter,
		FinalFollowupAfter: cfg.FinalFollowupAfter,
		Oversample:         cfg.Oversample,
		CallTimeout:        cfg.CallTimeout,
		RunBudget:          cfg.RunBudget,
	}
}

func (c Config) withDefaults() Config {
	if c.FirstFollowupAfter <= 0 {
		c.FirstFollowupAfter = 72 * time.Hour
	}
	if c.FinalFollowupAfter <= 0 {
		c.FinalFollowupAfter = 120 * time.Hour
	}
	if c.Oversample <= 0 {
		c.Oversample = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	if c.RunBudget <= 0 {
		c.RunBudget = 15 * time.Minute
	}
	if c.Language == "" {
		c.Language = "fr"
	}
	return c
}

// Runner executes prospect runs, one at a time.
type Runner struct {
	deps     Deps
	cfg      Config
	guard    *Guard
	selector *Selector
	executor *Executor
	now      func() time.Time
}

// NewRunner wires a Runner from its dependencies.
func NewRunner(d Deps, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Runner{
		deps:     d,
		cfg:      cfg,
		guard:    NewGuard(d.Store, leaseName, cfg.RunBudget),
		selector: NewSelector(d.Store, cfg.FirstFollowupAfter, cfg.FinalFollowupAfter, cfg.Oversample),
		executor: NewExecutor(d, cfg),
		now:      d.Clock,
	}
}

// DryRun reports whether runs skip email dispatch.
func (r *Runner) DryRun() bool { return r.cfg.DryRun }

// Run performs one prospect run. It returns ErrRunInProgress when another
// run holds the guard. On any other error the returned report, when non-nil,
// describes the work done before the failure.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	runID := uuid.New().String()
	start := r.now()
	log := zap.L().With(zap.String("component", "outreach"), zap.String("run_id", runID))

	release, err := r.guard.Acquire(ctx, runID)
	if err != nil {
		if IsBusy(err) {
			r.deps.Metrics.ObserveRun("busy", 0)
			log.Info("prospect run skipped, another run is in progress")
		}
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunBudget)
	defer cancel()

	rep := newReport(runID, r.cfg.DryRun, start)
	err = r.run(ctx, rep)
	rep.FinishedAt = r.now()

	result := "ok"
	if err != nil {
		result = "failed"
		log.Error("prospect run failed", zap.Int("sent", rep.Sent), zap.Error(err))
	}
	r.deps.Metrics.ObserveRun(result, rep.FinishedAt.Sub(start))
	log.Info("prospect run finished",
		zap.String("result", result),
		zap.Bool("dry_run", rep.DryRun),
		zap.Int("candidates", rep.Candidates),
		zap.Int("sent", rep.Sent),
		zap.Any("skipped", rep.Skipped),
		zap.Duration("elapsed", rep.FinishedAt.Sub(start)),
	)
	return rep, err
}

func (r *Runner) run(ctx context.Context, rep *Report) error {
	if !r.cfg.SkipDiscovery && r.deps.Discovery != nil {
		res, err := r.deps.Discovery.Run(ctx, r.cfg.Regions)
		rep.Discovery = res
		if err != nil {
			return eris.Wrap(err, "outreach: discovery")
		}
	}

	candidates, err := r.selector.Select(ctx, r.now(), r.cfg.Quota)
	if err != nil {
		return err
	}
	return r.executor.Execute(ctx, rep, candidates)
}
