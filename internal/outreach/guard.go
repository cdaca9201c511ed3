package outreach

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/outreach-cli/internal/apperr"
)

// ErrRunInProgress is returned when another prospect run holds the guard.
var ErrRunInProgress = apperr.Conflict("outreach: run already in progress")

// LeaseStore persists run leases so that separate processes sharing a
// database also exclude each other.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Guard admits at most one run at a time: in-process through a semaphore,
// across processes through a store lease that expires after ttl.
type Guard struct {
	sem    *semaphore.Weighted
	leases LeaseStore
	name   string
	ttl    time.Duration
}

// NewGuard creates a Guard for the lease called name.
func NewGuard(leases LeaseStore, name string, ttl time.Duration) *Guard {
	return &Guard{sem: semaphore.NewWeighted(1), leases: leases, name: name, ttl: ttl}
}

// Acquire takes the guard for holder without waiting. The returned release
// func must be called once the run ends.
func (g *Guard) Acquire(ctx context.Context, holder string) (func(), error) {
	if !g.sem.TryAcquire(1) {
		return nil, ErrRunInProgress
	}
	if g.leases == nil {
		return func() { g.sem.Release(1) }, nil
	}

	ok, err := g.leases.AcquireLease(ctx, g.name, holder, g.ttl)
	if err != nil {
		g.sem.Release(1)
		return nil, eris.Wrap(err, "outreach: acquire run lease")
	}
	if !ok {
		g.sem.Release(1)
		return nil, ErrRunInProgress
	}

	release := func() {
		defer g.sem.Release(1)
		// The run context may already be done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := g.leases.ReleaseLease(rctx, g.name, holder); err != nil {
			zap.L().Warn("release run lease failed", zap.String("lease", g.name), zap.Error(err))
		}
	}
	return release, nil
}

// IsBusy reports whether err means a run was already in progress.
func IsBusy(err error) bool {
	return errors.Is(err, ErrRunInProgress)
}
