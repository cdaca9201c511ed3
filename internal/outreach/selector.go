package outreach

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// LeadLister is the read side of the store used for selection.
type LeadLister interface {
	ListByStatus(ctx context.Context, q store.StatusQuery) ([]model.Lead, error)
}

// Selector computes the ordered candidate set for a run: new leads, then
// emailed leads past the first cool-down, then followup1 leads past the
// second. Each slice is bounded by Oversample × quota.
type Selector struct {
	store              LeadLister
	firstFollowupAfter time.Duration
	finalFollowupAfter time.Duration
	oversample         int
}

// NewSelector creates a Selector.
func NewSelector(s LeadLister, firstFollowupAfter, finalFollowupAfter time.Duration, oversample int) *Selector {
	if oversample <= 0 {
		oversample = 3
	}
	return &Selector{
		store:              s,
		firstFollowupAfter: firstFollowupAfter,
		finalFollowupAfter: finalFollowupAfter,
		oversample:         oversample,
	}
}

// Select returns candidates in priority order, deduplicated by id keeping
// the first occurrence. Unsubscribed and terminal leads never appear.
func (s *Selector) Select(ctx context.Context, now time.Time, quota int) ([]model.Lead, error) {
	if quota <= 0 {
		return nil, nil
	}
	limit := s.oversample * quota

	firstCutoff := now.Add(-s.firstFollowupAfter)
	finalCutoff := now.Add(-s.finalFollowupAfter)
	queries := []store.StatusQuery{
		{Status: model.StatusNew, Limit: limit},
		{Status: model.StatusEmailed, ContactedBefore: &firstCutoff, Limit: limit},
		{Status: model.StatusFollowup1, ContactedBefore: &finalCutoff, Limit: limit},
	}

	seen := make(map[string]struct{})
	var out []model.Lead
	for _, q := range queries {
		leads, err := s.store.ListByStatus(ctx, q)
		if err != nil {
			return nil, eris.Wrapf(err, "outreach: select %s", q.Status)
		}
		for _, l := range leads {
			if _, dup := seen[l.ID]; dup {
				continue
			}
			seen[l.ID] = struct{}{}
			if !eligible(l, q, now) {
				continue
			}
			out = append(out, l)
		}
	}
	return out, nil
}

// eligible re-checks the predicate a row was selected by.
func eligible(l model.Lead, q store.StatusQuery, now time.Time) bool {
	if !l.Contactable() || l.Status != q.Status {
		return false
	}
	if q.ContactedBefore == nil {
		return true
	}
	return l.LastContactedAt != nil && l.LastContactedAt.Before(*q.ContactedBefore)
}
