package store

import (
	"context"
	"time"

	"github.com/sells-group/outreach-cli/internal/model"
)

// StatusQuery selects non-unsubscribed leads in one status.
type StatusQuery struct {
	Status model.Status `json:"status"`
	// ContactedBefore, when set, keeps only leads whose last contact is
	// strictly earlier than this instant.
	ContactedBefore *time.Time `json:"contacted_before,omitempty"`
	Limit           int        `json:"limit,omitempty"`
}

// Advance is a conditional ladder write: it only applies while the lead is
// still in From and not unsubscribed.
type Advance struct {
	ID            string       `json:"id"`
	From          model.Status `json:"from"`
	To            model.Status `json:"to"`
	ContactedAt   time.Time    `json:"contacted_at"`
	FollowupCount int          `json:"followup_count"`
}

// Store defines the persistence interface for the lead lifecycle.
type Store interface {
	// Leads
	UpsertLeads(ctx context.Context, leads []model.Lead) (int64, error)
	ListByStatus(ctx context.Context, q StatusQuery) ([]model.Lead, error)
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	FindByEmail(ctx context.Context, email string) (*model.Lead, error)

	// Lead mutations. Each returns whether a row changed.
	AssignUnsubscribeToken(ctx context.Context, id, token string) (string, error)
	SetEmail(ctx context.Context, id, email string) (bool, error)
	TransitionStatus(ctx context.Context, id string, from, to model.Status) (bool, error)
	AdvanceStage(ctx context.Context, a Advance) (bool, error)
	MarkReplied(ctx context.Context, id string) (bool, error)
	Suppress(ctx context.Context, id string) (bool, error)
	UnsubscribeByToken(ctx context.Context, token string) (bool, error)

	// Events
	AppendEvent(ctx context.Context, ev model.EmailEvent) error
	ListEvents(ctx context.Context, leadID string) ([]model.EmailEvent, error)

	// Run leases
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// dedupByExternalID keeps the last record per external id, preserving the
// position of its first occurrence.
func dedupByExternalID(leads []model.Lead) []model.Lead {
	idx := make(map[string]int, len(leads))
	out := make([]model.Lead, 0, len(leads))
	for _, l := range leads {
		if i, ok := idx[l.ExternalID]; ok {
			out[i] = l
			continue
		}
		idx[l.ExternalID] = len(out)
		out = append(out, l)
	}
	return out
}

// orderClause sorts new leads newest-first and follow-ups by oldest contact.
func orderClause(status model.Status) string {
	if status == model.StatusNew {
		return " ORDER BY created_at DESC, id"
	}
	return " ORDER BY last_contacted_at ASC, id"
}

type scannable interface {
	Scan(dest ...any) error
}

// nullable maps an absent optional text field to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
