package outreach

import (
	"time"

	"github.com/sells-group/outreach-cli/internal/discovery"
	"github.com/sells-group/outreach-cli/internal/model"
)

// Reasons a candidate was not sent.
const (
	SkipSuperseded  = "superseded"
	SkipNoEmail     = "no_email"
	SkipNoWebsite   = "no_website"
	SkipDraftFailed = "draft_failed"
	SkipSendFailed  = "send_failed"
	SkipCircuitOpen = "circuit_open"
)

// Entry describes one processed candidate.
type Entry struct {
	LeadID    string       `json:"lead_id"`
	Lead      string       `json:"lead"`
	Email     string       `json:"email"`
	Stage     model.Stage  `json:"stage"`
	Status    model.Status `json:"status"`
	DryRun    bool         `json:"dryRun"`
	MessageID string       `json:"message_id,omitempty"`
}

// Report summarises one prospect run. It is returned even when the run
// aborts, describing what was already sent.
type Report struct {
	RunID      string            `json:"run_id"`
	DryRun     bool              `json:"dryRun"`
	Sent       int               `json:"sent"`
	Entries    []Entry           `json:"report"`
	Skipped    map[string]int    `json:"skipped,omitempty"`
	Candidates int               `json:"candidates"`
	Discovery  *discovery.Result `json:"discovery,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

func newReport(runID string, dryRun bool, start time.Time) *Report {
	return &Report{
		RunID:     runID,
		DryRun:    dryRun,
		Entries:   []Entry{},
		Skipped:   map[string]int{},
		StartedAt: start,
	}
}

func (r *Report) skip(reason string) {
	r.Skipped[reason]++
}

func (r *Report) add(e Entry) {
	r.Entries = append(r.Entries, e)
	r.Sent++
}
