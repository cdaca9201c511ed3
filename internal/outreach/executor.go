package outreach

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/apperr"
	"github.com/sells-group/outreach-cli/internal/draft"
	"github.com/sells-group/outreach-cli/internal/mailer"
	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
)

// ContactResolver finds a contact address on a lead's website.
type ContactResolver interface {
	Resolve(ctx context.Context, website string) (string, bool)
}

// Drafter writes the email for a lead at a stage.
type Drafter interface {
	Generate(ctx context.Context, lead model.Lead, stage model.Stage) (draft.Draft, error)
}

var footerLabels = map[string]string{
	"fr": "Désinscription",
	"en": "Unsubscribe",
}

// Executor walks the candidate list and performs token, contact, draft,
// send and ladder steps for each lead until the quota is reached.
type Executor struct {
	store    store.Store
	contacts ContactResolver
	drafts   Drafter
	mail     mailer.Mailer
	breaker  *resilience.CircuitBreaker
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
	newToken func() (string, error)
}

// NewExecutor creates an Executor. The mail circuit breaker ignores
// provider rejections of individual messages.
func NewExecutor(d Deps, cfg Config) *Executor {
	bcfg := resilience.DefaultCircuitBreakerConfig()
	bcfg.ShouldTrip = func(err error) bool {
		return err != nil && !apperr.Is(err, apperr.KindValidation)
	}
	bcfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("mail circuit state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	now := d.Clock
	if now == nil {
		now = time.Now
	}
	return &Executor{
		store:    d.Store,
		contacts: d.Contacts,
		drafts:   d.Drafts,
		mail:     d.Mailer,
		breaker:  resilience.NewCircuitBreaker(bcfg),
		metrics:  d.Metrics,
		cfg:      cfg,
		now:      now,
		newToken: randToken,
	}
}

// Execute processes candidates in order, appending to rep. Per-candidate
// failures of contact lookup, drafting or sending are recorded as skips.
// Store failures and context cancellation abort the run and are returned
// with rep describing what was already done. Every call starts with a
// closed mail circuit.
func (e *Executor) Execute(ctx context.Context, rep *Report, candidates []model.Lead) error {
	e.breaker.Reset()
	rep.Candidates += len(candidates)
	for _, c := range candidates {
		if rep.Sent >= e.cfg.Quota {
			break
		}
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "outreach: run cancelled")
		}
		reason, err := e.process(ctx, rep, c)
		if err != nil {
			return err
		}
		if reason != "" {
			rep.skip(reason)
			e.metrics.CandidateSkipped(reason)
		}
	}
	if st := e.breaker.State(); st != resilience.CircuitClosed {
		zap.L().Warn("outreach: mail circuit not closed at end of run",
			zap.String("run_id", rep.RunID),
			zap.String("state", st.String()),
		)
	}
	return nil
}

// process handles one candidate. It returns a skip reason, or an error when
// the run must stop.
func (e *Executor) process(ctx context.Context, rep *Report, candidate model.Lead) (string, error) {
	log := zap.L().With(
		zap.String("component", "outreach"),
		zap.String("run_id", rep.RunID),
		zap.String("lead_id", candidate.ID),
	)

	lead, err := e.store.GetLead(ctx, candidate.ID)
	if err != nil {
		return "", eris.Wrapf(err, "outreach: reload lead %s", candidate.ID)
	}
	if lead == nil || !lead.Contactable() || lead.Status != candidate.Status {
		return SkipSuperseded, nil
	}

	if lead.UnsubscribeToken == "" {
		tok, err := e.newToken()
		if err != nil {
			return "", eris.Wrap(err, "outreach: generate unsubscribe token")
		}
		tok, err = e.store.AssignUnsubscribeToken(ctx, lead.ID, tok)
		if err != nil {
			return "", eris.Wrapf(err, "outreach: assign token for %s", lead.ID)
		}
		lead.UnsubscribeToken = tok
	}

	if lead.Email == "" {
		reason, err := e.resolveEmail(ctx, lead)
		if err != nil || reason != "" {
			return reason, err
		}
	}

	stage := model.StageFor(lead.Status)
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	d, err := e.drafts.Generate(callCtx, *lead, stage)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return "", eris.Wrap(ctx.Err(), "outreach: run cancelled")
		}
		log.Warn("draft failed", zap.Int("stage", int(stage)), zap.Error(err))
		return SkipDraftFailed, nil
	}

	unsubscribeURL := e.unsubscribeURL(lead.UnsubscribeToken)
	entry := Entry{
		LeadID: lead.ID,
		Lead:   lead.Name,
		Email:  lead.Email,
		Stage:  stage,
		Status: stage.NextStatus(),
		DryRun: e.cfg.DryRun,
	}

	if !e.cfg.DryRun {
		msg := mailer.Message{
			To:             lead.Email,
			Subject:        d.Subject,
			Text:           e.body(d.Text, unsubscribeURL),
			UnsubscribeURL: unsubscribeURL,
			IdempotencyKey: IdempotencyKey(lead.ID, stage),
			Tags: map[string]string{
				"lead_id": lead.ID,
				"stage":   fmt.Sprint(int(stage)),
			},
		}
		receipt, err := resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (*mailer.Receipt, error) {
			sendCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
			defer cancel()
			return e.mail.Send(sendCtx, msg)
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", eris.Wrap(ctx.Err(), "outreach: run cancelled")
			}
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return SkipCircuitOpen, nil
			}
			log.Warn("send failed", zap.Int("stage", int(stage)), zap.Error(err))
			return SkipSendFailed, nil
		}
		entry.MessageID = receipt.MessageID

		if err := e.store.AppendEvent(ctx, sentEvent(lead, stage, d.Subject, receipt)); err != nil {
			return "", eris.Wrapf(err, "outreach: log sent event for %s", lead.ID)
		}
	}

	advanced, err := e.store.AdvanceStage(ctx, store.Advance{
		ID:            lead.ID,
		From:          lead.Status,
		To:            stage.NextStatus(),
		ContactedAt:   e.now().UTC(),
		FollowupCount: int(stage),
	})
	if err != nil {
		return "", eris.Wrapf(err, "outreach: advance lead %s", lead.ID)
	}
	if !advanced {
		if e.cfg.DryRun {
			return SkipSuperseded, nil
		}
		// The email is already out; report it with the status the lead holds now.
		log.Warn("lead changed during send", zap.Int("stage", int(stage)))
		if cur, err := e.store.GetLead(ctx, lead.ID); err == nil && cur != nil {
			entry.Status = cur.Status
		}
	}

	rep.add(entry)
	e.metrics.EmailSent(int(stage), e.cfg.DryRun)
	log.Info("lead contacted",
		zap.Int("stage", int(stage)),
		zap.String("status", string(entry.Status)),
		zap.Bool("dry_run", e.cfg.DryRun),
	)
	return "", nil
}

// resolveEmail looks up a contact address for a lead without one. Leads
// whose website yields nothing move to no_email.
func (e *Executor) resolveEmail(ctx context.Context, lead *model.Lead) (string, error) {
	if lead.Website == "" {
		return SkipNoWebsite, nil
	}
	addr, ok := e.contacts.Resolve(ctx, lead.Website)
	if !ok {
		if ctx.Err() != nil {
			return "", eris.Wrap(ctx.Err(), "outreach: run cancelled")
		}
		if _, err := e.store.TransitionStatus(ctx, lead.ID, lead.Status, model.StatusNoEmail); err != nil {
			return "", eris.Wrapf(err, "outreach: mark %s no_email", lead.ID)
		}
		return SkipNoEmail, nil
	}

	set, err := e.store.SetEmail(ctx, lead.ID, addr)
	if err != nil {
		return "", eris.Wrapf(err, "outreach: save email for %s", lead.ID)
	}
	if set {
		lead.Email = addr
		return "", nil
	}
	// Someone else stored an address first; use theirs.
	cur, err := e.store.GetLead(ctx, lead.ID)
	if err != nil {
		return "", eris.Wrapf(err, "outreach: reload lead %s", lead.ID)
	}
	if cur == nil || cur.Email == "" || cur.Status != lead.Status || !cur.Contactable() {
		return SkipSuperseded, nil
	}
	lead.Email = cur.Email
	return "", nil
}

func (e *Executor) unsubscribeURL(token string) string {
	return strings.TrimRight(e.cfg.BaseURL, "/") + "/unsubscribe?token=" + url.QueryEscape(token)
}

func (e *Executor) body(text, unsubscribeURL string) string {
	label, ok := footerLabels[e.cfg.Language]
	if !ok {
		label = footerLabels["fr"]
	}
	return text + "\n\n" + label + ": " + unsubscribeURL
}

// IdempotencyKey identifies the send of stage to lead across retries and runs.
func IdempotencyKey(leadID string, stage model.Stage) string {
	return fmt.Sprintf("%s/stage-%d", leadID, int(stage))
}

type sentPayload struct {
	Provider  string `json:"provider"`
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Stage     int    `json:"stage"`
}

func sentEvent(lead *model.Lead, stage model.Stage, subject string, r *mailer.Receipt) model.EmailEvent {
	payload, _ := json.Marshal(sentPayload{
		Provider:  r.Provider,
		MessageID: r.MessageID,
		To:        lead.Email,
		Subject:   subject,
		Stage:     int(stage),
	})
	return model.EmailEvent{LeadID: lead.ID, Type: model.EventSent, Payload: payload}
}

// randToken returns 18 random bytes, hex encoded.
func randToken() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
