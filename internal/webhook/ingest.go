// Package webhook ingests email provider events: it verifies their
// signature and applies reply, bounce and complaint transitions to leads.
package webhook

import (
	"context"
	"encoding/json"
	"net/mail"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/model"
)

// Provider event types.
const (
	TypeReceived   = "email.received"
	TypeBounced    = "email.bounced"
	TypeComplained = "email.complained"
)

// Outcomes of ingesting one event.
const (
	OutcomeApplied   = "applied"
	OutcomeLogged    = "logged"
	OutcomeUnmatched = "unmatched"
	OutcomeMalformed = "malformed"
)

// Store is the part of the lead store the ingestor uses.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*model.Lead, error)
	MarkReplied(ctx context.Context, id string) (bool, error)
	Suppress(ctx context.Context, id string) (bool, error)
	AppendEvent(ctx context.Context, ev model.EmailEvent) error
}

// Event is a provider webhook payload.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData holds the addressing fields of an event.
type EventData struct {
	EmailID string   `json:"email_id"`
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
}

// Ingestor maps verified events onto lead transitions.
type Ingestor struct {
	store   Store
	metrics *metrics.Metrics
}

// NewIngestor creates an Ingestor. m may be nil.
func NewIngestor(s Store, m *metrics.Metrics) *Ingestor {
	return &Ingestor{store: s, metrics: m}
}

// Ingest applies one raw event. Malformed payloads and events matching no
// lead are dropped without error; only store failures are returned.
func (in *Ingestor) Ingest(ctx context.Context, raw []byte) (string, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type == "" {
		zap.L().Warn("webhook: dropping malformed event", zap.Error(err))
		in.metrics.WebhookEvent("unknown", OutcomeMalformed)
		return OutcomeMalformed, nil
	}

	outcome, err := in.apply(ctx, ev, raw)
	if err != nil {
		return "", err
	}
	in.metrics.WebhookEvent(string(model.ProviderEventType(ev.Type)), outcome)
	return outcome, nil
}

func (in *Ingestor) apply(ctx context.Context, ev Event, raw []byte) (string, error) {
	log := zap.L().With(zap.String("component", "webhook"), zap.String("type", ev.Type))

	switch ev.Type {
	case TypeReceived:
		lead, err := in.find(ctx, ev.Data.From)
		if err != nil || lead == nil {
			return OutcomeUnmatched, err
		}
		changed, err := in.store.MarkReplied(ctx, lead.ID)
		if err != nil {
			return "", eris.Wrapf(err, "webhook: mark %s replied", lead.ID)
		}
		if err := in.log(ctx, lead.ID, model.EventReceived, raw); err != nil {
			return "", err
		}
		log.Info("reply received", zap.String("lead_id", lead.ID), zap.Bool("changed", changed))
		return OutcomeApplied, nil

	case TypeBounced, TypeComplained:
		lead, err := in.find(ctx, first(ev.Data.To))
		if err != nil || lead == nil {
			return OutcomeUnmatched, err
		}
		changed, err := in.store.Suppress(ctx, lead.ID)
		if err != nil {
			return "", eris.Wrapf(err, "webhook: suppress %s", lead.ID)
		}
		if err := in.log(ctx, lead.ID, model.ProviderEventType(ev.Type), raw); err != nil {
			return "", err
		}
		log.Info("lead suppressed", zap.String("lead_id", lead.ID), zap.Bool("changed", changed))
		return OutcomeApplied, nil

	default:
		to := first(ev.Data.To)
		if to == "" {
			return OutcomeUnmatched, nil
		}
		lead, err := in.find(ctx, to)
		if err != nil || lead == nil {
			return OutcomeUnmatched, err
		}
		if err := in.log(ctx, lead.ID, model.ProviderEventType(ev.Type), raw); err != nil {
			return "", err
		}
		return OutcomeLogged, nil
	}
}

func (in *Ingestor) find(ctx context.Context, addr string) (*model.Lead, error) {
	email := NormalizeAddress(addr)
	if email == "" {
		return nil, nil
	}
	lead, err := in.store.FindByEmail(ctx, email)
	return lead, eris.Wrap(err, "webhook: find lead by email")
}

func (in *Ingestor) log(ctx context.Context, leadID string, t model.EventType, raw []byte) error {
	err := in.store.AppendEvent(ctx, model.EmailEvent{LeadID: leadID, Type: t, Payload: json.RawMessage(raw)})
	return eris.Wrapf(err, "webhook: log %s event", t)
}

// NormalizeAddress extracts the bare lower-cased address from forms such as
// "Chez X <Owner@ChezX.fr>".
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if a, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(a.Address)
	}
	return strings.ToLower(s)
}

func first(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}
