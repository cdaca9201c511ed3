package mailer

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/sells-group/outreach-cli/internal/apperr"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/resend"
)

// ResendMailer sends through the Resend API, retrying transient failures.
// The idempotency key makes retries safe against duplicate delivery.
type ResendMailer struct {
	client resend.Client
	from   string
	retry  resilience.RetryConfig
}

// NewResend creates a Resend-backed Mailer.
func NewResend(client resend.Client, from string) *ResendMailer {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("resend", "send_email")
	return &ResendMailer{client: client, from: from, retry: retry}
}

// Send implements Mailer.
func (m *ResendMailer) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if err := validate(msg); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "mailer: resend")
	}

	req := resend.SendEmailRequest{
		From:           m.from,
		To:             []string{msg.To},
		Subject:        msg.Subject,
		Text:           msg.Text,
		Headers:        listHeaders(msg.UnsubscribeURL),
		IdempotencyKey: msg.IdempotencyKey,
	}
	names := make([]string, 0, len(msg.Tags))
	for k := range msg.Tags {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		req.Tags = append(req.Tags, resend.Tag{Name: k, Value: msg.Tags[k]})
	}

	resp, err := resilience.DoVal(ctx, m.retry, func(ctx context.Context) (*resend.SendEmailResponse, error) {
		return m.client.SendEmail(ctx, req)
	})
	if err != nil {
		return nil, classify(err)
	}
	return &Receipt{Provider: DriverResend, MessageID: resp.ID}, nil
}

// classify marks per-recipient rejections as validation failures so they do
// not count against the send circuit breaker.
func classify(err error) error {
	var apiErr *resend.APIError
	if errors.As(err, &apiErr) && !resilience.IsTransient(err) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return apperr.Wrap(apperr.KindValidation, err, "mailer: resend rejected message")
		}
	}
	return apperr.Upstream(err, "mailer: resend")
}
