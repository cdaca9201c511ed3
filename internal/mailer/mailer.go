// Package mailer dispatches outreach emails through Resend or an SMTP relay.
package mailer

import (
	"context"
	"net/mail"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/pkg/resend"
)

const (
	DriverResend = "resend"
	DriverSMTP   = "smtp"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Text    string
	// UnsubscribeURL adds the one-click List-Unsubscribe headers when set.
	UnsubscribeURL string
	// IdempotencyKey identifies the logical send across transport retries.
	IdempotencyKey string
	Tags           map[string]string
}

// Receipt identifies an accepted email at the provider.
type Receipt struct {
	Provider  string `json:"provider"`
	MessageID string `json:"message_id"`
}

// Mailer sends a Message.
type Mailer interface {
	Send(ctx context.Context, msg Message) (*Receipt, error)
}

// New builds the Mailer selected by cfg.Driver.
func New(cfg config.MailConfig) (Mailer, error) {
	switch cfg.Driver {
	case DriverResend, "":
		var opts []resend.Option
		if cfg.ResendBaseURL != "" {
			opts = append(opts, resend.WithBaseURL(cfg.ResendBaseURL))
		}
		return NewResend(resend.NewClient(cfg.ResendKey, opts...), cfg.From), nil
	case DriverSMTP:
		return NewSMTP(cfg.SMTP, cfg.From), nil
	default:
		return nil, eris.Errorf("mailer: unknown driver %q", cfg.Driver)
	}
}

// listHeaders returns the RFC 8058 one-click unsubscribe headers for u.
func listHeaders(u string) map[string]string {
	if u == "" {
		return nil
	}
	return map[string]string{
		"List-Unsubscribe":      "<" + u + ">",
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
}

func validate(msg Message) error {
	if strings.TrimSpace(msg.Subject) == "" {
		return eris.New("mailer: empty subject")
	}
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return eris.Wrapf(err, "mailer: invalid recipient %q", msg.To)
	}
	return nil
}
