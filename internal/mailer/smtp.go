package mailer

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/sells-group/outreach-cli/internal/apperr"
	"github.com/sells-group/outreach-cli/internal/config"
)

// sender is the part of *gomail.Dialer used here.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer sends through an SMTP relay.
type SMTPMailer struct {
	dialer sender
	from   string
}

// NewSMTP creates an SMTP-backed Mailer.
func NewSMTP(cfg config.SMTPConfig, from string) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password),
		from:   from,
	}
}

// Send implements Mailer. gomail has no context support, so ctx is only
// checked before dialing.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if err := validate(msg); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "mailer: smtp")
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Upstream(err, "mailer: smtp")
	}

	id := messageID(msg.IdempotencyKey, m.from)

	gm := gomail.NewMessage()
	gm.SetHeader("From", m.from)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetHeader("Message-ID", id)
	for k, v := range listHeaders(msg.UnsubscribeURL) {
		gm.SetHeader(k, v)
	}
	gm.SetBody("text/plain", msg.Text)

	if err := m.dialer.DialAndSend(gm); err != nil {
		return nil, apperr.Upstream(err, "mailer: smtp send")
	}
	return &Receipt{Provider: DriverSMTP, MessageID: id}, nil
}

// messageID derives a stable Message-ID from the idempotency key so a resent
// message threads with the first copy.
func messageID(key, from string) string {
	domain := "localhost"
	if addr, err := mail.ParseAddress(from); err == nil {
		if at := strings.LastIndex(addr.Address, "@"); at >= 0 {
			domain = addr.Address[at+1:]
		}
	}
	local := uuid.NewString()
	if key != "" {
		local = uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
	}
	return fmt.Sprintf("<%s@%s>", local, domain)
}
