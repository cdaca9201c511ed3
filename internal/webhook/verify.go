package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/outreach-cli/internal/apperr"
)

// Signature headers sent by the provider (Svix scheme).
const (
	HeaderID        = "svix-id"
	HeaderTimestamp = "svix-timestamp"
	HeaderSignature = "svix-signature"
)

const (
	secretPrefix     = "whsec_"
	defaultTolerance = 5 * time.Minute
)

// Verifier checks that a webhook request was signed with the shared secret.
type Verifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier decodes a "whsec_<base64>" signing secret.
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, apperr.Config("webhook: signing secret is empty")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, err, "webhook: decode signing secret")
	}
	return &Verifier{key: key, tolerance: defaultTolerance, now: time.Now}, nil
}

// Verify returns an apperr.KindAuth error unless one of the v1 signatures
// in h matches body and the timestamp is within tolerance.
func (v *Verifier) Verify(h http.Header, body []byte) error {
	id := h.Get(HeaderID)
	ts := h.Get(HeaderTimestamp)
	sigs := h.Get(HeaderSignature)
	if id == "" || ts == "" || sigs == "" {
		return apperr.Auth("webhook: missing signature headers")
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return apperr.Auth("webhook: invalid signature timestamp")
	}
	skew := v.now().Sub(time.Unix(sec, 0))
	if skew > v.tolerance || skew < -v.tolerance {
		return apperr.Auth("webhook: signature timestamp out of tolerance")
	}

	expected := v.sign(id, ts, body)
	for _, part := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(part, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return apperr.Auth("webhook: no matching signature")
}

// Sign returns a v1 signature header value for the given message.
func (v *Verifier) Sign(id string, ts time.Time, body []byte) string {
	return "v1," + base64.StdEncoding.EncodeToString(v.sign(id, strconv.FormatInt(ts.Unix(), 10), body))
}

func (v *Verifier) sign(id, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}
