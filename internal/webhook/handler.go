package webhook

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/apperr"
)

const maxBody = 1 << 20

// Handler serves the provider webhook endpoint.
//
// An unverified request gets 401. Once the signature has been verified the
// provider gets 200 for every payload, including malformed, unmatched and
// unknown events, so it never retries a business miss. The one exception is
// a store failure while applying the event: that answers 500 so the provider
// redelivers it once the database is back.
type Handler struct {
	verifier *Verifier
	ingestor *Ingestor
}

// NewHandler creates a Handler.
func NewHandler(v *Verifier, in *Ingestor) *Handler {
	return &Handler{verifier: v, ingestor: in}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(r.Header, body); err != nil {
		zap.L().Warn("webhook: rejected request", zap.Error(err))
		http.Error(w, "Invalid signature", apperr.HTTPStatus(err))
		return
	}

	if _, err := h.ingestor.Ingest(r.Context(), body); err != nil {
		zap.L().Error("webhook: ingest failed", zap.Error(err))
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
