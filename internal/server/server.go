// Package server exposes the HTTP surface: the cron trigger, one-click
// unsubscribe, the email provider webhook, health and metrics.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/outreach"
)

const unsubscribedText = "OK, vous êtes désinscrit(e)."

// Prospector runs one guarded prospect pass.
type Prospector interface {
	Run(ctx context.Context) (*outreach.Report, error)
}

// Unsubscriber applies token opt-outs.
type Unsubscriber interface {
	UnsubscribeByToken(ctx context.Context, token string) (bool, error)
}

// Config holds the server settings.
type Config struct {
	CronSecret  string
	CORSOrigins []string
}

// Deps are the handlers' collaborators. Metrics may be nil.
type Deps struct {
	Runner  Prospector
	Leads   Unsubscriber
	Webhook http.Handler
	Metrics *metrics.Metrics
}

// Server builds the router.
type Server struct {
	cfg  Config
	deps Deps
}

// New creates a Server.
func New(cfg Config, d Deps) *Server {
	return &Server{cfg: cfg, deps: d}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireCronSecret)
		r.Get("/cron/prospect", s.prospect)
		r.Post("/cron/prospect", s.prospect)
	})

	r.Route("/unsubscribe", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins(),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
		r.Get("/", s.unsubscribe)
		r.Post("/", s.unsubscribe)
	})

	if s.deps.Webhook != nil {
		r.Method(http.MethodPost, "/webhooks/email-provider", s.deps.Webhook)
		r.Method(http.MethodPost, "/webhooks/resend", s.deps.Webhook)
	}
	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.cfg.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.CORSOrigins
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type prospectResponse struct {
	OK      bool             `json:"ok"`
	Error   string           `json:"error,omitempty"`
	RunID   string           `json:"run_id,omitempty"`
	DryRun  bool             `json:"dryRun"`
	Sent    int              `json:"sent"`
	Report  []outreach.Entry `json:"report"`
	Skipped map[string]int   `json:"skipped,omitempty"`
}

func (s *Server) prospect(w http.ResponseWriter, r *http.Request) {
	// A dropped scheduler connection must not abort a run half way.
	rep, err := s.deps.Runner.Run(context.WithoutCancel(r.Context()))

	resp := prospectResponse{OK: err == nil, Report: []outreach.Entry{}}
	if rep != nil {
		resp.RunID = rep.RunID
		resp.DryRun = rep.DryRun
		resp.Sent = rep.Sent
		resp.Report = rep.Entries
		resp.Skipped = rep.Skipped
	}
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Error = err.Error()
	status := http.StatusInternalServerError
	if outreach.IsBusy(err) {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" && r.Method == http.MethodPost {
		token = strings.TrimSpace(r.PostFormValue("token"))
	}
	if token == "" {
		http.Error(w, "token missing", http.StatusBadRequest)
		return
	}

	applied, err := s.deps.Leads.UnsubscribeByToken(r.Context(), token)
	if err != nil {
		zap.L().Error("unsubscribe failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.deps.Metrics.Unsubscribe(applied)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(unsubscribedText))
}

// requireCronSecret accepts only "Authorization: Bearer <secret>".
func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.cfg.CronSecret == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, prospectResponse{Error: "unauthorized", Report: []outreach.Entry{}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response failed", zap.Error(err))
	}
}
