package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/inbound"
	"github.com/goliatone/go-deadlines/webhooks"
)

const (
	DefaultMaxBodyBytes int64 = 1 << 20

	WebhookFlowPath   = "/api/calls/webhooks/flow"
	WebhookStatusPath = "/api/calls/webhooks/status"
	WebhookDTMFPath   = "/api/calls/webhooks/dtmf"
	CallEventsPath    = "/api/diagnostics/call-events"
	CronDeadlinesPath = "/api/cron/check-transfer-deadlines"
)

// Receiver acknowledges a provider callback and hands it off.
type Receiver interface {
	Receive(ctx context.Context, req inbound.Request) (inbound.Receipt, error)
}

type Option func(*Server)

// WithPublicBaseURL sets the externally visible origin used to rebuild the
// signed callback URL behind proxies.
func WithPublicBaseURL(base string) Option {
	return func(s *Server) {
		s.publicBaseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

func WithMaxBodyBytes(limit int64) Option {
	return func(s *Server) {
		if limit > 0 {
			s.maxBodyBytes = limit
		}
	}
}

// WithCronToken sets the shared secret for the cron trigger. An empty token
// rejects every cron request.
func WithCronToken(token string) Option {
	return func(s *Server) {
		s.cronToken = strings.TrimSpace(token)
	}
}

// WithCronRunLog records unauthorized cron attempts.
func WithCronRunLog(runs core.CronRunLog) Option {
	return func(s *Server) {
		s.cronRuns = runs
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(s *Server) {
		s.loggerProvider = provider
	}
}

// Server exposes the provider webhooks, the diagnostics surface and the cron
// trigger. Diagnostics and cron go through the command bus, so the matching
// commands and queries must be registered before requests arrive.
type Server struct {
	receiver       Receiver
	publicBaseURL  string
	maxBodyBytes   int64
	cronToken      string
	cronRuns       core.CronRunLog
	now            func() time.Time
	logger         core.Logger
	loggerProvider core.LoggerProvider
}

func NewServer(receiver Receiver, opts ...Option) (*Server, error) {
	if receiver == nil {
		return nil, core.ConfigError("httpapi: webhook receiver is required", nil)
	}
	s := &Server{
		receiver:     receiver,
		maxBodyBytes: DefaultMaxBodyBytes,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = core.ResolveLogger("httpapi", s.loggerProvider, s.logger)
	return s, nil
}

// Routes builds the chi router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/api/calls/webhooks", func(r chi.Router) {
		r.Post("/flow", s.webhook(webhooks.EventFlow))
		r.Post("/status", s.webhook(webhooks.EventStatus))
		r.Post("/dtmf", s.webhook(webhooks.EventDTMF))
	})

	r.Route("/api/diagnostics", func(r chi.Router) {
		r.Get("/call-events", s.listCallEvents)
		r.Delete("/call-events", s.clearCallEvents)
		r.Get("/call-events/stats", s.callEventStats)
		r.Get("/next-deadline", s.nextDeadline)
		r.Get("/transfers/{transferID}", s.getTransfer)
		r.Get("/transfers/{transferID}/attempts", s.listAttempts)
	})

	r.Get(CronDeadlinesPath, s.checkDeadlines)
	r.Post(CronDeadlinesPath, s.checkDeadlines)
	return r
}

// Handler returns Routes as a plain http.Handler.
func (s *Server) Handler() http.Handler {
	return s.Routes()
}
