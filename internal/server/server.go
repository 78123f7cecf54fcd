package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/endharassment/spamgate/internal/audit"
	"github.com/endharassment/spamgate/internal/ban"
	"github.com/endharassment/spamgate/internal/gate"
	"github.com/endharassment/spamgate/internal/profile"
	"github.com/endharassment/spamgate/internal/sfs"
	"github.com/endharassment/spamgate/internal/store"
	"github.com/go-chi/chi/v5"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string
	DBPath        string
	SettingsPath  string
	AdminAPIKey   string
	SendGridKey   string
	AlertFrom     string
	AlertTo       []string
	AlertInterval time.Duration
	RedisAddr     string
	RateLimits    RateLimiterConfig
}

// Deps are the components the handlers call into.
type Deps struct {
	Checker *gate.Checker
	Audit   *audit.Logger
	Bans    *ban.Controller
	Tracker *profile.Tracker
	Client  *sfs.Client
	Store   store.Store
}

// Server is the HTTP front of the spam gate. The forum host calls the check
// routes before each gated action; moderators use the admin routes.
type Server struct {
	config Config
	deps   Deps
	logger *slog.Logger
	rl     *RateLimiter
	router chi.Router
	now    func() time.Time
}

// NewServer creates a new Server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	limits := cfg.RateLimits
	if limits == (RateLimiterConfig{}) {
		limits = DefaultRateLimiterConfig()
	}
	srv := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
		rl:     NewRateLimiter(limits),
		now:    time.Now,
	}
	srv.router = srv.routes()
	return srv
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(SecurityHeadersMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/check", func(r chi.Router) {
		r.Use(IPRateLimitMiddleware(s.rl, s.rl.config.CheckRequestsPerMin))
		r.Post("/register", s.HandleCheckRegister)
		r.Post("/verify/{purpose}", s.HandleVerify)
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(IPRateLimitMiddleware(s.rl, s.rl.config.AdminRequestsPerMin))
		r.Use(RequireAPIKey(s.config.AdminAPIKey))

		r.Get("/logs", s.HandleListLogs)
		r.Delete("/logs", s.HandleRemoveAllLogs)
		r.Post("/logs/delete", s.HandleRemoveLogs)

		r.Get("/members/{memberID}/track", s.HandleTrackMember)
		r.Post("/members/{memberID}/submit", s.HandleSubmitMember)

		r.Post("/test", s.HandleTestAPI)
		r.Post("/bangroup", s.HandleEnsureBanGroup)
	})

	return r
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stop cleans up server resources.
func (s *Server) Stop() {
	s.rl.Stop()
}
