// Package gateway exposes the orchestrator over HTTP: operational status,
// per-user session and secret management, and the Telegram webhook ingress.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/dispatcher"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/scheduler"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/session"
)

// Config configures the HTTP gateway.
type Config struct {
	Address   string
	AuthToken string

	// DefaultChannel receives the reply of API-initiated commands when the
	// request does not name one.
	DefaultChannel string
}

// Queue is the dispatcher surface the gateway uses.
type Queue interface {
	Enqueue(ctx context.Context, e dispatcher.Entry) (dispatcher.Outcome, error)
	Stats() dispatcher.Stats
}

// Sessions reads session state.
type Sessions interface {
	Current(ctx context.Context, userID string) (*session.Session, error)
}

// Secrets writes per-user skill secrets.
type Secrets interface {
	Put(ctx context.Context, userID, skill, key, value string) error
	Delete(ctx context.Context, userID, skill, key string) error
}

// Agents is the agent cache surface the gateway uses.
type Agents interface {
	Invalidate(userID, reason string)
	Len() int
}

// Health reports channel health.
type Health interface {
	Health() map[string]channels.HealthStatus
}

// Jobs reports housekeeping job status.
type Jobs interface {
	Status() []scheduler.JobStatus
}

// Webhook receives raw Telegram updates.
type Webhook interface {
	CheckWebhookSecret(token string) bool
	HandleUpdate(body []byte) error
}

// Deps groups the collaborators behind the routes. Nil Jobs and Webhook
// disable the corresponding output or route.
type Deps struct {
	Queue    Queue
	Sessions Sessions
	Secrets  Secrets
	Agents   Agents
	Health   Health
	Jobs     Jobs
	Webhook  Webhook
}

// Gateway is the HTTP API server.
type Gateway struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	router    chi.Router
	startedAt time.Time

	mu       sync.Mutex
	server   *http.Server
	serveErr chan error
}

// New creates a gateway and builds its routes.
func New(cfg Config, deps Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8085"
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "telegram"
	}
	g := &Gateway{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		serveErr:  make(chan error, 1),
	}
	g.router = g.routes()
	return g
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.router }

func (g *Gateway) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	r.Get("/health", g.handleHealth)

	if g.deps.Webhook != nil {
		r.Post("/webhook/telegram", g.handleTelegramWebhook)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Get("/status", g.handleStatus)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/session", g.handleGetSession)
			r.Post("/session/new", g.handleNewSession)
			r.Put("/secrets/{skill}/{key}", g.handlePutSecret)
			r.Delete("/secrets/{skill}/{key}", g.handleDeleteSecret)
		})
	})
	return r
}

// Start binds the listen address and serves in the background.
func (g *Gateway) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Address)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", g.cfg.Address, err)
	}

	srv := &http.Server{
		Handler:      g.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()

	if g.cfg.AuthToken == "" && !isLoopback(g.cfg.Address) {
		g.logger.Warn("gateway has no auth token and listens on a non-loopback address",
			"address", g.cfg.Address)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
			select {
			case g.serveErr <- err:
			default:
			}
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Run starts the server and blocks until ctx is done or the server fails,
// then shuts it down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-g.serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(serveErr, g.Stop(shutdownCtx))
}

// Stop gracefully shuts the server down.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.server = nil
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	g.logger.Info("gateway stopped")
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
