// ABOUTME: Gateway orchestrator that wires the store, key ring, bridge and facade
// ABOUTME: Manages the HTTP server and expired-session sweeper lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/2389/parley-gateway/internal/authn"
	"github.com/2389/parley-gateway/internal/bridge"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/keys"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/token"
)

// DefaultSweepInterval is used when sessions.sweep_interval is not configured.
const DefaultSweepInterval = time.Minute

// Gateway orchestrates the parley-gateway server components. It owns the
// store, the authentication facade and the HTTP server, plus the background
// sweeper that expires overdue sessions.
type Gateway struct {
	config     *config.Config
	store      store.Store
	authn      *authn.Authenticator
	httpServer *http.Server
	logger     *slog.Logger

	sweepInterval time.Duration
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildCodec constructs the token codec from the configured key ring.
// Returns nil when the platform_token feature is disabled.
func buildCodec(cfg *config.Config, logger *slog.Logger) (*token.Codec, error) {
	if !cfg.Features.PlatformToken {
		logger.Warn("platform tokens disabled - token endpoints will refuse requests")
		return nil, nil
	}

	previous := make([]keys.Key, 0, len(cfg.Keys.Previous))
	for _, k := range cfg.Keys.Previous {
		previous = append(previous, keys.Key{ID: k.ID, Secret: []byte(k.Secret)})
	}

	var opts []keys.RingOption
	if cfg.Keys.MaxPrevious > 0 {
		opts = append(opts, keys.WithMaxPrevious(cfg.Keys.MaxPrevious))
	}
	opts = append(opts, keys.WithLogger(logger))

	ring, err := keys.NewRing(
		keys.Key{ID: cfg.Keys.Active.ID, Secret: []byte(cfg.Keys.Active.Secret)},
		previous, opts...)
	if err != nil {
		return nil, fmt.Errorf("building key ring: %w", err)
	}

	return token.NewCodec(ring), nil
}

// buildBridge constructs the OAuth2 bridge against the configured provider.
// Returns nil when the auth_during_comm feature is disabled.
func buildBridge(cfg *config.Config, states bridge.StateStore, logger *slog.Logger) (*bridge.Bridge, error) {
	if !cfg.Features.AuthDuringComm {
		logger.Warn("mid-session authentication disabled - auth endpoints will refuse requests")
		return nil, nil
	}

	b, err := bridge.New(bridge.Config{
		Name:            cfg.Provider.Name,
		ClientID:        cfg.Provider.ClientID,
		ClientSecret:    cfg.Provider.ClientSecret,
		AuthURL:         cfg.Provider.AuthURL,
		TokenURL:        cfg.Provider.TokenURL,
		RedirectURL:     cfg.Provider.RedirectURL,
		Scopes:          cfg.Provider.Scopes,
		UserInfoURL:     cfg.Provider.UserInfoURL,
		StateTTL:        cfg.Provider.StateTTL,
		ExchangeTimeout: cfg.Provider.ExchangeTimeout,
	}, states, logger)
	if err != nil {
		return nil, fmt.Errorf("building bridge: %w", err)
	}
	return b, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	codec, err := buildCodec(cfg, logger)
	if err != nil {
		return nil, err
	}

	br, err := buildBridge(cfg, s, logger)
	if err != nil {
		return nil, err
	}

	auth := authn.New(s, codec, br, authn.Policy{
		TokenTTL:              cfg.Sessions.TokenTTL,
		SessionTTL:            cfg.Sessions.SessionTTL,
		RequireAuthBeforeJoin: cfg.Sessions.RequireAuthBeforeJoin,
		ConflictRetries:       cfg.Sessions.ConflictRetries,
	}, logger)

	sweepInterval := cfg.Sessions.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = DefaultSweepInterval
	}

	gw := &Gateway{
		config:        cfg,
		store:         s,
		authn:         auth,
		logger:        logger.With("component", "gateway"),
		sweepInterval: sweepInterval,
	}

	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("/health", gw.handleHealth)

	// Session and token API
	mux.HandleFunc("/api/sessions", gw.handleSessions)
	mux.HandleFunc("/api/sessions/", gw.handleSessionRoutes)
	mux.HandleFunc("/api/tokens/validate", gw.handleValidateToken)

	// OAuth2 callback answered by the identity provider
	mux.HandleFunc("/auth/callback", gw.handleAuthCallback)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the HTTP server and the sweeper, then blocks until the context
// is canceled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go g.runSweeper(ctx)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// runSweeper periodically moves sessions past their deadline into Expired.
// Lazy expiry on access already guards correctness; the sweep keeps the
// table from accumulating dead rows between accesses.
func (g *Gateway) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.store.SweepExpired(ctx, time.Now().UTC())
			if err != nil {
				g.logger.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Info("swept expired sessions", "count", n)
			}
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("HTTP shutdown: %w", err)
	}
	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	return firstErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
