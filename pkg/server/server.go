// Package server exposes the HTTP API: automation control, rules CRUD, quick
// control, history and per-user configuration.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"

	"github.com/wattkeeper/wattkeeper/pkg/cache"
	"github.com/wattkeeper/wattkeeper/pkg/engine"
	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/pricing"
	"github.com/wattkeeper/wattkeeper/pkg/storage"
	"github.com/wattkeeper/wattkeeper/pkg/weather"
)

const authTokenCookie = "auth_token"

type contextKey string

const userIDContextKey contextKey = "userID"

// tokenVerifier is a function that validates a Google or Apple ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API. All per-user operations derive the user from
// the authenticated OIDC subject.
type Server struct {
	db      storage.Database
	engine  *engine.Engine
	cache   *cache.Metrics
	prices  pricing.Provider
	weather weather.Provider

	listenAddr string
	httpServer *http.Server

	oidcAudiences map[string]string
	oidcVerifiers map[string]tokenVerifier
	bypassAuth    bool
	devUserID     string
	serverName    string
}

// Configured initializes the Server with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(db storage.Database, eng *engine.Engine, c *cache.Metrics, prices pricing.Provider, w weather.Provider) *Server {
	srv := &Server{
		db:         db,
		engine:     eng,
		cache:      c,
		prices:     prices,
		weather:    w,
		serverName: "wattkeeper",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudience := lflag.String("oidc-audience", "", "Google audience/client ID to validate id tokens against")
	oidcAudiences := map[string]string{}
	lflag.JSON(&oidcAudiences, "oidc-audiences", oidcAudiences, "JSON map of provider (google/apple) to audience/client ID")
	devUser := lflag.String("dev-user", "", "Bypass auth and act as this user ID (development only)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr

		if len(oidcAudiences) == 0 && *oidcAudience != "" {
			oidcAudiences = map[string]string{"google": *oidcAudience}
		}
		if len(oidcAudiences) > 0 {
			srv.oidcAudiences = make(map[string]string, len(oidcAudiences))
			srv.oidcVerifiers = make(map[string]tokenVerifier, len(oidcAudiences))
			for n, a := range oidcAudiences {
				var issuer string
				switch n {
				case "google":
					issuer = "https://accounts.google.com"
				case "apple":
					issuer = "https://appleid.apple.com"
				default:
					log.Ctx(context.Background()).Error("unsupported oidc audience client", slog.String("client", n))
					os.Exit(1)
				}
				provider, err := oidc.NewProvider(context.Background(), issuer)
				if err != nil {
					log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("client", n), slog.Any("error", err))
					os.Exit(1)
				}
				srv.oidcVerifiers[n] = provider.Verifier(&oidc.Config{ClientID: a}).Verify
				srv.oidcAudiences[n] = a
			}
		}

		if *devUser != "" {
			if len(srv.oidcAudiences) > 0 {
				log.Ctx(context.Background()).Error("dev-user cannot be combined with oidc audiences")
				os.Exit(1)
			}
			srv.bypassAuth = true
			srv.devUserID = *devUser
		}
		if !srv.bypassAuth && len(srv.oidcAudiences) == 0 {
			log.Ctx(context.Background()).Error("either oidc-audiences or dev-user must be set")
			os.Exit(1)
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/cycle", s.handleRunCycle)
	apiMux.HandleFunc("GET /api/automation", s.handleGetAutomation)
	apiMux.HandleFunc("POST /api/automation", s.handleSetAutomation)
	apiMux.HandleFunc("POST /api/automation/clear", s.handleClearSegments)
	apiMux.HandleFunc("GET /api/rules", s.handleListRules)
	apiMux.HandleFunc("POST /api/rules", s.handleUpsertRule)
	apiMux.HandleFunc("GET /api/rules/{id}", s.handleGetRule)
	apiMux.HandleFunc("DELETE /api/rules/{id}", s.handleDeleteRule)
	apiMux.HandleFunc("GET /api/quickcontrol", s.handleQuickControlStatus)
	apiMux.HandleFunc("POST /api/quickcontrol", s.handleStartQuickControl)
	apiMux.HandleFunc("DELETE /api/quickcontrol", s.handleEndQuickControl)
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/history/prices", s.handleHistoryPrices)
	apiMux.HandleFunc("GET /api/history/actions", s.handleHistoryActions)
	apiMux.HandleFunc("GET /api/metrics", s.handleDayMetrics)
	apiMux.HandleFunc("GET /api/config", s.handleGetConfig)
	apiMux.HandleFunc("POST /api/config", s.handleSetConfig)
	apiMux.HandleFunc("GET /api/sites", s.handleListSites)
	apiMux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	apiMux.HandleFunc("POST /api/auth/login", s.handleLogin)
	apiMux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

func (s *Server) getUserID(r *http.Request) string {
	if userID, ok := r.Context().Value(userIDContextKey).(string); ok {
		return userID
	}
	// we want to have a stack trace when this happens
	panic("no userID in context")
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
