// Package api is the reconciliation service's HTTP surface: the batched
// per-table push endpoint, the change-feed pull endpoint, token refresh,
// and health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/marcus/shopsync/internal/serverdb"
	"github.com/marcus/shopsync/internal/sync"
)

// Server is the reconciliation HTTP server.
type Server struct {
	cfg   Config
	http  *http.Server
	store *serverdb.ServerDB
}

// NewServer wires the server over its store.
func NewServer(cfg Config, store *serverdb.ServerDB) *Server {
	s := &Server{cfg: cfg, store: store}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Post("/auth/refresh", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/sync/{table}", s.handlePush)
		r.Get("/sync/pull", s.handlePull)
	})

	return r
}

// Handler exposes the routed handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins listening (non-blocking). At first start with an empty
// token store it seeds one credential pair and logs it for the operator.
func (s *Server) Start() error {
	has, err := s.store.HasCredentials()
	if err != nil {
		return err
	}
	if !has {
		creds, err := s.store.IssueCredentials(s.cfg.TokenValidity)
		if err != nil {
			return err
		}
		slog.Info("seeded initial credentials",
			"token", creds.Token, "refresh_token", creds.RefreshToken,
			"expires_at", creds.ExpiresAt)
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()
	slog.Info("server listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// --- middleware ---

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"client", r.Header.Get("X-Client-ID"),
			"took", time.Since(start).Round(time.Microsecond))
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		valid, err := s.store.ValidToken(token)
		if err != nil {
			slog.Error("validate token", "err", err)
			writeError(w, http.StatusInternalServerError, "internal", "token validation failed")
			return
		}
		if !valid {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- auth ---

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "refresh_token is required")
		return
	}

	creds, ok, err := s.store.RotateCredentials(req.RefreshToken, s.cfg.TokenValidity)
	if err != nil {
		slog.Error("rotate credentials", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "refresh failed")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown refresh token")
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		Token:        creds.Token,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    creds.ExpiresAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

// resolutionFor maps the configured conflict policy to the wire value.
func (s *Server) resolutionFor() sync.Resolution {
	switch s.cfg.ConflictResolution {
	case "client_wins":
		return sync.ClientWins
	case "manual":
		return sync.Manual
	default:
		return sync.ServerWins
	}
}
