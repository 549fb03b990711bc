// Package httpapi exposes the account-management HTTP API used by
// operators and the admin CLI. It is not part of the mail exchange itself;
// the protocol engines consult the same database directly.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailyard/mailyard/consts"
	"github.com/mailyard/mailyard/db"
	"github.com/mailyard/mailyard/logger"
)

// Server represents the HTTP API server
type Server struct {
	name   string
	addr   string
	apiKey string
	db     *db.Database
	server *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Name   string
	Addr   string
	APIKey string
}

// New creates a new HTTP API server
func New(database *db.Database, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	return &Server{
		name:   options.Name,
		addr:   options.Addr,
		apiKey: options.APIKey,
		db:     database,
	}, nil
}

// Start runs the HTTP API server until ctx is cancelled. Fatal errors are
// sent to errChan.
func Start(ctx context.Context, database *db.Database, options ServerOptions, errChan chan error) {
	server, err := New(database, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("HTTP API: Starting server", "name", server.name, "addr", server.addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.setupRoutes(),
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down server", "name", s.name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: Error shutting down server", "name", s.name, "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()

	// Health and metrics bypass API key authentication.
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	api.HandleFunc("/accounts", s.handleCreateAccount).Methods("POST")
	api.HandleFunc("/accounts/{username}", s.handleDeleteAccount).Methods("DELETE")
	api.HandleFunc("/accounts/{username}/password", s.handleUpdatePassword).Methods("PUT")
	api.HandleFunc("/accounts/{username}/exists", s.handleAccountExists).Methods("GET")

	return s.loggingMiddleware(router)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Debug("HTTP API: Request", "name", s.name, "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: Request completed", "name", s.name, "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Failed to encode response", "name", s.name, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Pool.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type createAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	err := s.db.CreateAccount(r.Context(), db.CreateAccountRequest{Username: req.Username, Password: req.Password})
	if err != nil {
		if errors.Is(err, consts.ErrAccountExists) {
			s.writeError(w, http.StatusConflict, "Account already exists")
			return
		}
		logger.Error("HTTP API: Failed to create account", "name", s.name, "username", req.Username, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username, "status": "created"})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.db.ListAccounts(r.Context())
	if err != nil {
		logger.Error("HTTP API: Failed to list accounts", "name", s.name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list accounts")
		return
	}

	type accountInfo struct {
		Username  string    `json:"username"`
		Status    string    `json:"status"`
		CreatedAt time.Time `json:"created_at"`
	}
	result := make([]accountInfo, 0, len(accounts))
	for _, a := range accounts {
		result = append(result, accountInfo{Username: a.Username, Status: a.Status, CreatedAt: a.CreatedAt})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accounts": result})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	err := s.db.DeleteAccount(r.Context(), username)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			s.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		logger.Error("HTTP API: Failed to delete account", "name", s.name, "username", username, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete account")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"username": username, "status": "deleted"})
}

type updatePasswordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	var req updatePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	err := s.db.UpdatePassword(r.Context(), username, req.Password)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			s.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		logger.Error("HTTP API: Failed to update password", "name", s.name, "username", username, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update password")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"username": username, "status": "password updated"})
}

func (s *Server) handleAccountExists(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	exists, err := s.db.AccountExists(r.Context(), username)
	if err != nil {
		logger.Error("HTTP API: Failed to check account", "name", s.name, "username", username, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to check account")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"username": username, "exists": exists})
}
