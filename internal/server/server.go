// Package server exposes remote ledgers over HTTP so devices can sync through
// httpremote.Client. Every user owns a separate ledger.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/remote"
)

// Config configures a Server.
type Config struct {
	Addr       string            `koanf:"addr"`
	JWTSecret  string            `koanf:"jwt_secret"`
	TokenTTL   time.Duration     `koanf:"token_ttl"`
	Users      map[string]string `koanf:"users"` // username -> bcrypt hash
	LedgerFile string            `koanf:"ledger_file"` // JSON object of username -> ledger
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	cfg    Config
	tokens *tokenIssuer
	router chi.Router
	logger *slog.Logger

	mu      sync.Mutex
	ledgers map[string]*remote.Ledger

	saveMu sync.Mutex
}

// SessionRequest is the body of POST /v1/session.
type SessionRequest = remote.Credentials

// ChangesRequest is the body of POST /v1/changes.
type ChangesRequest struct {
	Changes []remote.Change `json:"changes"`
}

// RecordsResponse is the body returned by GET /v1/records.
type RecordsResponse struct {
	Records []remote.Record `json:"records"`
	Head    int64           `json:"head"`
}

// ReplaceRequest is the body of PUT /v1/records.
type ReplaceRequest struct {
	Cards []domain.Card `json:"cards"`
}

// ReplaceResponse is returned by PUT /v1/records.
type ReplaceResponse struct {
	Head int64 `json:"head"`
}

// New creates and configures a new server. When cfg.LedgerFile exists its
// dataset is loaded, and every change is written back to it.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	tokens, err := newTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		tokens:  tokens,
		router:  chi.NewRouter(),
		logger:  logger.With(slog.String("component", "sync_server")),
		ledgers: make(map[string]*remote.Ledger),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.routes()
	return s, nil
}

// Ledger returns the dataset of user, creating an empty one on first use.
func (s *Server) Ledger(user string) *remote.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[user]
	if !ok {
		l = remote.NewLedger()
		s.ledgers[user] = l
	}
	return l
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes sets up the routing for the server.
func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)

	s.router.Get("/healthz", s.handleHealth())

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/session", s.handleCreateSession())

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/records", s.handleGetRecords())
			r.Post("/changes", s.handlePostChanges())
			r.Put("/records", s.handlePutRecords())
		})
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// handleHealth reports liveness.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// handleCreateSession checks credentials and issues a bearer token.
func (s *Server) handleCreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SessionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !s.checkPassword(req.Username, req.Password) {
			s.logger.Info("rejected login", "user", req.Username)
			respondError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}

		sess, err := s.tokens.issue(req.Username)
		if err != nil {
			s.logger.Error("failed to issue session token", "user", req.Username, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		respondJSON(w, http.StatusOK, sess)
	}
}

// handleGetRecords returns every record newer than ?since=.
func (s *Server) handleGetRecords() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since int64
		if v := r.URL.Query().Get("since"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				respondError(w, http.StatusBadRequest, "since must be a non-negative integer")
				return
			}
			since = n
		}
		ledger := s.Ledger(userFrom(r.Context()))
		respondJSON(w, http.StatusOK, RecordsResponse{Records: ledger.Since(since), Head: ledger.Head()})
	}
}

// handlePostChanges merges pushed changes into the user's ledger.
func (s *Server) handlePostChanges() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChangesRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		res := s.Ledger(userFrom(r.Context())).Apply(req.Changes)
		if err := s.save(); err != nil {
			s.logger.Error("failed to persist ledger", "error", err)
			respondError(w, http.StatusInternalServerError, "failed to persist changes")
			return
		}
		s.logger.Info("applied changes",
			"user", userFrom(r.Context()),
			"accepted", len(res.Accepted),
			"rejected", len(res.Rejected))
		respondJSON(w, http.StatusOK, res)
	}
}

// handlePutRecords replaces the user's whole dataset.
func (s *Server) handlePutRecords() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReplaceRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		for _, c := range req.Cards {
			if c.ID == "" {
				respondError(w, http.StatusBadRequest, "every card needs an id")
				return
			}
		}

		head := s.Ledger(userFrom(r.Context())).Reset(req.Cards)
		if err := s.save(); err != nil {
			s.logger.Error("failed to persist ledger", "error", err)
			respondError(w, http.StatusInternalServerError, "failed to persist dataset")
			return
		}
		s.logger.Warn("dataset replaced", "user", userFrom(r.Context()), "cards", len(req.Cards), "head", head)
		respondJSON(w, http.StatusOK, ReplaceResponse{Head: head})
	}
}

func (s *Server) load() error {
	if s.cfg.LedgerFile == "" {
		return nil
	}
	data, err := os.ReadFile(s.cfg.LedgerFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read ledger file: %w", err)
	}
	ledgers := make(map[string]*remote.Ledger)
	if err := json.Unmarshal(data, &ledgers); err != nil {
		return fmt.Errorf("failed to decode ledger file: %w", err)
	}
	for user, l := range ledgers {
		if l == nil {
			return fmt.Errorf("failed to decode ledger file: no ledger for user %q", user)
		}
	}
	s.ledgers = ledgers
	s.logger.Info("loaded ledgers", "path", s.cfg.LedgerFile, "users", len(ledgers))
	return nil
}

// save writes every ledger to cfg.LedgerFile through a temp file and rename.
func (s *Server) save() error {
	if s.cfg.LedgerFile == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	ledgers := make(map[string]*remote.Ledger, len(s.ledgers))
	for user, l := range s.ledgers {
		ledgers[user] = l
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(ledgers, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.cfg.LedgerFile), ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.cfg.LedgerFile); err != nil {
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
