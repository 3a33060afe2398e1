// Package vaultapi serves a local vault over the key-vault wire protocol,
// letting other instances use this one as a remote vault.
package vaultapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ripline/ripline/internal/config"
	"github.com/ripline/ripline/internal/vault"
)

// Response codes of the wire protocol.
const (
	codeOK             = 0
	codeAuthRejected   = 1
	codeRateLimited    = 2
	codeInvalidService = 3
	codeInvalidKID     = 4
	codeInvalidKey     = 5
)

// pageSize bounds one GetKeys response.
const pageSize = 500

// response is the envelope every endpoint answers with. HTTP status is
// always 200; the protocol signals errors through the code field.
type response struct {
	Code        int               `json:"code"`
	Message     string            `json:"message,omitempty"`
	ContentKey  string            `json:"content_key,omitempty"`
	ContentKeys map[string]string `json:"content_keys,omitempty"`
	Pages       int               `json:"pages,omitempty"`
	Added       int               `json:"added,omitempty"`
	ServiceList []string          `json:"service_list,omitempty"`
}

// Server exposes one vault over HTTP.
type Server struct {
	cfg        config.ShareConfig
	vault      vault.Vault
	logger     *slog.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// New creates a share server over the given vault.
func New(cfg config.ShareConfig, v vault.Vault, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, vault: v, logger: logger}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(s.recovery)
	router.Use(s.auth)

	router.Post("/", s.handleServices)
	router.Get("/{service}", s.handleGetKeys)
	router.Post("/{service}", s.handleAddKeys)
	router.Get("/{service}/{kid}", s.handleGetKey)
	router.Post("/{service}/{kid}", s.handleAddKey)

	s.router = router
	return s
}

// Handler returns the HTTP handler, for mounting or testing.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("starting key-share server",
		slog.String("address", s.cfg.Address()),
		slog.String("vault", s.vault.Name()),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("starting key-share server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.cfg.Token {
				s.write(w, response{Code: codeAuthRejected, Message: "invalid token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic serving key request",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
				)
				s.write(w, response{Code: codeInvalidService, Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	kid, err := uuid.Parse(normalizeKID(chi.URLParam(r, "kid")))
	if err != nil {
		s.write(w, response{Code: codeInvalidKID, Message: "malformed key ID"})
		return
	}

	key, err := s.vault.GetKey(r.Context(), service, kid)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if key == "" {
		s.write(w, response{Code: codeInvalidKID, Message: "key not found"})
		return
	}
	s.write(w, response{Code: codeOK, ContentKey: key})
}

func (s *Server) handleGetKeys(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	keys, err := s.vault.GetKeys(r.Context(), service)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	kids := make([]string, 0, len(keys))
	for kid := range keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	pages := (len(kids) + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	out := make(map[string]string)
	if start := (page - 1) * pageSize; start < len(kids) {
		end := start + pageSize
		if end > len(kids) {
			end = len(kids)
		}
		for _, kid := range kids[start:end] {
			out[kid] = keys[kid]
		}
	}
	s.write(w, response{Code: codeOK, ContentKeys: out, Pages: pages})
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	kid, err := uuid.Parse(normalizeKID(chi.URLParam(r, "kid")))
	if err != nil {
		s.write(w, response{Code: codeInvalidKID, Message: "malformed key ID"})
		return
	}

	var body struct {
		ContentKey string `json:"content_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.write(w, response{Code: codeInvalidKey, Message: "malformed body"})
		return
	}

	added, err := s.vault.AddKey(r.Context(), service, kid, body.ContentKey)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	n := 0
	if added {
		n = 1
	}
	s.write(w, response{Code: codeOK, Added: n})
}

func (s *Server) handleAddKeys(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	var body struct {
		ContentKeys map[string]string `json:"content_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.write(w, response{Code: codeInvalidKey, Message: "malformed body"})
		return
	}

	keys := make(map[uuid.UUID]string, len(body.ContentKeys))
	for kidHex, key := range body.ContentKeys {
		kid, err := uuid.Parse(normalizeKID(kidHex))
		if err != nil {
			s.write(w, response{Code: codeInvalidKID, Message: "malformed key ID " + kidHex})
			return
		}
		keys[kid] = key
	}

	added, err := s.vault.AddKeys(r.Context(), service, keys)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.write(w, response{Code: codeOK, Added: added})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.vault.Services(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.write(w, response{Code: codeOK, ServiceList: services})
}

func (s *Server) write(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("writing key response", slog.String("error", err.Error()))
	}
}

// writeErr maps vault errors onto wire protocol codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	resp := response{Message: err.Error()}
	switch {
	case errors.Is(err, vault.ErrInvalidService):
		resp.Code = codeInvalidService
	case errors.Is(err, vault.ErrInvalidKID):
		resp.Code = codeInvalidKID
	case errors.Is(err, vault.ErrInvalidKey):
		resp.Code = codeInvalidKey
	case errors.Is(err, vault.ErrNoPermission):
		resp.Code = codeAuthRejected
	case errors.Is(err, vault.ErrRateLimited):
		resp.Code = codeRateLimited
	default:
		resp.Code = codeInvalidService
		resp.Message = "vault error"
		s.logger.Error("vault request failed", slog.String("error", err.Error()))
	}
	s.write(w, resp)
}

// normalizeKID accepts dashed and bare hex KIDs.
func normalizeKID(kid string) string {
	return strings.ToLower(kid)
}
