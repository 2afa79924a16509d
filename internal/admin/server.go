package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/rpc-balancer/internal/domain"
	"github.com/mir00r/rpc-balancer/internal/errors"
	"github.com/mir00r/rpc-balancer/internal/gateway"
	"github.com/mir00r/rpc-balancer/internal/middleware"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// Config holds admin API configuration
type Config struct {
	ListenAddress string                     `yaml:"listen_address"`
	Auth          middleware.JWTConfig       `yaml:"auth"`
	RateLimit     middleware.RateLimitConfig `yaml:"rate_limit"`
}

// Server is the operator-facing HTTP API: backend membership management,
// metrics, and the Prometheus scrape endpoint.
type Server struct {
	config Config
	client *gateway.Client
	server *http.Server
	logger *logger.Logger
}

// New creates the admin server over a running balancing client
func New(config Config, client *gateway.Client, log *logger.Logger) *Server {
	s := &Server{
		config: config,
		client: client,
		logger: log.MiddlewareLogger("admin"),
	}

	router := mux.NewRouter()

	// Probes and scrapes bypass auth and rate limiting
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", client.Collector().Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Recovery(log))
	api.Use(middleware.Logging(log))
	api.Use(middleware.NewRateLimiter(config.RateLimit, log).Limit())
	api.Use(middleware.NewJWTAuth(config.Auth, log).Authenticate())

	api.HandleFunc("/backends", s.handleListBackends).Methods(http.MethodGet)
	api.HandleFunc("/backends", s.handleAddBackend).Methods(http.MethodPost)
	api.HandleFunc("/backends/{id}", s.handleRemoveBackend).Methods(http.MethodDelete)
	api.HandleFunc("/backends/{id}/enabled", s.handleSetEnabled).Methods(http.MethodPut)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         config.ListenAddress,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves the admin API, blocking until Shutdown
func (s *Server) Start() error {
	s.logger.WithField("address", s.config.ListenAddress).Info("Admin API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight admin requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"backends": s.client.Balancer().Registry().Count(),
	})
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.client.Balancer().Registry().Snapshots())
}

type addBackendRequest struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Weight         int    `json:"weight"`
	MaxConnections int    `json:"max_connections"`
}

func (s *Server) handleAddBackend(w http.ResponseWriter, r *http.Request) {
	var req addBackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		s.writeError(w, http.StatusBadRequest, "host and a valid port are required")
		return
	}

	server, err := s.client.AddServer(req.Host, req.Port, domain.ServerOptions{
		Weight:         req.Weight,
		MaxConnections: req.MaxConnections,
	})
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, server.Snapshot())
}

func (s *Server) handleRemoveBackend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.client.RemoveServer(id); err != nil {
		s.writeCallError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req setEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.client.SetServerEnabled(id, req.Enabled); err != nil {
		s.writeCallError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"enabled": req.Enabled,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.client.GetMetrics())
}

// writeCallError maps classified errors to HTTP statuses
func (s *Server) writeCallError(w http.ResponseWriter, err error) {
	ce := errors.AsCallError(err)

	status := http.StatusInternalServerError
	switch ce.Kind {
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindDuplicateBackend, errors.KindAlreadyExists:
		status = http.StatusConflict
	case errors.KindInvalidArgument:
		status = http.StatusBadRequest
	}

	s.writeJSON(w, status, map[string]string{
		"error": ce.Message,
		"kind":  string(ce.Kind),
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode admin response")
	}
}
