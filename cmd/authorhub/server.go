package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/StricklySoft/authorhub/pkg/auth"
	"github.com/StricklySoft/authorhub/pkg/clients/redis"
	sserr "github.com/StricklySoft/authorhub/pkg/errors"
	"github.com/StricklySoft/authorhub/pkg/lifecycle"
)

const serviceName = "authorhub"

// server is the wired HTTP service. newServer builds it without starting
// anything; run drives the lifecycle.
type server struct {
	cfg     ServeConfig
	logger  *slog.Logger
	handler http.Handler
	service *lifecycle.Service
	keys    *auth.MetadataCache
	gateway *auth.Gateway
}

// Book is a catalogue entry served by /api/books.
type Book struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
}

var catalogue = []Book{
	{ID: "b-001", Title: "The Left Hand of Darkness", Author: "Ursula K. Le Guin"},
	{ID: "b-002", Title: "Kindred", Author: "Octavia E. Butler"},
	{ID: "b-003", Title: "Solaris", Author: "Stanisław Lem"},
}

// newServer wires the authentication stack for cfg. rdb, when non-nil,
// backs the shared introspection cache and is closed on shutdown;
// otherwise an in-process cache is used.
func newServer(cfg ServeConfig, logger *slog.Logger, reg *prometheus.Registry, rdb *redis.Client) (*server, error) {
	metrics, err := auth.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	var cache auth.IdentityCache
	if rdb != nil {
		cache = auth.NewRedisIdentityCache(rdb, auth.DefaultCacheKeyPrefix)
	} else {
		cache = auth.NewMemoryIdentityCache(time.Minute)
	}

	common := []auth.Option{auth.WithLogger(logger), auth.WithMetrics(metrics)}

	keys, err := auth.NewMetadataCache(cfg.Auth, common...)
	if err != nil {
		return nil, err
	}
	validator, err := auth.NewJWTValidator(cfg.Auth, keys, common...)
	if err != nil {
		return nil, err
	}
	introspector, err := auth.NewIntrospector(cfg.Auth, append(common, auth.WithIdentityCache(cache))...)
	if err != nil {
		return nil, err
	}
	gateway := auth.NewGateway(validator, introspector, common...)

	engine, err := auth.NewPolicyEngine(auth.DefaultPolicies()...)
	if err != nil {
		return nil, err
	}

	s := &server{cfg: cfg, logger: logger, keys: keys, gateway: gateway}

	builder := lifecycle.NewServiceBuilder(serviceName, version).
		WithLogger(logger).
		WithOnStart(s.warmSigningKeys).
		WithCheck("signing_keys", func(ctx context.Context) error {
			_, err := keys.GetCurrent(ctx)
			return err
		}).
		OnStateChange(func(old, new lifecycle.State) {
			logger.Info("service state changed", "from", old.String(), "to", new.String())
		})
	if rdb != nil {
		builder = builder.
			WithCheck("redis", rdb.Health).
			WithOnStop(func(context.Context) error { return rdb.Close() })
	}
	s.service, err = builder.Build()
	if err != nil {
		return nil, err
	}

	s.handler = s.routes(gateway, engine, reg)
	return s, nil
}

// warmSigningKeys loads the first key set so the first request does not
// pay for discovery. A failure is logged; requests retry the load.
func (s *server) warmSigningKeys(ctx context.Context) error {
	set, err := s.keys.GetCurrent(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "signing keys not loaded at startup",
			"metadata_url", s.keys.MetadataURL(),
			"error", err,
		)
		return nil
	}
	s.logger.InfoContext(ctx, "signing keys loaded",
		"issuer", set.Issuer,
		"keys", set.Len(),
	)
	return nil
}

func (s *server) routes(gateway *auth.Gateway, engine *auth.PolicyEngine, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.HTTPMiddleware(gateway))
		r.Get("/me", handleMe)
		r.With(auth.RequirePolicy(engine, auth.PolicyReadScope, auth.WithLogger(s.logger))).Get("/books", handleBooks)
		r.With(auth.RequirePolicy(engine, auth.PolicyAdminRole, auth.WithLogger(s.logger))).Get("/admin/status", s.handleAdminStatus)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Health(r.Context()); err != nil {
		writeJSON(w, sserr.FromError(err).HTTPStatus(), map[string]any{
			"status": "unavailable",
			"state":  s.service.State(),
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "state": s.service.State()})
}

type meResponse struct {
	Subject string      `json:"subject"`
	Source  string      `json:"source"`
	Claims  auth.Claims `json:"claims"`
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, meResponse{
		Subject: identity.Subject(),
		Source:  identity.Source().String(),
		Claims:  identity.Claims().Without(auth.ClaimAccessToken),
	})
}

func handleBooks(w http.ResponseWriter, r *http.Request) {
	author := strings.TrimSpace(r.URL.Query().Get("author"))
	books := make([]Book, 0, len(catalogue))
	for _, b := range catalogue {
		if author == "" || strings.EqualFold(b.Author, author) {
			books = append(books, b)
		}
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"service":      s.service.Info(),
		"metadata_url": s.keys.MetadataURL(),
	}
	if set, err := s.keys.GetCurrent(r.Context()); err == nil {
		status["issuer"] = set.Issuer
		status["signing_keys"] = set.KeyIDs()
		status["keys_fetched_at"] = set.FetchedAt
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newRegistry returns a registry with the Go runtime and process
// collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// openStore connects to Redis when the redis backend is selected.
func openStore(ctx context.Context, cfg ServeConfig) (*redis.Client, error) {
	if !strings.EqualFold(cfg.CacheBackend, "redis") {
		return nil, nil
	}
	return redis.NewClient(ctx, cfg.Redis)
}
