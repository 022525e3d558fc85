// Package httpserver wires the SCIM surface, the admin/observability
// surface, and the middleware chain onto one http.Handler.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/pranems/scimserver/auth"
	"github.com/pranems/scimserver/config"
	"github.com/pranems/scimserver/endpoint"
	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/reqlog"
	"github.com/pranems/scimserver/scim"
	"github.com/pranems/scimserver/service"
	"github.com/pranems/scimserver/store"
)

// requestTimeout bounds every handled request.
const requestTimeout = 60 * time.Second

// Server is the HTTP front end.
type Server struct {
	cfg       *config.Config
	log       *logging.Logger
	store     *store.Store
	endpoints *endpoint.Service
	users     *service.Users
	groups    *service.Groups
	buffer    *reqlog.Buffer
	auth      auth.Authenticator
	issuer    *auth.Issuer
	metrics   *metrics
	mux       *http.ServeMux
}

// New assembles the server. The reqlog buffer is owned by the caller and
// flushed after the HTTP listener stops.
func New(cfg *config.Config, log *logging.Logger, st *store.Store, buffer *reqlog.Buffer) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		store:     st,
		endpoints: endpoint.NewService(st, log),
		users:     service.NewUsers(st, log, cfg.Server.BaseURL),
		groups:    service.NewGroups(st, log, cfg.Server.BaseURL),
		buffer:    buffer,
		issuer: auth.NewIssuer(cfg.Auth.OAuthClientID, cfg.Auth.OAuthClientSecret,
			cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLSeconds)*time.Second),
		metrics: newMetrics(log, buffer),
		mux:     http.NewServeMux(),
	}

	var methods []auth.Authenticator
	if cfg.Auth.SharedSecret != "" {
		methods = append(methods, auth.NewSharedSecret(cfg.Auth.SharedSecret))
	}
	if cfg.Auth.JWTSecret != "" {
		methods = append(methods, auth.NewJWT(cfg.Auth.JWTSecret))
	}
	s.auth = auth.NewMulti(methods...)

	s.routes()
	return s
}

// routes registers the SCIM surface twice: unscoped for the default tenant
// and endpoint-scoped for everyone else.
func (s *Server) routes() {
	for _, prefix := range []string{"/scim/v2", "/scim/endpoints/{endpointId}"} {
		s.mux.HandleFunc("GET "+prefix+"/ServiceProviderConfig", s.scoped(s.handleServiceProviderConfig))
		s.mux.HandleFunc("GET "+prefix+"/Schemas", s.scoped(s.handleSchemas))
		s.mux.HandleFunc("GET "+prefix+"/ResourceTypes", s.scoped(s.handleResourceTypes))

		s.mux.HandleFunc("GET "+prefix+"/Users", s.scoped(s.handleListUsers))
		s.mux.HandleFunc("POST "+prefix+"/Users", s.scoped(s.handleCreateUser))
		s.mux.HandleFunc("POST "+prefix+"/Users/.search", s.scoped(s.handleSearchUsers))
		s.mux.HandleFunc("GET "+prefix+"/Users/{id}", s.scoped(s.handleGetUser))
		s.mux.HandleFunc("PUT "+prefix+"/Users/{id}", s.scoped(s.handleReplaceUser))
		s.mux.HandleFunc("PATCH "+prefix+"/Users/{id}", s.scoped(s.handlePatchUser))
		s.mux.HandleFunc("DELETE "+prefix+"/Users/{id}", s.scoped(s.handleDeleteUser))

		s.mux.HandleFunc("GET "+prefix+"/Groups", s.scoped(s.handleListGroups))
		s.mux.HandleFunc("POST "+prefix+"/Groups", s.scoped(s.handleCreateGroup))
		s.mux.HandleFunc("POST "+prefix+"/Groups/.search", s.scoped(s.handleSearchGroups))
		s.mux.HandleFunc("GET "+prefix+"/Groups/{id}", s.scoped(s.handleGetGroup))
		s.mux.HandleFunc("PUT "+prefix+"/Groups/{id}", s.scoped(s.handleReplaceGroup))
		s.mux.HandleFunc("PATCH "+prefix+"/Groups/{id}", s.scoped(s.handlePatchGroup))
		s.mux.HandleFunc("DELETE "+prefix+"/Groups/{id}", s.scoped(s.handleDeleteGroup))
	}

	s.mux.HandleFunc("POST /scim/admin/endpoints", s.handleCreateEndpoint)
	s.mux.HandleFunc("GET /scim/admin/endpoints", s.handleListEndpoints)
	s.mux.HandleFunc("GET /scim/admin/endpoints/by-name/{name}", s.handleGetEndpointByName)
	s.mux.HandleFunc("GET /scim/admin/endpoints/{id}", s.handleGetEndpoint)
	s.mux.HandleFunc("PATCH /scim/admin/endpoints/{id}", s.handleUpdateEndpoint)
	s.mux.HandleFunc("DELETE /scim/admin/endpoints/{id}", s.handleDeleteEndpoint)
	s.mux.HandleFunc("GET /scim/admin/endpoints/{id}/stats", s.handleEndpointStats)

	s.mux.HandleFunc("GET /scim/admin/log-config", s.handleGetLogConfig)
	s.mux.HandleFunc("PUT /scim/admin/log-config", s.handlePutLogConfig)
	s.mux.HandleFunc("PUT /scim/admin/log-config/level/{level}", s.handleSetLogLevel)
	s.mux.HandleFunc("PUT /scim/admin/log-config/category/{category}/{level}", s.handleSetCategoryLevel)
	s.mux.HandleFunc("PUT /scim/admin/log-config/endpoint/{endpointId}/{level}", s.handleSetEndpointLevel)
	s.mux.HandleFunc("DELETE /scim/admin/log-config/endpoint/{endpointId}", s.handleRemoveEndpointLevel)
	s.mux.HandleFunc("GET /scim/admin/log-config/recent", s.handleRecentLogs)
	s.mux.HandleFunc("DELETE /scim/admin/log-config/recent", s.handleClearRecentLogs)
	s.mux.HandleFunc("GET /scim/admin/log-config/stream", s.handleLogStream)
	s.mux.HandleFunc("GET /scim/admin/log-config/download", s.handleLogDownload)

	s.mux.HandleFunc("GET /scim/admin/activity", s.handleActivity)
	s.mux.HandleFunc("GET /scim/admin/logs", s.handleActivity)
	s.mux.HandleFunc("GET /scim/admin/version", s.handleVersion)

	s.mux.HandleFunc("POST /scim/oauth/token", s.handleToken)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.handler())
}

// Handler returns the full middleware chain around the mux.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.contentType(h)
	h = s.authenticate(h)
	h = s.capture(h)
	h = s.instrument(h)
	h = s.cors(h)
	h = s.requestID(h)
	h = s.recoverPanics(h)
	h = s.deadline(h)
	return h
}

// scoped resolves the tenant for a SCIM route before the handler runs. An
// unknown endpoint id is a 404 before anything touches storage.
func (s *Server) scoped(fn func(http.ResponseWriter, *http.Request, *endpoint.Endpoint)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ep, err := s.resolveEndpoint(r)
		if err != nil {
			scim.WriteError(w, err)
			return
		}
		ctx := logging.WithEndpointID(r.Context(), ep.ID)
		fn(w, r.WithContext(ctx), ep)
	}
}

func (s *Server) resolveEndpoint(r *http.Request) (*endpoint.Endpoint, error) {
	if id := r.PathValue("endpointId"); id != "" {
		ep, err := s.endpoints.Get(r.Context(), id)
		if err != nil {
			return nil, scim.ErrNotFound("Endpoint", id)
		}
		if !ep.Active {
			return nil, scim.ErrNotFound("Endpoint", id)
		}
		return ep, nil
	}
	ep, err := s.endpoints.GetByName(r.Context(), endpoint.DefaultEndpointName)
	if err != nil {
		return nil, scim.ErrNotFound("Endpoint", endpoint.DefaultEndpointName)
	}
	return ep, nil
}

func (s *Server) deadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The SSE stream is long-lived and ends when the client leaves.
		if isStreamPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isStreamPath(path string) bool {
	return path == "/scim/admin/log-config/stream"
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
