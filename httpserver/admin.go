package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/pranems/scimserver/endpoint"
	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/scim"
	"github.com/pranems/scimserver/store"
)

// version is the reported server version.
const version = "1.2.0"

// sseKeepalive is how often an idle stream emits a comment frame so
// intermediaries keep the connection open.
const sseKeepalive = 30 * time.Second

// writeJSON writes a plain admin response (not SCIM media type).
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Endpoints.

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var params endpoint.CreateParams
	if err := scim.ReadJSON(r, &params); err != nil {
		scim.WriteError(w, err)
		return
	}
	ep, err := s.endpoints.Create(r.Context(), params)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := s.endpoints.List(r.Context())
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.endpoints.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleGetEndpointByName(w http.ResponseWriter, r *http.Request) {
	ep, err := s.endpoints.GetByName(r.Context(), r.PathValue("name"))
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var params endpoint.UpdateParams
	if err := scim.ReadJSON(r, &params); err != nil {
		scim.WriteError(w, err)
		return
	}
	ep, err := s.endpoints.Update(r.Context(), r.PathValue("id"), params)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.endpoints.Delete(r.Context(), r.PathValue("id")); err != nil {
		scim.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEndpointStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.endpoints.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Log configuration.

func (s *Server) handleGetLogConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.log.Snapshot())
}

// logConfigUpdate is the PUT body; absent fields stay unchanged.
type logConfigUpdate struct {
	Level           *string           `json:"level"`
	Format          *string           `json:"format"`
	CategoryLevels  map[string]string `json:"categoryLevels"`
	EndpointLevels  map[string]string `json:"endpointLevels"`
	IncludePayloads *bool             `json:"includePayloads"`
	IncludeStacks   *bool             `json:"includeStackTraces"`
	MaxPayloadBytes *int              `json:"maxPayloadSizeBytes"`
}

func (s *Server) handlePutLogConfig(w http.ResponseWriter, r *http.Request) {
	var upd logConfigUpdate
	if err := scim.ReadJSON(r, &upd); err != nil {
		scim.WriteError(w, err)
		return
	}
	if upd.Level != nil {
		lvl, err := logging.ParseLevel(*upd.Level)
		if err != nil {
			scim.WriteError(w, scim.ErrInvalidValue(err.Error()))
			return
		}
		s.log.SetLevel(lvl)
	}
	if upd.Format != nil {
		if err := s.log.SetFormat(*upd.Format); err != nil {
			scim.WriteError(w, scim.ErrInvalidValue(err.Error()))
			return
		}
	}
	for category, name := range upd.CategoryLevels {
		lvl, err := logging.ParseLevel(name)
		if err != nil {
			scim.WriteError(w, scim.ErrInvalidValue(err.Error()))
			return
		}
		s.log.SetCategoryLevel(category, lvl)
	}
	for endpointID, name := range upd.EndpointLevels {
		lvl, err := logging.ParseLevel(name)
		if err != nil {
			scim.WriteError(w, scim.ErrInvalidValue(err.Error()))
			return
		}
		s.log.SetEndpointLevel(endpointID, lvl)
	}
	if upd.IncludePayloads != nil {
		s.log.SetIncludePayloads(*upd.IncludePayloads)
	}
	if upd.IncludeStacks != nil {
		s.log.SetIncludeStacks(*upd.IncludeStacks)
	}
	if upd.MaxPayloadBytes != nil {
		s.log.SetMaxPayloadBytes(*upd.MaxPayloadBytes)
	}
	s.log.Info(r.Context(), logging.CategoryGeneral, "log configuration updated", nil)
	writeJSON(w, http.StatusOK, s.log.Snapshot())
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	lvl, err := logging.ParseLevel(r.PathValue("level"))
	if err != nil {
		scim.WriteError(w, scim.ErrInvalidValue(err.Error()))
		return
	}
	s.log.SetLevel(lvl)
	writeJSON(w, http.StatusOK, s.log.Snapshot())
}

func (s *Server) handleSetCategoryLevel(w http.ResponseWriter, r *http.Request) {
	lvl, err := logging.ParseLevel(r.PathValue("level"))
	if err != nil {
		scim.WriteError(w, scim.ErrInvalidValue(err.Error()))
		return
	}
	s.log.SetCategoryLevel(r.PathValue("category"), lvl)
	writeJSON(w, http.StatusOK, s.log.Snapshot())
}

func (s *Server) handleSetEndpointLevel(w http.ResponseWriter, r *http.Request) {
	lvl, err := logging.ParseLevel(r.PathValue("level"))
	if err != nil {
		scim.WriteError(w, scim.ErrInvalidValue(err.Error()))
		return
	}
	s.log.SetEndpointLevel(r.PathValue("endpointId"), lvl)
	writeJSON(w, http.StatusOK, s.log.Snapshot())
}

func (s *Server) handleRemoveEndpointLevel(w http.ResponseWriter, r *http.Request) {
	s.log.RemoveEndpointLevel(r.PathValue("endpointId"))
	writeJSON(w, http.StatusOK, s.log.Snapshot())
}

// entryQueryFromRequest parses the shared ring-buffer filter parameters.
func entryQueryFromRequest(r *http.Request, defaultLimit int) (logging.EntryQuery, error) {
	q := r.URL.Query()
	out := logging.EntryQuery{
		Category:   q.Get("category"),
		RequestID:  q.Get("requestId"),
		EndpointID: q.Get("endpointId"),
		Limit:      defaultLimit,
	}
	if raw := q.Get("level"); raw != "" {
		lvl, err := logging.ParseLevel(raw)
		if err != nil {
			return out, scim.ErrInvalidValue(err.Error())
		}
		out.MinLevel = &lvl
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return out, scim.ErrInvalidValue("limit must be a non-negative integer")
		}
		out.Limit = n
	}
	return out, nil
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	q, err := entryQueryFromRequest(r, 100)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	entries := s.log.Recent(q)
	writeJSON(w, http.StatusOK, map[string]any{
		"totalResults": len(entries),
		"entries":      entries,
	})
}

func (s *Server) handleClearRecentLogs(w http.ResponseWriter, r *http.Request) {
	s.log.ClearRecent()
	w.WriteHeader(http.StatusNoContent)
}

// handleLogStream serves live log entries over Server-Sent Events. The
// subscription is released when the client disconnects.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		scim.WriteError(w, scim.ErrInternal("streaming is not supported"))
		return
	}
	q, err := entryQueryFromRequest(r, 0)
	if err != nil {
		scim.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	filters := map[string]any{}
	if q.MinLevel != nil {
		filters["level"] = q.MinLevel.String()
	}
	if q.Category != "" {
		filters["category"] = q.Category
	}
	if q.RequestID != "" {
		filters["requestId"] = q.RequestID
	}
	if q.EndpointID != "" {
		filters["endpointId"] = q.EndpointID
	}
	connected, _ := json.Marshal(map[string]any{"filters": filters})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
	flusher.Flush()

	entries, cancel := s.log.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, open := <-entries:
			if !open {
				return
			}
			if !entryMatches(e, q) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// entryMatches applies the stream filters to a live entry.
func entryMatches(e logging.Entry, q logging.EntryQuery) bool {
	if q.MinLevel != nil {
		lvl, err := logging.ParseLevel(e.Level)
		if err != nil || lvl < *q.MinLevel {
			return false
		}
	}
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	if q.EndpointID != "" && e.EndpointID != q.EndpointID {
		return false
	}
	if q.RequestID != "" && e.RequestID != q.RequestID {
		return false
	}
	return true
}

// handleLogDownload exports the ring buffer as a timestamped file.
func (s *Server) handleLogDownload(w http.ResponseWriter, r *http.Request) {
	q, err := entryQueryFromRequest(r, 0)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "ndjson" {
		scim.WriteError(w, scim.ErrInvalidValue("format must be json or ndjson"))
		return
	}
	entries := s.log.Recent(q)
	filename := "scim-logs-" + time.Now().UTC().Format("20060102-150405") + "." + format
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if format == "ndjson" {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		for _, e := range entries {
			_ = enc.Encode(e)
		}
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Request-log queries.

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := store.RequestLogQuery{
		Method:        r.URL.Query().Get("method"),
		URLContains:   r.URL.Query().Get("urlContains"),
		Since:         r.URL.Query().Get("since"),
		Until:         r.URL.Query().Get("until"),
		Search:        r.URL.Query().Get("search"),
		IncludeAdmin:  r.URL.Query().Get("includeAdmin") == "true",
		HideKeepalive: r.URL.Query().Get("hideKeepalive") == "true",
		Limit:         50,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			scim.WriteError(w, scim.ErrInvalidValue("status must be an integer"))
			return
		}
		q.Status = n
	}
	if raw := r.URL.Query().Get("hasError"); raw != "" {
		v := raw == "true"
		q.HasError = &v
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			scim.WriteError(w, scim.ErrInvalidValue("limit must be a non-negative integer"))
			return
		}
		q.Limit = n
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			scim.WriteError(w, scim.ErrInvalidValue("offset must be a non-negative integer"))
			return
		}
		q.Offset = n
	}

	rows, total, err := s.store.ListRequestLogs(r.Context(), q)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	logs := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		entry := map[string]any{
			"id":         row.ID,
			"method":     row.Method,
			"url":        row.URL,
			"status":     row.Status,
			"durationMs": row.DurationMs,
			"createdAt":  row.CreatedAt,
		}
		if row.Identifier.Valid {
			entry["identifier"] = row.Identifier.String
		}
		if row.ErrorMessage.Valid {
			entry["errorMessage"] = row.ErrorMessage.String
		}
		logs = append(logs, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalResults": total,
		"logs":         logs,
	})
}

// Runtime info.

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	storage := "sqlite"
	if s.store.IsPostgres() {
		storage = "postgres"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   version,
		"goVersion": runtime.Version(),
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
		"storage":   storage,
		"baseUrl":   s.cfg.Server.BaseURL,
		"auth": map[string]any{
			"sharedSecret": maskSecret(s.cfg.Auth.SharedSecret),
			"jwtSecret":    maskSecret(s.cfg.Auth.JWTSecret),
			"oauthClient":  maskSecret(s.cfg.Auth.OAuthClientSecret),
		},
	})
}

func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	return logging.Redacted
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	db := "ok"
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		db = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": "ok", "database": db})
}

// Token issuance.

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// handleToken implements the client_credentials grant. Credentials come
// from the form body or HTTP basic auth.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.issuer.Enabled() {
		writeJSON(w, http.StatusBadRequest, tokenError{
			Error: "invalid_request", Description: "token endpoint is not configured",
		})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request"})
		return
	}
	if grant := r.PostForm.Get("grant_type"); grant != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, tokenError{
			Error: "unsupported_grant_type", Description: "only client_credentials is supported",
		})
		return
	}

	clientID, clientSecret := r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}
	if !s.issuer.ValidateClient(clientID, clientSecret) {
		s.log.Warn(r.Context(), logging.CategoryOAuth, "token request rejected", map[string]any{
			"clientId": clientID,
		})
		writeJSON(w, http.StatusUnauthorized, tokenError{Error: "invalid_client"})
		return
	}

	token, expiresIn, err := s.issuer.Issue(clientID)
	if err != nil {
		s.log.Error(r.Context(), logging.CategoryOAuth, "token issuance failed", err, nil)
		scim.WriteError(w, scim.ErrInternal("internal server error"))
		return
	}
	s.log.Info(r.Context(), logging.CategoryOAuth, "access token issued", map[string]any{
		"clientId": clientID,
	})
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
	})
}
