package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/reqlog"
	"github.com/pranems/scimserver/scim"
)

// maxCapturedBody bounds how much of a request or response body lands in
// the audit trail.
const maxCapturedBody = 64 * 1024

var sensitiveHeader = regexp.MustCompile(`(?i)authorization|cookie|secret|token`)

// statusRecorder captures the response for auditing. It keeps Flusher
// support so streaming handlers behind it still work.
type statusRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
	limit  int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(p []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	if rec.body.Len() < rec.limit {
		rec.body.Write(p[:min(len(p), rec.limit-rec.body.Len())])
	}
	return rec.ResponseWriter.Write(p)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// recoverPanics turns handler panics into opaque 500s with an ERROR log.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error(r.Context(), logging.CategoryHTTP, "handler panic", nil, map[string]any{
					"panic": v,
					"stack": string(debug.Stack()),
					"path":  r.URL.Path,
				})
				scim.WriteError(w, scim.ErrInternal("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID assigns or echoes the correlation id and installs it in the
// request context for every log line downstream.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// cors honors the configured origins for the admin/UI surface.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, If-None-Match, If-Match, X-Request-Id")
			w.Header().Set("Access-Control-Expose-Headers", "ETag, Location, X-Request-Id")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.Server.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// instrument feeds the Prometheus counters. The route label is the matched
// mux pattern, not the raw path, so cardinality stays bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		s.metrics.inFlight.Inc()
		defer s.metrics.inFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, limit: 0}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.metrics.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// capture audits the request into the reqlog buffer and emits the http
// access log, warning on slow requests.
func (s *Server) capture(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isStreamPath(r.URL.Path) || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		// Bodies always land in the audit record; IncludePayloads gates
		// payloads in log entries, not the audit trail's data model.
		var reqBody []byte
		if r.Body != nil {
			reqBody, _ = io.ReadAll(io.LimitReader(r.Body, maxCapturedBody))
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(reqBody), r.Body))
		}

		rec := &statusRecorder{ResponseWriter: w, limit: maxCapturedBody}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		url := r.URL.Path
		if r.URL.RawQuery != "" {
			url += "?" + r.URL.RawQuery
		}
		s.buffer.Add(reqlog.Record{
			Method:          r.Method,
			URL:             url,
			Status:          rec.status,
			Duration:        elapsed,
			RequestHeaders:  headerJSON(r.Header),
			RequestBody:     logging.SanitizeJSON(string(reqBody), maxCapturedBody),
			ResponseHeaders: headerJSON(rec.Header()),
			ResponseBody:    logging.SanitizeJSON(rec.body.String(), maxCapturedBody),
		})

		level := logging.LevelInfo
		data := map[string]any{"status": rec.status}
		if slow := s.cfg.Server.SlowRequestMillis; slow > 0 && elapsed.Milliseconds() >= int64(slow) {
			level = logging.LevelWarn
			data["slow"] = true
		}
		s.log.HTTPRequest(r.Context(), level, r.Method, url, elapsed.Milliseconds(), data)
	})
}

// headerJSON serializes headers with credential-bearing values masked.
func headerJSON(h http.Header) string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if sensitiveHeader.MatchString(name) {
			out[name] = logging.Redacted
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	data, _ := json.Marshal(out)
	return string(data)
}

// authenticate guards everything except the public probes and the token
// endpoint itself.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/metrics", "/scim/oauth/token":
			next.ServeHTTP(w, r)
			return
		}
		principal, err := s.auth.Authenticate(r)
		if err != nil {
			s.log.Warn(r.Context(), logging.CategoryAuth, "authentication failed", map[string]any{
				"path":   r.URL.Path,
				"reason": err.Error(),
			})
			scim.WriteError(w, scim.NewError(http.StatusUnauthorized, "invalid or missing credentials", ""))
			return
		}
		if principal.ClientID != "" {
			s.log.Trace(r.Context(), logging.CategoryAuth, "authenticated", map[string]any{
				"clientId": principal.ClientID,
			})
		}
		next.ServeHTTP(w, r)
	})
}

// contentType enforces a JSON media type on write methods. Entra sends
// application/scim+json; plain application/json is accepted too.
func (s *Server) contentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if r.URL.Path == "/scim/oauth/token" {
				break
			}
			ct := r.Header.Get("Content-Type")
			if ct == "" && r.ContentLength == 0 {
				break
			}
			mt := strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
			if mt != "application/json" && mt != "application/scim+json" {
				scim.WriteError(w, scim.NewError(http.StatusUnsupportedMediaType,
					"content type must be application/json or application/scim+json", ""))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
