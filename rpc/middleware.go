package rpc

import (
	"net/http"
	"strings"
	"time"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records every request in the HTTP metrics, labelled by the
// matched route pattern rather than the raw path.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		} else if _, after, ok := strings.Cut(route, " "); ok {
			route = after
		}
		s.metrics.RecordHTTPRequest(r.Method, route, rec.status, duration)
		s.logger.Debug("Request handled",
			"remote", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", duration)
	})
}

// requireToken rejects requests whose bearer token was not issued for the
// server named in the path.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.issuer == nil {
			next(w, r)
			return
		}
		serverID, ok := pathServerID(w, r)
		if !ok {
			return
		}
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			writeErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, "missing activation token")
			return
		}
		if _, err := s.issuer.VerifyFor(token, serverID); err != nil {
			s.logger.Warn("Rejected activation token", "serverID", serverID, "error", err)
			writeError(w, err)
			return
		}
		next(w, r)
	}
}
