// Package rpc exposes the ServerManager over HTTP/JSON. Resolvers locate and
// activate servers through it, spawned servers register through it, and
// requests for objects of managed servers are forwarded by it.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomyedwab/orbd/activation"
	"github.com/tomyedwab/orbd/audit"
	"github.com/tomyedwab/orbd/metrics"
	"github.com/tomyedwab/orbd/objref"
	"github.com/tomyedwab/orbd/processes"
	"github.com/tomyedwab/orbd/tokens"
	"github.com/tomyedwab/orbd/types"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	defaultEventLimit      = 100
)

// LogSource returns the captured output of a server. *processes.ExecLauncher
// implements it.
type LogSource interface {
	Logs(serverID types.ServerID) ([]processes.LogEntry, bool)
}

// EventSource returns the audit trail of a server. *audit.Logger implements it.
type EventSource interface {
	GetEventsByServerID(serverID types.ServerID, limit int) ([]audit.Event, error)
}

// CallbackFactory builds the callback the daemon uses to reach a registered
// server at callbackURL. token is the server's activation token.
type CallbackFactory func(callbackURL, token string) activation.ServerCallback

// Config holds configuration options for the Server.
type Config struct {
	Manager     *activation.ServerManager
	Issuer      *tokens.Issuer      // Optional, registration is unauthenticated when nil
	NewCallback CallbackFactory     // Optional, registered servers get no callback when nil
	Logs        LogSource           // Optional
	Events      EventSource         // Optional
	Metrics     *metrics.Metrics    // Optional
	Gatherer    prometheus.Gatherer // Optional, /metrics is served when set
	Logger      *slog.Logger        // Optional, defaults to slog.Default()
	// Extra registers additional routes on the same mux, such as the
	// bootstrap lookup.
	Extra func(mux *http.ServeMux)
}

// Server is the daemon's HTTP front end.
type Server struct {
	manager     *activation.ServerManager
	issuer      *tokens.Issuer
	newCallback CallbackFactory
	logs        LogSource
	events      EventSource
	metrics     *metrics.Metrics
	logger      *slog.Logger
	handler     http.Handler
}

// NewServer creates a Server from config.
func NewServer(config Config) (*Server, error) {
	if config.Manager == nil {
		return nil, fmt.Errorf("ServerManager is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager:     config.Manager,
		issuer:      config.Issuer,
		newCallback: config.NewCallback,
		logs:        config.Logs,
		events:      config.Events,
		metrics:     config.Metrics,
		logger:      logger.With("component", "RPCServer"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /activation/servers/{id}/activate", s.handleActivate)
	mux.HandleFunc("POST /activation/servers/{id}/active", s.requireToken(s.handleActive))
	mux.HandleFunc("POST /activation/servers/{id}/endpoints", s.requireToken(s.handleEndpoints))
	mux.HandleFunc("GET /activation/servers/{id}/location", s.handleLocate)
	mux.HandleFunc("GET /activation/servers/{id}/orbs/{orb}/location", s.handleLocateORB)
	mux.HandleFunc("GET /activation/servers/{id}/orbs", s.handleORBNames)
	mux.HandleFunc("GET /activation/servers/{id}/port", s.handlePort)
	mux.HandleFunc("POST /activation/servers/{id}/shutdown", s.handleShutdown)
	mux.HandleFunc("POST /activation/servers/{id}/install", s.handleInstall)
	mux.HandleFunc("POST /activation/servers/{id}/uninstall", s.handleUninstall)
	mux.HandleFunc("GET /activation/servers/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /activation/servers/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /activation/servers", s.handleActiveServers)
	mux.HandleFunc("GET /activation/endpoints/{type}", s.handleEndpoint)

	mux.HandleFunc("POST /repository/servers", s.handleRegisterServer)
	mux.HandleFunc("GET /repository/servers", s.handleListServers)
	mux.HandleFunc("GET /repository/servers/{id}", s.handleGetServer)
	mux.HandleFunc("DELETE /repository/servers/{id}", s.handleUnregisterServer)
	mux.HandleFunc("GET /repository/applications", s.handleApplicationNames)
	mux.HandleFunc("GET /repository/applications/{name}", s.handleApplicationID)

	mux.HandleFunc("/objects/{key}", s.handleObject)
	mux.HandleFunc("/objects/{key}/{rest...}", s.handleObject)

	if config.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}
	if config.Extra != nil {
		config.Extra(mux)
	}
	s.handler = s.instrument(mux)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve answers requests on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func pathServerID(w http.ResponseWriter, r *http.Request) (types.ServerID, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid server id %q", r.PathValue("id")))
		return 0, false
	}
	return types.ServerID(id), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token
}

// withServerID adapts a manager call taking only a server id into a handler
// answering 204 on success.
func (s *Server) withServerID(w http.ResponseWriter, r *http.Request, fn func(context.Context, types.ServerID) error) {
	serverID, ok := pathServerID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), serverID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.withServerID(w, r, s.manager.Activate)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.withServerID(w, r, s.manager.Shutdown)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	s.withServerID(w, r, s.manager.Install)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	s.withServerID(w, r, s.manager.Uninstall)
}

func (s *Server) handleUnregisterServer(w http.ResponseWriter, r *http.Request) {
	s.withServerID(w, r, s.manager.UnregisterServer)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	serverID, ok := pathServerID(w, r)
	if !ok {
		return
	}
	var req ActiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token := bearerToken(r)
	var cb activation.ServerCallback
	if req.CallbackURL != "" && s.newCallback != nil {
		cb = s.newCallback(req.CallbackURL, token)
	}
	if err := s.manager.Active(r.Context(), serverID, token, cb); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	serverID, ok := pathServerID(w, r)
	if !ok {
		return
	}
	var req EndpointsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.manager.RegisterEndpoints(r.Context(), serverID, bearerToken(r), req.ORBID, req.Endpoints); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func endpointTypeParam(r *http.Request) string {
	if t := r.URL.Query().Get("type"); t != "" {
		return t
	}
	return types.EndpointIIOPClearText
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	serverID, ok := pathServerID(w, r)
	if !ok {
		return
	}
	location, err := s.manager.LocateServer(r.Context(), serverID, endpointTypeParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, location)
}

func (s *Server) handleLocateORB(w http.ResponseWriter, r *http.Request) {
	serverID, ok := pathServerID(w, r)
	if !ok {
		return
	}
	location, err := s.manager.LocateServerForORB(r.Context(), serverID, types.ORBID(r.PathValue("orb")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, location)
}

func (s *Server) handleORBNames(w http.ResponseWriter, r *http.Request) {
	serverID, ok := pathServerID(w, r)
	if !ok {
		return
	}
	names, err := s.manager.GetORBNames(r.Context(), serverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	serverID, ok := pathServerID(w, r)
	if !ok {
		return
	}
	endpointType := endpointTypeParam(r)
	port, err := s.manager.GetServerPortForType(r.Context(), serverID, endpointType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PortResponse{EndpointType: endpointType, Port: port})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	serverID, ok := pathServerID(w, r)
	if !ok {
		return
	}
	if s.logs == nil {
		writeErrorCode(w, http.StatusNotFound, CodeNotFound, "log capture is not enabled")
		return
	}
	entries, found := s.logs.Logs(serverID)
	if !found {
		writeErrorCode(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("no output captured for server %d", serverID))
		return
	}
	if since := r.URL.Query().Get("since"); since != "" {
		fromID, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid since %q", since))
			return
		}
		filtered := entries[:0:0]
		for _, entry := range entries {
			if entry.ID > fromID {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	serverID, ok := pathServerID(w, r)
	if !ok {
		return
	}
	if s.events == nil {
		writeErrorCode(w, http.StatusNotFound, CodeNotFound, "audit trail is not enabled")
		return
	}
	limit := defaultEventLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid limit %q", l))
			return
		}
		limit = n
	}
	events, err := s.events.GetEventsByServerID(serverID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleActiveServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetActiveServers())
}

func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	endpointType := r.PathValue("type")
	port, err := s.manager.GetEndpoint(endpointType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PortResponse{EndpointType: endpointType, Port: port})
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var req RegisterServerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	// Registered servers start installed, as after servertool's register
	req.Def.Installed = true
	repo := s.manager.Repository()
	serverID := req.ServerID
	var err error
	if serverID != 0 {
		err = repo.RegisterServerWithID(r.Context(), serverID, req.Def)
	} else {
		serverID, err = repo.RegisterServer(r.Context(), req.Def)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterServerResponse{ServerID: serverID})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manager.Repository().ListRegisteredServers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []types.ServerID{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	serverID, ok := pathServerID(w, r)
	if !ok {
		return
	}
	def, err := s.manager.Repository().GetServer(r.Context(), serverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleApplicationNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.manager.Repository().GetApplicationNames(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleApplicationID(w http.ResponseWriter, r *http.Request) {
	serverID, err := s.manager.Repository().GetServerID(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RegisterServerResponse{ServerID: serverID})
}

// handleObject forwards a request for an object of a managed server to the
// server's clear-text endpoint, activating the server first if needed.
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	key, err := objref.ParseKey(r.PathValue("key"))
	if err != nil {
		writeErrorCode(w, http.StatusNotFound, CodeObjectNotExist, err.Error())
		return
	}
	result := s.manager.Handle(r.Context(), key)
	if result.Action != activation.ActionForward {
		// The cause stays in the daemon log.
		writeErrorCode(w, http.StatusNotFound, CodeObjectNotExist, "object does not exist")
		return
	}

	target := result.Reference.ObjectURL()
	if rest := r.PathValue("rest"); rest != "" {
		target += "/" + rest
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}
