package client

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tomyedwab/orbd/activation"
)

const callbackTimeout = 10 * time.Second

// HTTPCallback delivers lifecycle requests to a registered server's callback
// listener. It implements activation.ServerCallback.
type HTTPCallback struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ activation.ServerCallback = (*HTTPCallback)(nil)

// NewHTTPCallback creates a callback for the server listening at baseURL.
// token is the server's activation token and authenticates the daemon to it.
func NewHTTPCallback(baseURL, token string) activation.ServerCallback {
	return &HTTPCallback{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: callbackTimeout},
	}
}

func (cb *HTTPCallback) post(ctx context.Context, action string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.baseURL+"/"+action, nil)
	if err != nil {
		return err
	}
	if cb.token != "" {
		req.Header.Set("Authorization", "Bearer "+cb.token)
	}
	resp, err := cb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s callback: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s callback: %s", action, resp.Status)
	}
	return nil
}

func (cb *HTTPCallback) Shutdown(ctx context.Context) error {
	return cb.post(ctx, "shutdown")
}

func (cb *HTTPCallback) Install(ctx context.Context) error {
	return cb.post(ctx, "install")
}

func (cb *HTTPCallback) Uninstall(ctx context.Context) error {
	return cb.post(ctx, "uninstall")
}

// CallbackHandlers are the hooks a managed server runs when the daemon calls
// back into it. Nil hooks succeed without doing anything.
type CallbackHandlers struct {
	OnShutdown  func(ctx context.Context) error
	OnInstall   func(ctx context.Context) error
	OnUninstall func(ctx context.Context) error
}

// CallbackServer is the managed-server side of HTTPCallback.
type CallbackServer struct {
	token    string
	handlers CallbackHandlers
	logger   *slog.Logger
}

// NewCallbackServer accepts only requests carrying token.
func NewCallbackServer(token string, handlers CallbackHandlers, logger *slog.Logger) *CallbackServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackServer{
		token:    token,
		handlers: handlers,
		logger:   logger.With("component", "CallbackServer"),
	}
}

// Register adds the callback routes under prefix, e.g. "/callback".
func (s *CallbackServer) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("POST "+prefix+"/shutdown", s.wrap("shutdown", s.handlers.OnShutdown))
	mux.HandleFunc("POST "+prefix+"/install", s.wrap("install", s.handlers.OnInstall))
	mux.HandleFunc("POST "+prefix+"/uninstall", s.wrap("uninstall", s.handlers.OnUninstall))
}

func (s *CallbackServer) wrap(action string, fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		s.logger.Info("Callback received", "action", action)
		if fn != nil {
			if err := fn(r.Context()); err != nil {
				s.logger.Error("Callback failed", "action", action, "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
