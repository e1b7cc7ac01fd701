// Package naming is the persistent name service started alongside the daemon.
// Names map to stringified object references and survive restarts.
package naming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	ErrAlreadyBound = errors.New("name already bound")
	ErrNotFound     = errors.New("name not found")
	ErrInvalidName  = errors.New("invalid name")
)

// Service stores bindings in sqlite.
type Service struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time

	// Serializes Bind's check-then-insert.
	mu sync.Mutex
}

func NewService(db *sqlx.DB, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := BindingDBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize naming database: %w", err)
	}
	return &Service{
		db:     db,
		logger: logger.With("component", "NameService"),
		now:    time.Now,
	}, nil
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

// Bind binds name to ref. It fails if name is already bound.
func (s *Service) Bind(ctx context.Context, name, ref string) error {
	if err := checkName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := BindingDBGet(s.db, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%q: %w", name, ErrAlreadyBound)
	}
	if err := BindingDBInsert(s.db, Binding{Name: name, Reference: ref, BoundAt: s.now().UnixMilli()}); err != nil {
		return err
	}
	s.logger.Info("Name bound", "name", name)
	return nil
}

// Rebind binds name to ref, replacing any existing binding.
func (s *Service) Rebind(ctx context.Context, name, ref string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := BindingDBUpsert(s.db, Binding{Name: name, Reference: ref, BoundAt: s.now().UnixMilli()}); err != nil {
		return err
	}
	s.logger.Info("Name rebound", "name", name)
	return nil
}

// Resolve returns the reference bound to name.
func (s *Service) Resolve(ctx context.Context, name string) (string, error) {
	b, err := BindingDBGet(s.db, name)
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return b.Reference, nil
}

// Unbind removes the binding of name.
func (s *Service) Unbind(ctx context.Context, name string) error {
	removed, err := BindingDBDelete(s.db, name)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	s.logger.Info("Name unbound", "name", name)
	return nil
}

// List returns every binding ordered by name.
func (s *Service) List(ctx context.Context) ([]Binding, error) {
	return BindingDBList(s.db)
}

// Serve answers naming requests on ln until ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	s.Register(mux)
	server := &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Name service listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
