package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/orbd/types"
)

// initialServerID is the first id handed out by RegisterServer. Lower ids are
// left for built-in servers registered with explicit ids.
const initialServerID types.ServerID = 1000

// Repository is the persistent store of server definitions. It survives daemon
// restarts; the activation layer only reads from it except for install state.
type Repository struct {
	DB     *sqlx.DB
	logger *slog.Logger

	// Serializes id assignment and check-then-write sequences.
	mu sync.Mutex
}

// NewRepository initializes the schema on db and returns a Repository.
func NewRepository(db *sqlx.DB, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ServerDBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize server database: %w", err)
	}
	return &Repository{
		DB:     db,
		logger: logger.With("component", "Repository"),
	}, nil
}

// GetServer returns the definition registered under serverID.
func (r *Repository) GetServer(ctx context.Context, serverID types.ServerID) (types.ServerDef, error) {
	def, err := ServerDBGet(r.DB, serverID)
	if err != nil {
		return types.ServerDef{}, fmt.Errorf("get server %d: %w", serverID, err)
	}
	if def == nil {
		return types.ServerDef{}, fmt.Errorf("server %d: %w", serverID, types.ErrServerNotRegistered)
	}
	return *def, nil
}

// RegisterServer stores def under a newly assigned id.
func (r *Repository) RegisterServer(ctx context.Context, def types.ServerDef) (types.ServerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	maxID, err := ServerDBMaxID(r.DB)
	if err != nil {
		return 0, fmt.Errorf("register server: %w", err)
	}
	serverID := maxID + 1
	if serverID < initialServerID {
		serverID = initialServerID
	}
	if err := r.insertLocked(serverID, def); err != nil {
		return 0, err
	}
	return serverID, nil
}

// RegisterServerWithID stores def under an explicit id.
func (r *Repository) RegisterServerWithID(ctx context.Context, serverID types.ServerID, def types.ServerDef) error {
	if serverID <= 0 {
		return fmt.Errorf("server id %d: %w", serverID, types.ErrBadServerDefinition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(serverID, def)
}

func (r *Repository) insertLocked(serverID types.ServerID, def types.ServerDef) error {
	if strings.TrimSpace(def.ServerBinary) == "" {
		return fmt.Errorf("server %d has no binary: %w", serverID, types.ErrBadServerDefinition)
	}
	existing, err := ServerDBGet(r.DB, serverID)
	if err != nil {
		return fmt.Errorf("register server %d: %w", serverID, err)
	}
	if existing != nil {
		return fmt.Errorf("server %d: %w", serverID, types.ErrServerAlreadyRegistered)
	}
	if def.ApplicationName != "" {
		other, err := ServerDBGetIDByAppName(r.DB, def.ApplicationName)
		if err != nil {
			return fmt.Errorf("register server %d: %w", serverID, err)
		}
		if other != 0 {
			return fmt.Errorf("application %q is server %d: %w", def.ApplicationName, other, types.ErrServerAlreadyRegistered)
		}
	}

	tx, err := r.DB.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ServerDBInsert(tx, serverID, def); err != nil {
		return fmt.Errorf("register server %d: %w", serverID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.logger.Info("Server registered", "serverID", serverID, "application", def.ApplicationName, "binary", def.ServerBinary)
	return nil
}

// UnregisterServer drops the definition of serverID.
func (r *Repository) UnregisterServer(ctx context.Context, serverID types.ServerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, err := ServerDBGet(r.DB, serverID)
	if err != nil {
		return fmt.Errorf("unregister server %d: %w", serverID, err)
	}
	if def == nil {
		return fmt.Errorf("server %d: %w", serverID, types.ErrServerNotRegistered)
	}
	if err := ServerDBDelete(r.DB, serverID); err != nil {
		return fmt.Errorf("unregister server %d: %w", serverID, err)
	}
	r.logger.Info("Server unregistered", "serverID", serverID)
	return nil
}

// Install marks serverID installed.
func (r *Repository) Install(ctx context.Context, serverID types.ServerID) error {
	return r.setInstalled(serverID, true, types.ErrServerAlreadyInstalled)
}

// MarkUninstalled marks serverID uninstalled.
func (r *Repository) MarkUninstalled(ctx context.Context, serverID types.ServerID) error {
	return r.setInstalled(serverID, false, types.ErrServerAlreadyUninstalled)
}

func (r *Repository) setInstalled(serverID types.ServerID, installed bool, conflict error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, err := ServerDBGet(r.DB, serverID)
	if err != nil {
		return fmt.Errorf("server %d: %w", serverID, err)
	}
	if def == nil {
		return fmt.Errorf("server %d: %w", serverID, types.ErrServerNotRegistered)
	}
	if def.Installed == installed {
		return fmt.Errorf("server %d: %w", serverID, conflict)
	}
	return ServerDBSetInstalled(r.DB, serverID, installed)
}

// IsInstalled reports the install flag of serverID.
func (r *Repository) IsInstalled(ctx context.Context, serverID types.ServerID) (bool, error) {
	def, err := r.GetServer(ctx, serverID)
	if err != nil {
		return false, err
	}
	return def.Installed, nil
}

// ListRegisteredServers returns every registered id in ascending order.
func (r *Repository) ListRegisteredServers(ctx context.Context) ([]types.ServerID, error) {
	return ServerDBListIDs(r.DB)
}

// GetApplicationNames returns the application names of all servers that have one.
func (r *Repository) GetApplicationNames(ctx context.Context) ([]string, error) {
	return ServerDBListAppNames(r.DB)
}

// GetServerID resolves an application name to its server id.
func (r *Repository) GetServerID(ctx context.Context, appName string) (types.ServerID, error) {
	id, err := ServerDBGetIDByAppName(r.DB, appName)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("application %q: %w", appName, types.ErrServerNotRegistered)
	}
	return id, nil
}
