package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/tomyedwab/orbd/metrics"
	"github.com/tomyedwab/orbd/types"
)

const defaultStartupDelay = time.Second

// Config holds configuration options for the ServerManager.
type Config struct {
	Registry   *ServerRegistry
	Repository Repository
	Events     EventLog         // Optional
	Metrics    *metrics.Metrics // Optional
	Logger     *slog.Logger     // Optional, defaults to slog.Default()
	// Hostname is reported in every location handed to resolvers.
	Hostname string
	// Endpoints are the daemon's own listener ports by endpoint type.
	Endpoints map[string]int
	// StartupDelay is waited after locating a server for a forwarded request
	// so a freshly started process can finish initializing. Defaults to 1s.
	StartupDelay time.Duration
}

// ServerManager is the activator, locator and forwarding hook of the daemon.
// Resolvers and spawned servers only ever talk to it.
type ServerManager struct {
	registry     *ServerRegistry
	repo         Repository
	events       EventLog
	metrics      *metrics.Metrics
	logger       *slog.Logger
	hostname     string
	endpoints    map[string]int
	startupDelay time.Duration
}

// NewServerManager creates a ServerManager from config.
func NewServerManager(config Config) (*ServerManager, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("ServerRegistry is required")
	}
	if config.Repository == nil {
		return nil, fmt.Errorf("Repository is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := config.Events
	if events == nil {
		events = nopEventLog{}
	}
	startupDelay := config.StartupDelay
	if startupDelay == 0 {
		startupDelay = defaultStartupDelay
	}
	endpoints := make(map[string]int, len(config.Endpoints))
	for endpointType, port := range config.Endpoints {
		endpoints[endpointType] = port
	}
	return &ServerManager{
		registry:     config.Registry,
		repo:         config.Repository,
		events:       events,
		metrics:      config.Metrics,
		logger:       logger.With("component", "ServerManager"),
		hostname:     config.Hostname,
		endpoints:    endpoints,
		startupDelay: startupDelay,
	}, nil
}

func (m *ServerManager) Registry() *ServerRegistry {
	return m.registry
}

func (m *ServerManager) Repository() Repository {
	return m.repo
}

func (m *ServerManager) record(err error) {
	if err != nil {
		m.logger.Warn("Failed to record event", "error", err)
	}
}

// Activate starts serverID if it is not running. A held-down server is
// activated again.
func (m *ServerManager) Activate(ctx context.Context, serverID types.ServerID) error {
	if existing := m.registry.Get(serverID); existing != nil && existing.IsValid() {
		switch existing.State() {
		case StateRegistered:
			return fmt.Errorf("server %d: %w", serverID, types.ErrServerAlreadyActive)
		case StateHeldDown:
			m.logger.Info("Reactivating held down server", "serverID", serverID)
			return existing.Activate(ctx)
		case StateActivating:
			return nil
		}
	}

	entry, err := m.registry.GetOrCreate(ctx, serverID)
	if err != nil {
		return err
	}
	if entry.State() == StateHeldDown {
		return fmt.Errorf("server %d: %w", serverID, types.ErrServerHeldDown)
	}
	return nil
}

// Active is called by a spawned server once it is ready to serve. token is
// the activation token the server was started with.
func (m *ServerManager) Active(ctx context.Context, serverID types.ServerID, token string, cb ServerCallback) error {
	entry := m.registry.Get(serverID)
	if entry == nil {
		m.logger.Error("Registration from a server that was never activated", "serverID", serverID)
		return fmt.Errorf("server %d: %w", serverID, types.ErrUnexpectedRegistration)
	}
	if err := entry.Register(token, cb); err != nil {
		return err
	}
	m.metrics.RecordRegistration()
	m.record(m.events.LogRegister(serverID, entry.Token()))
	return nil
}

// RegisterEndpoints records the endpoints of one ORB inside serverID.
func (m *ServerManager) RegisterEndpoints(ctx context.Context, serverID types.ServerID, token string, orbID types.ORBID, endpoints []types.EndPointInfo) error {
	entry := m.registry.Get(serverID)
	if entry == nil {
		m.logger.Error("Endpoints from a server that was never activated", "serverID", serverID, "orbID", orbID)
		return fmt.Errorf("server %d: %w", serverID, types.ErrServerNotRegistered)
	}
	if err := entry.RegisterPorts(token, orbID, endpoints); err != nil {
		return err
	}
	m.metrics.RecordEndpoints()
	m.record(m.events.LogEndpoints(serverID, orbID, endpoints))
	return nil
}

// LocateServer activates serverID if needed and waits for it to register.
func (m *ServerManager) LocateServer(ctx context.Context, serverID types.ServerID, endpointType string) (types.ServerLocation, error) {
	location, err := m.locateServer(ctx, serverID, endpointType)
	m.metrics.RecordLocate("type", locateCode(err))
	return location, err
}

func (m *ServerManager) locateServer(ctx context.Context, serverID types.ServerID, endpointType string) (types.ServerLocation, error) {
	entry, err := m.registry.GetOrCreate(ctx, serverID)
	if err != nil {
		return types.ServerLocation{}, err
	}
	ports, err := entry.Lookup(ctx, endpointType)
	if err != nil {
		return types.ServerLocation{}, err
	}
	return types.ServerLocation{Hostname: m.hostname, Ports: ports}, nil
}

// LocateServerForORB activates serverID if needed and returns the endpoints
// of one of its ORBs.
func (m *ServerManager) LocateServerForORB(ctx context.Context, serverID types.ServerID, orbID types.ORBID) (types.ServerLocationPerORB, error) {
	location, err := m.locateServerForORB(ctx, serverID, orbID)
	m.metrics.RecordLocate("orb", locateCode(err))
	return location, err
}

func (m *ServerManager) locateServerForORB(ctx context.Context, serverID types.ServerID, orbID types.ORBID) (types.ServerLocationPerORB, error) {
	entry, err := m.registry.GetOrCreate(ctx, serverID)
	if err != nil {
		return types.ServerLocationPerORB{}, err
	}
	endpoints, err := entry.LookupForORB(ctx, orbID)
	if err != nil {
		return types.ServerLocationPerORB{}, err
	}
	return types.ServerLocationPerORB{Hostname: m.hostname, Ports: endpoints}, nil
}

func locateCode(err error) string {
	if err == nil {
		return "OK"
	}
	return types.ErrorCode(err)
}

// GetActiveServers returns the ids of live registered servers.
func (m *ServerManager) GetActiveServers() []types.ServerID {
	return m.registry.ListActive()
}

// GetORBNames activates serverID if needed and returns the ORBs it has
// registered so far.
func (m *ServerManager) GetORBNames(ctx context.Context, serverID types.ServerID) ([]types.ORBID, error) {
	entry, err := m.registry.GetOrCreate(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return entry.ORBNames(), nil
}

// GetServerPortForType locates serverID and returns the port its first ORB
// listens on for endpointType.
func (m *ServerManager) GetServerPortForType(ctx context.Context, serverID types.ServerID, endpointType string) (int, error) {
	location, err := m.LocateServer(ctx, serverID, endpointType)
	if err != nil {
		return 0, err
	}
	return location.Ports[0].Port, nil
}

// Shutdown stops serverID and forgets it.
func (m *ServerManager) Shutdown(ctx context.Context, serverID types.ServerID) error {
	entry := m.registry.Remove(serverID)
	if entry == nil {
		return fmt.Errorf("server %d: %w", serverID, types.ErrServerNotActive)
	}
	if err := entry.Destroy(ctx); err != nil {
		m.logger.Warn("Errors while shutting down server", "serverID", serverID, "error", err)
	}
	m.record(m.events.LogShutdown(serverID))
	return nil
}

// ShutdownAll destroys every entry. Used when the daemon exits.
func (m *ServerManager) ShutdownAll(ctx context.Context) error {
	entries := m.registry.RemoveAll()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ServerID() < entries[j].ServerID() })
	var errs error
	for _, entry := range entries {
		if err := entry.Destroy(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("server %d: %w", entry.ServerID(), err))
		}
		m.record(m.events.LogShutdown(entry.ServerID()))
	}
	return errs
}

// Install marks serverID installed and re-enables it.
func (m *ServerManager) Install(ctx context.Context, serverID types.ServerID) error {
	entry, err := m.registry.GetOrCreate(ctx, serverID)
	if err != nil {
		return err
	}
	if err := m.repo.Install(ctx, serverID); err != nil {
		return err
	}
	m.record(m.events.LogInstall(serverID))
	return entry.Install(ctx)
}

// Uninstall marks serverID uninstalled and stops it.
func (m *ServerManager) Uninstall(ctx context.Context, serverID types.ServerID) error {
	if err := m.repo.MarkUninstalled(ctx, serverID); err != nil {
		return err
	}
	m.record(m.events.LogUninstall(serverID))
	if entry := m.registry.Remove(serverID); entry != nil {
		if err := entry.Uninstall(ctx, false); err != nil {
			m.logger.Warn("Errors while uninstalling server", "serverID", serverID, "error", err)
		}
	}
	return nil
}

// UnregisterServer stops serverID and drops its definition.
func (m *ServerManager) UnregisterServer(ctx context.Context, serverID types.ServerID) error {
	entry := m.registry.Remove(serverID)
	if entry == nil {
		if err := m.repo.UnregisterServer(ctx, serverID); err != nil {
			return err
		}
		m.record(m.events.LogUnregistered(serverID))
		return nil
	}
	err := entry.Uninstall(ctx, true)
	if errors.Is(err, types.ErrServerNotRegistered) {
		return err
	}
	if err != nil {
		m.logger.Warn("Errors while unregistering server", "serverID", serverID, "error", err)
	}
	m.record(m.events.LogUnregistered(serverID))
	return nil
}

// GetEndpoint returns the daemon's own port for endpointType.
func (m *ServerManager) GetEndpoint(endpointType string) (int, error) {
	port, ok := m.endpoints[endpointType]
	if !ok {
		return 0, fmt.Errorf("endpoint type %q: %w", endpointType, types.ErrNoSuchEndpoint)
	}
	return port, nil
}
