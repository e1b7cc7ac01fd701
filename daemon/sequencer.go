// Package daemon assembles the activation daemon. Startup runs as a fixed
// sequence of steps and stops at the first failure; after that the daemon
// serves until its context ends.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tomyedwab/orbd/activation"
	"github.com/tomyedwab/orbd/audit"
	"github.com/tomyedwab/orbd/bootstrap"
	"github.com/tomyedwab/orbd/client"
	"github.com/tomyedwab/orbd/config"
	"github.com/tomyedwab/orbd/metrics"
	"github.com/tomyedwab/orbd/naming"
	"github.com/tomyedwab/orbd/objref"
	"github.com/tomyedwab/orbd/processes"
	"github.com/tomyedwab/orbd/repository"
	"github.com/tomyedwab/orbd/rpc"
	"github.com/tomyedwab/orbd/tokens"
	"github.com/tomyedwab/orbd/types"
)

const (
	DatabaseFile  = "orbd.db"
	SecretKeyFile = "activation.key"

	// ORB id of the daemon's own objects in bootstrap references.
	daemonORBID types.ORBID = "orbd"
	namingORBID types.ORBID = "naming"

	eventRetention = 30 * 24 * time.Hour
	teardownSlack  = 5 * time.Second
)

// Repository ids of the objects the daemon binds in the bootstrap service.
var typeIDs = map[string]string{
	bootstrap.KeyServerActivator:  "IDL:activation/ServerActivator:1.0",
	bootstrap.KeyServerLocator:    "IDL:activation/Locator:1.0",
	bootstrap.KeyServerRepository: "IDL:activation/Repository:1.0",
	bootstrap.KeyNameService:      "IDL:omg.org/CosNaming/NamingContext:1.0",
}

// Option customizes a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) {
		s.logger = logger
	}
}

// WithLauncher replaces the os/exec launcher.
func WithLauncher(launcher activation.Launcher) Option {
	return func(s *Sequencer) {
		s.launcher = launcher
	}
}

// Sequencer brings the daemon up one step at a time and then runs it.
type Sequencer struct {
	cfg      config.Config
	logger   *slog.Logger
	launcher activation.Launcher

	firstRun bool
	listener net.Listener
	port     int
	db       *sqlx.DB
	repo     *repository.Repository
	events   *audit.Logger
	metrics  *metrics.Metrics
	registry *activation.ServerRegistry
	manager  *activation.ServerManager
	monitor  *activation.Monitor
	boot     *bootstrap.Service
	server   *rpc.Server
}

// NewSequencer creates a Sequencer for cfg. Nothing is started until
// Bootstrap is called.
func NewSequencer(cfg config.Config, opts ...Option) *Sequencer {
	s := &Sequencer{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "Sequencer")
	return s
}

// Bootstrap runs the startup steps up to and including the built-in server
// activation. Any failure is returned and leaves the daemon unusable; Close
// releases what was acquired so far.
func (s *Sequencer) Bootstrap(ctx context.Context) error {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"create storage directory", s.createStorage},
		{"open bootstrap listener", s.listen},
		{"start activation broker", s.startBroker},
		{"bind initial references", s.bindReferences},
		{"activate built-in servers", s.activateBuiltins},
	}
	for i, step := range steps {
		s.logger.Info("Bootstrap step", "step", i+1, "name", step.name)
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

func (s *Sequencer) createStorage(ctx context.Context) error {
	_, err := os.Stat(s.cfg.Dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.firstRun = true
	case err != nil:
		return err
	}
	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return err
	}
	s.logger.Info("Storage ready", "dir", s.cfg.Dir, "firstRun", s.firstRun)
	return nil
}

func (s *Sequencer) listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return err
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	return nil
}

// endpoints returns the daemon's listener ports by endpoint type. The clear
// text endpoint is always the main listener; other types configured with
// port 0 get a port from the configured range.
func (s *Sequencer) endpoints() (map[string]int, error) {
	pm, err := processes.NewPortManager("", s.cfg.PortRange[0], s.cfg.PortRange[1])
	if err != nil {
		return nil, err
	}
	endpoints := map[string]int{types.EndpointIIOPClearText: s.port}
	if err := pm.Reserve(types.EndpointIIOPClearText, s.port); err != nil {
		return nil, err
	}
	var unassigned []string
	for endpointType, port := range s.cfg.Endpoints {
		switch {
		case endpointType == types.EndpointIIOPClearText:
		case port == 0:
			unassigned = append(unassigned, endpointType)
		default:
			if err := pm.Reserve(endpointType, port); err != nil {
				return nil, err
			}
			endpoints[endpointType] = port
		}
	}
	sort.Strings(unassigned)
	for _, endpointType := range unassigned {
		port, err := pm.Allocate(endpointType)
		if err != nil {
			return nil, err
		}
		endpoints[endpointType] = port
	}
	return endpoints, nil
}

func (s *Sequencer) startBroker(ctx context.Context) error {
	db, err := sqlx.Connect("sqlite3", filepath.Join(s.cfg.Dir, DatabaseFile))
	if err != nil {
		return err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	s.db = db

	s.repo, err = repository.NewRepository(db, s.logger)
	if err != nil {
		return err
	}
	s.events, err = audit.NewLogger(db)
	if err != nil {
		return err
	}
	if pruned, err := s.events.DeleteOldEvents(eventRetention); err != nil {
		s.logger.Warn("Failed to prune activation events", "error", err)
	} else if pruned > 0 {
		s.logger.Info("Pruned activation events", "count", pruned)
	}

	key, err := tokens.LoadSecretKey(filepath.Join(s.cfg.Dir, SecretKeyFile))
	if err != nil {
		return err
	}
	issuer := tokens.NewIssuer(key, 0)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(reg)

	if s.launcher == nil {
		s.launcher = processes.NewExecLauncher(processes.Config{
			Logger:                 s.logger,
			GracefulShutdownPeriod: s.cfg.GracefulShutdown,
		})
	}

	endpoints, err := s.endpoints()
	if err != nil {
		return err
	}

	s.registry = activation.NewServerRegistry(activation.RegistryConfig{
		Repository:      s.repo,
		Launcher:        s.launcher,
		Issuer:          issuer,
		Events:          s.events,
		Metrics:         s.metrics,
		Logger:          s.logger,
		InitialHost:     s.cfg.Hostname,
		InitialPort:     s.port,
		LookupTimeout:   s.cfg.LookupTimeout,
		ActivationRate:  rate.Limit(s.cfg.ActivationRate),
		ActivationBurst: s.cfg.ActivationBurst,
	})
	s.manager, err = activation.NewServerManager(activation.Config{
		Registry:     s.registry,
		Repository:   s.repo,
		Events:       s.events,
		Metrics:      s.metrics,
		Logger:       s.logger,
		Hostname:     s.cfg.Hostname,
		Endpoints:    endpoints,
		StartupDelay: s.cfg.StartupDelay,
	})
	if err != nil {
		return err
	}
	s.metrics.RegisterActiveServers(reg, func() int { return len(s.manager.GetActiveServers()) })

	s.boot, err = bootstrap.NewService(s.cfg.Dir, s.logger)
	if err != nil {
		return err
	}

	rpcConfig := rpc.Config{
		Manager:     s.manager,
		Issuer:      issuer,
		NewCallback: client.NewHTTPCallback,
		Events:      s.events,
		Metrics:     s.metrics,
		Gatherer:    reg,
		Logger:      s.logger,
		Extra:       s.boot.Register,
	}
	if logs, ok := s.launcher.(rpc.LogSource); ok {
		rpcConfig.Logs = logs
	}
	s.server, err = rpc.NewServer(rpcConfig)
	if err != nil {
		return err
	}
	s.logger.Info("Activation broker ready", "serverID", s.cfg.ServerID, "endpoints", endpoints)
	return nil
}

func (s *Sequencer) reference(key string, port int, orbID types.ORBID) string {
	objectKey := objref.ObjectKey{
		ServerID: types.ServerID(s.cfg.ServerID),
		ORBID:    orbID,
		Payload:  []byte(key),
	}
	return objref.NewReference(typeIDs[key], s.cfg.Hostname, port, objectKey).String()
}

// References to the broker depend on the current port, so they are transient.
func (s *Sequencer) bindReferences(ctx context.Context) error {
	for _, key := range []string{
		bootstrap.KeyServerActivator,
		bootstrap.KeyServerLocator,
		bootstrap.KeyServerRepository,
	} {
		if _, err := s.boot.Put(key, s.reference(key, s.port, daemonORBID), false); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) activateBuiltins(ctx context.Context) error {
	if !s.firstRun {
		return nil
	}
	for _, builtin := range s.cfg.BuiltinServers {
		serverID := types.ServerID(builtin.ID)
		if serverID == 0 {
			id, err := s.repo.RegisterServer(ctx, builtin.Def())
			if err != nil {
				return err
			}
			serverID = id
		} else if err := s.repo.RegisterServerWithID(ctx, serverID, builtin.Def()); err != nil {
			return err
		}
		if err := s.manager.Activate(ctx, serverID); err != nil {
			return err
		}
		s.logger.Info("Built-in server activated", "serverID", serverID, "applicationName", builtin.ApplicationName)
	}
	return nil
}

// Run serves until ctx ends, then shuts down every managed server.
func (s *Sequencer) Run(ctx context.Context) error {
	if s.server == nil {
		return fmt.Errorf("daemon not bootstrapped")
	}
	s.monitor = activation.NewMonitor(s.registry, s.cfg.PollInterval, s.events, s.metrics, s.logger)

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.NamingPort > 0 {
		g.Go(func() error {
			s.runNaming(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return s.monitor.Run(gctx)
	})
	g.Go(func() error {
		if err := s.boot.Watch(gctx); err != nil {
			s.logger.Warn("Bootstrap file will not be reloaded", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		s.logger.Info("Serving", "port", s.port)
		return s.server.Serve(gctx, s.listener)
	})
	err := g.Wait()

	teardownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdown+teardownSlack)
	defer cancel()
	return multierr.Append(err, s.manager.ShutdownAll(teardownCtx))
}

// runNaming starts the name service. It is not essential to the daemon, so
// failures are only logged.
func (s *Sequencer) runNaming(ctx context.Context) {
	svc, err := naming.NewService(s.db, s.logger)
	if err != nil {
		s.logger.Error("Name service unavailable", "error", err)
		return
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.NamingPort))
	if err != nil {
		s.logger.Error("Name service unavailable", "error", err)
		return
	}
	ref := s.reference(bootstrap.KeyNameService, s.cfg.NamingPort, namingORBID)
	if _, err := s.boot.Put(bootstrap.KeyNameService, ref, false); err != nil {
		s.logger.Error("Failed to bind name service", "error", err)
	}
	if err := svc.Serve(ctx, ln); err != nil {
		s.logger.Error("Name service stopped", "error", err)
	}
}

// Close releases the listener and database.
func (s *Sequencer) Close() error {
	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	if s.db != nil {
		err = multierr.Append(err, s.db.Close())
	}
	return err
}

func (s *Sequencer) FirstRun() bool {
	return s.firstRun
}

// Port is the port of the bootstrap and activation listener.
func (s *Sequencer) Port() int {
	return s.port
}

func (s *Sequencer) Manager() *activation.ServerManager {
	return s.manager
}

func (s *Sequencer) BootstrapService() *bootstrap.Service {
	return s.boot
}
