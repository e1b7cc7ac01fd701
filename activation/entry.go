package activation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/tomyedwab/orbd/metrics"
	"github.com/tomyedwab/orbd/objref"
	"github.com/tomyedwab/orbd/tokens"
	"github.com/tomyedwab/orbd/types"
)

// EntryState is the activation state of a managed server.
type EntryState int

const (
	// StateCreated means the entry exists but no process has been spawned.
	StateCreated EntryState = iota
	// StateActivating means a process was spawned and has not registered yet.
	StateActivating
	// StateRegistered means the process announced itself and can be located.
	StateRegistered
	// StateHeldDown means the server is disabled until installed or activated again.
	StateHeldDown
	// StateDestroyed is terminal.
	StateDestroyed
)

func (s EntryState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateActivating:
		return "Activating"
	case StateRegistered:
		return "Registered"
	case StateHeldDown:
		return "HeldDown"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "InvalidState"
	}
}

// entryDeps are the collaborators shared by every entry of a registry.
type entryDeps struct {
	repo          Repository
	launcher      Launcher
	issuer        *tokens.Issuer
	events        EventLog
	metrics       *metrics.Metrics
	logger        *slog.Logger
	initialHost   string
	initialPort   int
	lookupTimeout time.Duration
}

type orbEndpoints struct {
	orbID     types.ORBID
	endpoints []types.EndPointInfo
}

// ServerEntry tracks one managed server from its first activation until it is
// destroyed or evicted.
type ServerEntry struct {
	serverID types.ServerID
	def      types.ServerDef
	deps     *entryDeps
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu         sync.Mutex
	state      EntryState
	valid      bool
	generation int // Incremented on every spawn
	orbs       []orbEndpoints
	process    Process
	callback   ServerCallback
	token      string
	// changed is closed and replaced on every state or endpoint change.
	changed chan struct{}
}

func newServerEntry(serverID types.ServerID, def types.ServerDef, deps *entryDeps, limiter *rate.Limiter) *ServerEntry {
	return &ServerEntry{
		serverID: serverID,
		def:      def,
		deps:     deps,
		limiter:  limiter,
		logger:   deps.logger.With("serverID", serverID),
		state:    StateCreated,
		valid:    true,
		changed:  make(chan struct{}),
	}
}

func (e *ServerEntry) ServerID() types.ServerID {
	return e.serverID
}

func (e *ServerEntry) Def() types.ServerDef {
	return e.def
}

func (e *ServerEntry) State() EntryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsActive reports whether the server has registered.
func (e *ServerEntry) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRegistered
}

// IsValid reports the liveness monitor's verdict.
func (e *ServerEntry) IsValid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.valid
}

// Process returns the handle of the most recently spawned process, or nil.
func (e *ServerEntry) Process() Process {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.process
}

// Token returns the activation token of the current activation.
func (e *ServerEntry) Token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

func (e *ServerEntry) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *ServerEntry) holdDownLocked() {
	e.state = StateHeldDown
	e.notifyLocked()
}

func (e *ServerEntry) recordHeldDown(reason string) {
	e.logger.Warn("Server held down", "reason", reason)
	e.deps.metrics.RecordHeldDown()
	if err := e.deps.events.LogHeldDown(e.serverID, reason); err != nil {
		e.logger.Warn("Failed to record event", "error", err)
	}
}

// Activate spawns the server process. It is a no-op while a spawn is pending
// or the server is registered. A refused or failed spawn holds the server
// down.
func (e *ServerEntry) Activate(ctx context.Context) error {
	return e.activate(ctx, true)
}

func (e *ServerEntry) activate(ctx context.Context, throttled bool) error {
	e.mu.Lock()
	switch e.state {
	case StateDestroyed:
		e.mu.Unlock()
		return fmt.Errorf("server %d destroyed: %w", e.serverID, types.ErrServerNotActive)
	case StateActivating, StateRegistered:
		e.mu.Unlock()
		return nil
	}
	if throttled && e.limiter != nil && !e.limiter.Allow() {
		e.holdDownLocked()
		e.mu.Unlock()
		e.recordHeldDown("activation rate exceeded")
		e.deps.metrics.RecordSpawn(false)
		return fmt.Errorf("server %d activated too often: %w", e.serverID, types.ErrServerHeldDown)
	}

	var token string
	if e.deps.issuer != nil {
		var err error
		token, _, err = e.deps.issuer.Issue(e.serverID)
		if err != nil {
			e.holdDownLocked()
			e.mu.Unlock()
			e.recordHeldDown(err.Error())
			return fmt.Errorf("server %d: %v: %w", e.serverID, err, types.ErrServerHeldDown)
		}
	}

	old := e.process
	e.state = StateActivating
	e.generation++
	generation := e.generation
	e.orbs = nil
	e.callback = nil
	e.process = nil
	e.token = token
	e.notifyLocked()
	e.mu.Unlock()

	if old != nil && old.Alive() {
		go old.Terminate(context.Background())
	}

	e.logger.Info("Activating server", "binary", e.def.ServerBinary)
	proc, err := e.deps.launcher.Launch(ctx, LaunchRequest{
		ServerID:        e.serverID,
		Def:             e.def,
		InitialHost:     e.deps.initialHost,
		InitialPort:     e.deps.initialPort,
		ActivationToken: token,
	})

	e.mu.Lock()
	if err != nil {
		stale := e.generation != generation || e.state == StateHeldDown || e.state == StateDestroyed
		if !stale {
			e.holdDownLocked()
		}
		e.mu.Unlock()
		e.deps.metrics.RecordSpawn(false)
		if !stale {
			e.recordHeldDown(err.Error())
		}
		return fmt.Errorf("server %d: spawn failed: %v: %w", e.serverID, err, types.ErrServerHeldDown)
	}
	if e.generation != generation || e.state == StateHeldDown || e.state == StateDestroyed {
		// Uninstalled or destroyed while the spawn was in flight.
		e.mu.Unlock()
		go proc.Terminate(context.Background())
		return fmt.Errorf("server %d no longer activating: %w", e.serverID, types.ErrServerHeldDown)
	}
	e.process = proc
	e.mu.Unlock()

	e.deps.metrics.RecordSpawn(true)
	e.logger.Info("Server spawned", "pid", proc.PID())
	if err := e.deps.events.LogActivate(e.serverID, proc.PID(), token); err != nil {
		e.logger.Warn("Failed to record event", "error", err)
	}
	return nil
}

// checkTokenLocked rejects a token handed out for an earlier activation.
// Entries activated without an issuer accept any token.
func (e *ServerEntry) checkTokenLocked(token string) error {
	if e.token != "" && token != e.token {
		return fmt.Errorf("server %d: token of another activation: %w", e.serverID, tokens.ErrInvalidToken)
	}
	return nil
}

// Register records the spawned process's callback and marks the server
// registered. token must be the one issued for the current activation. A
// repeated registration replaces the callback.
func (e *ServerEntry) Register(token string, cb ServerCallback) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateDestroyed:
		return fmt.Errorf("server %d destroyed: %w", e.serverID, types.ErrServerNotActive)
	case StateHeldDown:
		return fmt.Errorf("server %d: %w", e.serverID, types.ErrServerHeldDown)
	}
	if err := e.checkTokenLocked(token); err != nil {
		return err
	}
	e.callback = cb
	e.state = StateRegistered
	e.notifyLocked()
	e.logger.Info("Server registered")
	return nil
}

// RegisterPorts records the endpoints of one ORB. Each ORB may register once
// per activation, with the token issued for that activation.
func (e *ServerEntry) RegisterPorts(token string, orbID types.ORBID, endpoints []types.EndPointInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateDestroyed:
		return fmt.Errorf("server %d destroyed: %w", e.serverID, types.ErrServerNotActive)
	case StateHeldDown:
		return fmt.Errorf("server %d: %w", e.serverID, types.ErrServerHeldDown)
	}
	if err := e.checkTokenLocked(token); err != nil {
		return err
	}
	if len(orbID) > objref.MaxORBIDLength {
		return fmt.Errorf("server %d ORB id of %d bytes: %w", e.serverID, len(orbID), types.ErrInvalidORBID)
	}
	for _, orb := range e.orbs {
		if orb.orbID == orbID {
			return fmt.Errorf("server %d ORB %q: %w", e.serverID, orbID, types.ErrORBAlreadyRegistered)
		}
	}
	e.orbs = append(e.orbs, orbEndpoints{
		orbID:     orbID,
		endpoints: append([]types.EndPointInfo(nil), endpoints...),
	})
	e.notifyLocked()
	e.logger.Info("ORB registered", "orbID", orbID, "endpoints", len(endpoints))
	return nil
}

// await blocks until the server is registered and find, called with the
// entry lock held, reports the requested resource present. When the wait
// ends without it, a registered server yields missing() and any other state
// yields ErrServerHeldDown.
func (e *ServerEntry) await(ctx context.Context, find func() bool, missing func() error) error {
	timer := time.NewTimer(e.deps.lookupTimeout)
	defer timer.Stop()

	for {
		e.mu.Lock()
		if !e.valid || e.state == StateHeldDown || e.state == StateDestroyed {
			state := e.state
			e.mu.Unlock()
			return fmt.Errorf("server %d is %s: %w", e.serverID, state, types.ErrServerHeldDown)
		}
		if e.state == StateRegistered && find() {
			e.mu.Unlock()
			return nil
		}
		changed := e.changed
		e.mu.Unlock()

		var cause string
		select {
		case <-changed:
			continue
		case <-timer.C:
			cause = fmt.Sprintf("not available within %v", e.deps.lookupTimeout)
		case <-ctx.Done():
			cause = fmt.Sprintf("wait abandoned: %v", ctx.Err())
		}

		e.mu.Lock()
		registered := e.valid && e.state == StateRegistered
		var err error
		if !registered {
			err = fmt.Errorf("server %d %s: %w", e.serverID, cause, types.ErrServerHeldDown)
		} else if !find() {
			err = missing()
		}
		e.mu.Unlock()
		return err
	}
}

// Lookup returns, for each ORB in registration order, the port of its first
// endpoint of endpointType.
func (e *ServerEntry) Lookup(ctx context.Context, endpointType string) ([]types.ORBPortInfo, error) {
	var ports []types.ORBPortInfo
	find := func() bool {
		ports = ports[:0]
		for _, orb := range e.orbs {
			for _, ep := range orb.endpoints {
				if ep.EndpointType == endpointType {
					ports = append(ports, types.ORBPortInfo{ORBID: orb.orbID, Port: ep.Port})
					break
				}
			}
		}
		return len(ports) > 0
	}
	missing := func() error {
		return fmt.Errorf("server %d endpoint type %q: %w", e.serverID, endpointType, types.ErrNoSuchEndpoint)
	}
	if err := e.await(ctx, find, missing); err != nil {
		return nil, err
	}
	return ports, nil
}

// LookupForORB returns the endpoints published by orbID.
func (e *ServerEntry) LookupForORB(ctx context.Context, orbID types.ORBID) ([]types.EndPointInfo, error) {
	var endpoints []types.EndPointInfo
	find := func() bool {
		for _, orb := range e.orbs {
			if orb.orbID == orbID {
				endpoints = append([]types.EndPointInfo(nil), orb.endpoints...)
				return true
			}
		}
		return false
	}
	missing := func() error {
		return fmt.Errorf("server %d ORB %q: %w", e.serverID, orbID, types.ErrInvalidORBID)
	}
	if err := e.await(ctx, find, missing); err != nil {
		return nil, err
	}
	return endpoints, nil
}

// ORBNames returns the ORBs registered during the current activation, in
// registration order.
func (e *ServerEntry) ORBNames() []types.ORBID {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]types.ORBID, len(e.orbs))
	for i, orb := range e.orbs {
		names[i] = orb.orbID
	}
	return names
}

// Invalidate marks the entry dead. Waiters are released and the registry
// replaces the entry on next use.
func (e *ServerEntry) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.valid {
		return
	}
	e.valid = false
	e.notifyLocked()
}

// checkLiveness invalidates the entry when its process has exited while the
// server was expected to be running. It reports whether it did.
func (e *ServerEntry) checkLiveness() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.valid || e.process == nil || e.process.Alive() {
		return false
	}
	if e.state != StateActivating && e.state != StateRegistered {
		return false
	}
	e.valid = false
	e.notifyLocked()
	return true
}

// Install re-enables a held-down server, or forwards the install request to
// the running server.
func (e *ServerEntry) Install(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateDestroyed:
		e.mu.Unlock()
		return fmt.Errorf("server %d destroyed: %w", e.serverID, types.ErrServerHeldDown)
	case StateHeldDown:
		e.state = StateCreated
		e.notifyLocked()
		e.mu.Unlock()
		return e.activate(ctx, false)
	}
	cb := e.callback
	e.mu.Unlock()

	if cb == nil {
		return nil
	}
	if err := cb.Install(ctx); err != nil {
		return fmt.Errorf("server %d install callback: %v: %w", e.serverID, err, types.ErrServerHeldDown)
	}
	return nil
}

// Uninstall asks the running server to uninstall, holds it down and stops its
// process. With persist the server definition is dropped from the repository.
func (e *ServerEntry) Uninstall(ctx context.Context, persist bool) error {
	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return fmt.Errorf("server %d destroyed: %w", e.serverID, types.ErrServerNotActive)
	}
	cb := e.callback
	proc := e.process
	e.callback = nil
	e.holdDownLocked()
	e.mu.Unlock()
	e.recordHeldDown("uninstalled")

	var errs error
	if cb != nil {
		errs = multierr.Append(errs, cb.Uninstall(ctx))
	}
	if proc != nil {
		errs = multierr.Append(errs, proc.Terminate(ctx))
	}
	if persist {
		errs = multierr.Append(errs, e.deps.repo.UnregisterServer(ctx, e.serverID))
	}
	return errs
}

// Destroy shuts the server down and moves the entry to its terminal state.
func (e *ServerEntry) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return nil
	}
	cb := e.callback
	proc := e.process
	e.callback = nil
	e.state = StateDestroyed
	e.notifyLocked()
	e.mu.Unlock()

	e.logger.Info("Destroying server")
	var errs error
	if cb != nil {
		errs = multierr.Append(errs, cb.Shutdown(ctx))
	}
	if proc != nil {
		errs = multierr.Append(errs, proc.Terminate(ctx))
	}
	return errs
}
