package activation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomyedwab/orbd/types"
)

type fakeRepo struct {
	mu      sync.Mutex
	servers map[types.ServerID]types.ServerDef
	nextID  types.ServerID
}

func newFakeRepo(ids ...types.ServerID) *fakeRepo {
	r := &fakeRepo{servers: make(map[types.ServerID]types.ServerDef), nextID: 1000}
	for _, id := range ids {
		r.servers[id] = types.ServerDef{ApplicationName: fmt.Sprintf("app%d", id), ServerBinary: "/bin/server"}
	}
	return r
}

func (r *fakeRepo) GetServer(ctx context.Context, serverID types.ServerID) (types.ServerDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.servers[serverID]
	if !ok {
		return types.ServerDef{}, fmt.Errorf("server %d: %w", serverID, types.ErrServerNotRegistered)
	}
	return def, nil
}

func (r *fakeRepo) RegisterServer(ctx context.Context, def types.ServerDef) (types.ServerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.servers[id] = def
	return id, nil
}

func (r *fakeRepo) RegisterServerWithID(ctx context.Context, serverID types.ServerID, def types.ServerDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[serverID]; ok {
		return types.ErrServerAlreadyRegistered
	}
	r.servers[serverID] = def
	return nil
}

func (r *fakeRepo) UnregisterServer(ctx context.Context, serverID types.ServerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[serverID]; !ok {
		return fmt.Errorf("server %d: %w", serverID, types.ErrServerNotRegistered)
	}
	delete(r.servers, serverID)
	return nil
}

func (r *fakeRepo) setInstalled(serverID types.ServerID, installed bool, conflict error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.servers[serverID]
	if !ok {
		return fmt.Errorf("server %d: %w", serverID, types.ErrServerNotRegistered)
	}
	if def.Installed == installed {
		return fmt.Errorf("server %d: %w", serverID, conflict)
	}
	def.Installed = installed
	r.servers[serverID] = def
	return nil
}

func (r *fakeRepo) Install(ctx context.Context, serverID types.ServerID) error {
	return r.setInstalled(serverID, true, types.ErrServerAlreadyInstalled)
}

func (r *fakeRepo) MarkUninstalled(ctx context.Context, serverID types.ServerID) error {
	return r.setInstalled(serverID, false, types.ErrServerAlreadyUninstalled)
}

func (r *fakeRepo) ListRegisteredServers(ctx context.Context) ([]types.ServerID, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeRepo) GetApplicationNames(ctx context.Context) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeRepo) GetServerID(ctx context.Context, appName string) (types.ServerID, error) {
	return 0, errors.New("not implemented")
}

type fakeProcess struct {
	pid        int
	dead       atomic.Bool
	terminated atomic.Int32
}

func (p *fakeProcess) PID() int    { return p.pid }
func (p *fakeProcess) Alive() bool { return !p.dead.Load() }

func (p *fakeProcess) Terminate(ctx context.Context) error {
	p.terminated.Add(1)
	p.dead.Store(true)
	return nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	err       error
	delay     time.Duration
	onLaunch  func(LaunchRequest) // Called before the delay
	requests  []LaunchRequest
	processes []*fakeProcess
}

func (l *fakeLauncher) Launch(ctx context.Context, req LaunchRequest) (Process, error) {
	l.mu.Lock()
	delay, err, onLaunch := l.delay, l.err, l.onLaunch
	l.mu.Unlock()
	if onLaunch != nil {
		onLaunch(req)
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, req)
	if err != nil {
		return nil, err
	}
	p := &fakeProcess{pid: 100 + len(l.processes)}
	l.processes = append(l.processes, p)
	return p, nil
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func (l *fakeLauncher) process(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processes[i]
}

type fakeCallback struct {
	shutdowns  atomic.Int32
	installs   atomic.Int32
	uninstalls atomic.Int32
}

func (c *fakeCallback) Shutdown(ctx context.Context) error {
	c.shutdowns.Add(1)
	return nil
}

func (c *fakeCallback) Install(ctx context.Context) error {
	c.installs.Add(1)
	return nil
}

func (c *fakeCallback) Uninstall(ctx context.Context) error {
	c.uninstalls.Add(1)
	return nil
}

type harness struct {
	repo     *fakeRepo
	launcher *fakeLauncher
	registry *ServerRegistry
	manager  *ServerManager
}

const testHostname = "orbd.test"

func newHarness(t *testing.T, repo *fakeRepo, configure ...func(*RegistryConfig)) *harness {
	t.Helper()
	launcher := &fakeLauncher{}
	config := RegistryConfig{
		Repository:     repo,
		Launcher:       launcher,
		InitialHost:    testHostname,
		InitialPort:    1049,
		LookupTimeout:  2 * time.Second,
		ActivationRate: rate.Inf,
	}
	for _, fn := range configure {
		fn(&config)
	}
	registry := NewServerRegistry(config)
	manager, err := NewServerManager(Config{
		Registry:     registry,
		Repository:   repo,
		Hostname:     testHostname,
		Endpoints:    map[string]int{types.EndpointIIOPClearText: 1049},
		StartupDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewServerManager failed: %v", err)
	}
	return &harness{repo: repo, launcher: launcher, registry: registry, manager: manager}
}

// register completes the handshake a spawned server performs.
func (h *harness) register(t *testing.T, serverID types.ServerID, orbID types.ORBID, endpoints ...types.EndPointInfo) *fakeCallback {
	t.Helper()
	ctx := context.Background()
	if err := h.manager.RegisterEndpoints(ctx, serverID, "", orbID, endpoints); err != nil {
		t.Fatalf("RegisterEndpoints failed: %v", err)
	}
	cb := &fakeCallback{}
	if err := h.manager.Active(ctx, serverID, "", cb); err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	return cb
}

func clearText(port int) types.EndPointInfo {
	return types.EndPointInfo{EndpointType: types.EndpointIIOPClearText, Port: port}
}
