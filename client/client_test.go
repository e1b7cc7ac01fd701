package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tomyedwab/orbd/activation"
	"github.com/tomyedwab/orbd/bootstrap"
	"github.com/tomyedwab/orbd/objref"
	"github.com/tomyedwab/orbd/repository"
	"github.com/tomyedwab/orbd/rpc"
	"github.com/tomyedwab/orbd/tokens"
	"github.com/tomyedwab/orbd/types"
)

type stubProcess struct{ dead atomic.Bool }

func (p *stubProcess) PID() int    { return 4242 }
func (p *stubProcess) Alive() bool { return !p.dead.Load() }
func (p *stubProcess) Terminate(ctx context.Context) error {
	p.dead.Store(true)
	return nil
}

type stubLauncher struct {
	mu     sync.Mutex
	tokens map[types.ServerID]string
}

func (l *stubLauncher) Launch(ctx context.Context, req activation.LaunchRequest) (activation.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[req.ServerID] = req.ActivationToken
	return &stubProcess{}, nil
}

func (l *stubLauncher) token(serverID types.ServerID) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens[serverID]
}

func setupDaemon(t *testing.T) (*Client, *stubLauncher) {
	t.Helper()
	dir := t.TempDir()
	db := sqlx.MustConnect("sqlite3", path.Join(dir, "test_client.db"))
	t.Cleanup(func() { db.Close() })
	repo, err := repository.NewRepository(db, nil)
	require.NoError(t, err)

	issuer := tokens.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	launcher := &stubLauncher{tokens: make(map[types.ServerID]string)}
	registry := activation.NewServerRegistry(activation.RegistryConfig{
		Repository:     repo,
		Launcher:       launcher,
		Issuer:         issuer,
		InitialHost:    "127.0.0.1",
		LookupTimeout:  time.Second,
		ActivationRate: rate.Inf,
	})
	manager, err := activation.NewServerManager(activation.Config{
		Registry:     registry,
		Repository:   repo,
		Hostname:     "127.0.0.1",
		Endpoints:    map[string]int{types.EndpointIIOPClearText: 1049},
		StartupDelay: time.Millisecond,
	})
	require.NoError(t, err)

	boot, err := bootstrap.NewService(dir, nil)
	require.NoError(t, err)
	_, err = boot.Put(bootstrap.KeyServerLocator, "iiop://127.0.0.1:1049/locator", false)
	require.NoError(t, err)

	server, err := rpc.NewServer(rpc.Config{
		Manager:     manager,
		Issuer:      issuer,
		NewCallback: rpc.CallbackFactory(NewHTTPCallback),
		Extra:       boot.Register,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL), launcher
}

func TestErrorsSurviveTheWire(t *testing.T) {
	c, _ := setupDaemon(t)
	ctx := context.Background()

	err := c.Activate(ctx, 42)
	require.ErrorIs(t, err, types.ErrServerNotRegistered)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = c.RegisterServer(ctx, types.ServerDef{})
	require.ErrorIs(t, err, types.ErrBadServerDefinition)

	_, err = c.GetEndpoint(ctx, "SSL")
	require.ErrorIs(t, err, types.ErrNoSuchEndpoint)

	port, err := c.GetEndpoint(ctx, types.EndpointIIOPClearText)
	require.NoError(t, err)
	require.Equal(t, 1049, port)
}

func TestManagedServerLifecycle(t *testing.T) {
	c, launcher := setupDaemon(t)
	ctx := context.Background()

	serverID, err := c.RegisterServer(ctx, types.ServerDef{ApplicationName: "echo", ServerBinary: "/bin/echo"})
	require.NoError(t, err)
	require.NoError(t, c.Activate(ctx, serverID))

	// The managed server's side of the handshake
	var shutdowns atomic.Int32
	token := launcher.token(serverID)
	mux := http.NewServeMux()
	NewCallbackServer(token, CallbackHandlers{
		OnShutdown: func(ctx context.Context) error {
			shutdowns.Add(1)
			return nil
		},
	}, nil).Register(mux, "/callback")
	callbackServer := httptest.NewServer(mux)
	defer callbackServer.Close()

	server := NewClient(c.BaseURL(), WithActivationToken(token))
	endpoints := []types.EndPointInfo{{EndpointType: types.EndpointIIOPClearText, Port: 9999}}
	require.NoError(t, server.RegisterEndpoints(ctx, serverID, "echo", endpoints))
	require.NoError(t, server.Active(ctx, serverID, callbackServer.URL+"/callback"))

	require.ErrorIs(t, c.Activate(ctx, serverID), types.ErrServerAlreadyActive)

	location, err := c.LocateServerForORB(ctx, serverID, "echo")
	require.NoError(t, err)
	if diff := cmp.Diff(types.ServerLocationPerORB{Hostname: "127.0.0.1", Ports: endpoints}, location); diff != "" {
		t.Errorf("unexpected location (-want +got):\n%s", diff)
	}
	port, err := c.GetServerPortForType(ctx, serverID, types.EndpointIIOPClearText)
	require.NoError(t, err)
	require.Equal(t, 9999, port)
	names, err := c.GetORBNames(ctx, serverID)
	require.NoError(t, err)
	require.Equal(t, []types.ORBID{"echo"}, names)
	active, err := c.GetActiveServers(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.ServerID{serverID}, active)

	key := objref.ObjectKey{ServerID: serverID, ORBID: "echo", Payload: []byte("hello")}
	target, err := c.ResolveObject(ctx, key.String())
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("http://127.0.0.1:9999/objects/%s", key.String()), target)

	require.NoError(t, c.Shutdown(ctx, serverID))
	require.EqualValues(t, 1, shutdowns.Load())
	require.ErrorIs(t, c.Shutdown(ctx, serverID), types.ErrServerNotActive)
}

func TestRegistrationNeedsToken(t *testing.T) {
	c, _ := setupDaemon(t)
	ctx := context.Background()

	serverID, err := c.RegisterServer(ctx, types.ServerDef{ServerBinary: "/bin/a"})
	require.NoError(t, err)
	require.NoError(t, c.Activate(ctx, serverID))

	err = c.Active(ctx, serverID, "")
	require.ErrorIs(t, err, ErrUnauthorized)

	forged := NewClient(c.BaseURL(), WithActivationToken("forged"))
	err = forged.RegisterEndpoints(ctx, serverID, "orb", nil)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRepositoryAdmin(t *testing.T) {
	c, _ := setupDaemon(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterServerWithID(ctx, 7, types.ServerDef{ApplicationName: "seven", ServerBinary: "/bin/seven"}))
	require.ErrorIs(t, c.RegisterServerWithID(ctx, 7, types.ServerDef{ServerBinary: "/bin/x"}), types.ErrServerAlreadyRegistered)

	def, err := c.GetServer(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "/bin/seven", def.ServerBinary)

	ids, err := c.ListRegisteredServers(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.ServerID{7}, ids)

	names, err := c.GetApplicationNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"seven"}, names)

	id, err := c.GetServerID(ctx, "seven")
	require.NoError(t, err)
	require.Equal(t, types.ServerID(7), id)

	require.ErrorIs(t, c.Install(ctx, 7), types.ErrServerAlreadyInstalled)
	require.NoError(t, c.Uninstall(ctx, 7))
	require.ErrorIs(t, c.Uninstall(ctx, 7), types.ErrServerAlreadyUninstalled)
	require.NoError(t, c.Install(ctx, 7))

	require.NoError(t, c.UnregisterServer(ctx, 7))
	_, err = c.GetServer(ctx, 7)
	require.ErrorIs(t, err, types.ErrServerNotRegistered)
}

func TestBootstrapLookup(t *testing.T) {
	c, _ := setupDaemon(t)
	ctx := context.Background()

	keys, err := c.BootstrapKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{bootstrap.KeyServerLocator}, keys)

	ref, err := c.ResolveInitial(ctx, bootstrap.KeyServerLocator)
	require.NoError(t, err)
	require.Equal(t, "iiop://127.0.0.1:1049/locator", ref)

	_, err = c.ResolveInitial(ctx, bootstrap.KeyNameService)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestObjectNotExist(t *testing.T) {
	c, _ := setupDaemon(t)
	key := objref.ObjectKey{ServerID: 99, ORBID: "orb"}
	_, err := c.ResolveObject(context.Background(), key.String())
	require.ErrorIs(t, err, ErrObjectNotExist)
}

func TestCallbackServerRejectsWrongToken(t *testing.T) {
	mux := http.NewServeMux()
	var installs atomic.Int32
	NewCallbackServer("right", CallbackHandlers{
		OnInstall: func(ctx context.Context) error {
			installs.Add(1)
			return nil
		},
		OnUninstall: func(ctx context.Context) error {
			return errors.New("disk full")
		},
	}, nil).Register(mux, "")
	ts := httptest.NewServer(mux)
	defer ts.Close()
	ctx := context.Background()

	require.Error(t, NewHTTPCallback(ts.URL, "wrong").Install(ctx))
	require.EqualValues(t, 0, installs.Load())

	cb := NewHTTPCallback(ts.URL+"/", "right")
	require.NoError(t, cb.Install(ctx))
	require.EqualValues(t, 1, installs.Load())
	require.NoError(t, cb.Shutdown(ctx))
	require.Error(t, cb.Uninstall(ctx))
}
