package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/orbd/activation"
	"github.com/tomyedwab/orbd/bootstrap"
	"github.com/tomyedwab/orbd/client"
	"github.com/tomyedwab/orbd/config"
	"github.com/tomyedwab/orbd/objref"
	"github.com/tomyedwab/orbd/types"
)

type fakeProcess struct {
	pid  int
	dead atomic.Bool
}

func (p *fakeProcess) PID() int    { return p.pid }
func (p *fakeProcess) Alive() bool { return !p.dead.Load() }

func (p *fakeProcess) Terminate(ctx context.Context) error {
	p.dead.Store(true)
	return nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	requests  []activation.LaunchRequest
	processes []*fakeProcess
}

func (l *fakeLauncher) Launch(ctx context.Context, req activation.LaunchRequest) (activation.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProcess{pid: 4000 + len(l.processes)}
	l.requests = append(l.requests, req)
	l.processes = append(l.processes, p)
	return p, nil
}

func (l *fakeLauncher) launched() []activation.LaunchRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]activation.LaunchRequest(nil), l.requests...)
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Dir = filepath.Join(t.TempDir(), "orb.db")
	cfg.Port = 0
	cfg.NamingPort = 0
	cfg.Hostname = "orbd.test"
	cfg.PollInterval = 10 * time.Millisecond
	cfg.LookupTimeout = time.Second
	cfg.GracefulShutdown = time.Second
	return cfg
}

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// startSequencer bootstraps cfg and runs it until the test ends.
func startSequencer(t *testing.T, cfg config.Config, launcher *fakeLauncher) *Sequencer {
	seq := NewSequencer(cfg, WithLauncher(launcher))
	require.NoError(t, seq.Bootstrap(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- seq.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
		require.NoError(t, seq.Close())
	})
	return seq
}

func daemonClient(seq *Sequencer) *client.Client {
	return client.NewClient("http://127.0.0.1:" + strconv.Itoa(seq.Port()))
}

func TestFirstRunActivatesBuiltins(t *testing.T) {
	cfg := testConfig(t)
	cfg.Endpoints = map[string]int{"SSL": 0, "IIOP_CLEAR_TEXT": 1}
	cfg.BuiltinServers = []config.BuiltinServer{
		{ID: 900, ApplicationName: "tnameserv", Binary: "/usr/lib/orbd/tnameserv", Args: []string{"-persistent"}},
	}
	launcher := &fakeLauncher{}
	seq := startSequencer(t, cfg, launcher)
	ctx := context.Background()

	require.True(t, seq.FirstRun())
	requests := launcher.launched()
	require.Len(t, requests, 1)
	require.Equal(t, types.ServerID(900), requests[0].ServerID)
	require.Equal(t, seq.Port(), requests[0].InitialPort)
	require.Equal(t, "orbd.test", requests[0].InitialHost)
	require.NotEmpty(t, requests[0].ActivationToken)
	if diff := cmp.Diff([]string{"-persistent"}, requests[0].Def.ServerArgs); diff != "" {
		t.Errorf("ServerArgs mismatch (-want +got):\n%s", diff)
	}

	c := daemonClient(seq)
	def, err := c.GetServer(ctx, 900)
	require.NoError(t, err)
	require.Equal(t, "tnameserv", def.ApplicationName)

	port, err := c.GetEndpoint(ctx, types.EndpointIIOPClearText)
	require.NoError(t, err)
	require.Equal(t, seq.Port(), port)
	sslPort, err := c.GetEndpoint(ctx, "SSL")
	require.NoError(t, err)
	require.GreaterOrEqual(t, sslPort, config.DefaultPortRangeMin)
	require.LessOrEqual(t, sslPort, config.DefaultPortRangeMax)
}

func TestInitialReferences(t *testing.T) {
	seq := startSequencer(t, testConfig(t), &fakeLauncher{})
	ctx := context.Background()
	c := daemonClient(seq)

	keys, err := c.BootstrapKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{
		bootstrap.KeyServerActivator,
		bootstrap.KeyServerLocator,
		bootstrap.KeyServerRepository,
	}, keys)

	s, err := c.ResolveInitial(ctx, bootstrap.KeyServerLocator)
	require.NoError(t, err)
	ref, err := objref.ParseReference(s)
	require.NoError(t, err)
	require.Equal(t, "orbd.test", ref.Host)
	require.Equal(t, seq.Port(), ref.Port)
	require.Equal(t, "IDL:activation/Locator:1.0", ref.TypeID)
	require.Equal(t, types.ServerID(config.DefaultServerID), ref.Key.ServerID)
	require.Equal(t, []byte(bootstrap.KeyServerLocator), ref.Key.Payload)

	// Broker references depend on the port and are never saved
	_, err = os.Stat(seq.BootstrapService().Path())
	require.True(t, os.IsNotExist(err))
}

func TestRestartKeepsDefinitions(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuiltinServers = []config.BuiltinServer{
		{ApplicationName: "echo", Binary: "/usr/local/bin/echoserver"},
	}
	ctx := context.Background()

	first := NewSequencer(cfg, WithLauncher(&fakeLauncher{}))
	require.NoError(t, first.Bootstrap(ctx))
	require.True(t, first.FirstRun())
	id, err := first.Manager().Repository().GetServerID(ctx, "echo")
	require.NoError(t, err)
	require.NoError(t, first.Manager().ShutdownAll(ctx))
	require.NoError(t, first.Close())

	launcher := &fakeLauncher{}
	second := NewSequencer(cfg, WithLauncher(launcher))
	require.NoError(t, second.Bootstrap(ctx))
	defer second.Close()
	require.False(t, second.FirstRun())
	require.Empty(t, launcher.launched(), "built-in servers only start on first run")

	def, err := second.Manager().Repository().GetServer(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/echoserver", def.ServerBinary)
}

func TestShutdownStopsManagedServers(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuiltinServers = []config.BuiltinServer{{ID: 901, Binary: "/bin/sleep"}}
	launcher := &fakeLauncher{}
	seq := NewSequencer(cfg, WithLauncher(launcher))
	require.NoError(t, seq.Bootstrap(context.Background()))
	defer seq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- seq.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Len(t, launcher.processes, 1)
	require.False(t, launcher.processes[0].Alive())
	require.Empty(t, seq.Manager().GetActiveServers())
}

func TestNamingServiceBound(t *testing.T) {
	cfg := testConfig(t)
	cfg.NamingPort = freePort(t)
	seq := startSequencer(t, cfg, &fakeLauncher{})

	var s string
	require.Eventually(t, func() bool {
		var err error
		s, err = seq.BootstrapService().Get(bootstrap.KeyNameService)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	ref, err := objref.ParseReference(s)
	require.NoError(t, err)
	require.Equal(t, cfg.NamingPort, ref.Port)
	require.Equal(t, types.ORBID("naming"), ref.Key.ORBID)
}

func TestNamingFailureIsNotFatal(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.NamingPort = busy.Addr().(*net.TCPAddr).Port
	seq := startSequencer(t, cfg, &fakeLauncher{})

	_, err = daemonClient(seq).BootstrapKeys(context.Background())
	require.NoError(t, err)
	_, err = seq.BootstrapService().Get(bootstrap.KeyNameService)
	require.ErrorIs(t, err, bootstrap.ErrNotFound)
}

func TestBootstrapFailures(t *testing.T) {
	t.Run("port in use", func(t *testing.T) {
		busy, err := net.Listen("tcp", ":0")
		require.NoError(t, err)
		defer busy.Close()

		cfg := testConfig(t)
		cfg.Port = busy.Addr().(*net.TCPAddr).Port
		seq := NewSequencer(cfg, WithLauncher(&fakeLauncher{}))
		err = seq.Bootstrap(context.Background())
		require.ErrorContains(t, err, "open bootstrap listener")
		require.NoError(t, seq.Close())
	})

	t.Run("storage is a file", func(t *testing.T) {
		cfg := testConfig(t)
		require.NoError(t, os.WriteFile(cfg.Dir, []byte("not a directory"), 0644))
		seq := NewSequencer(cfg, WithLauncher(&fakeLauncher{}))
		require.Error(t, seq.Bootstrap(context.Background()))
		require.NoError(t, seq.Close())
	})

	t.Run("bad built-in server", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.BuiltinServers = []config.BuiltinServer{{ID: 5, ApplicationName: "nobinary"}}
		seq := NewSequencer(cfg, WithLauncher(&fakeLauncher{}))
		err := seq.Bootstrap(context.Background())
		require.ErrorIs(t, err, types.ErrBadServerDefinition)
		require.ErrorContains(t, err, "activate built-in servers")
		require.NoError(t, seq.Close())
	})

	t.Run("run before bootstrap", func(t *testing.T) {
		seq := NewSequencer(testConfig(t))
		require.Error(t, seq.Run(context.Background()))
	})
}
