package activation

import (
	"context"

	"github.com/tomyedwab/orbd/types"
)

// LaunchRequest carries everything needed to spawn the process backing a
// server.
type LaunchRequest struct {
	ServerID        types.ServerID
	Def             types.ServerDef
	InitialHost     string // Where the spawned process reaches the daemon
	InitialPort     int
	ActivationToken string // Presented back by the process when it registers
}

// Launcher spawns server processes.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
}

// Process is a handle to a spawned server process.
type Process interface {
	PID() int
	// Alive reports whether the process has not yet exited.
	Alive() bool
	// Terminate stops the process, forcibly if it does not exit in time.
	Terminate(ctx context.Context) error
}

// ServerCallback is how the daemon reaches a registered server.
type ServerCallback interface {
	Shutdown(ctx context.Context) error
	Install(ctx context.Context) error
	Uninstall(ctx context.Context) error
}

// Repository is the subset of the persistent server store the activation layer
// depends on.
type Repository interface {
	GetServer(ctx context.Context, serverID types.ServerID) (types.ServerDef, error)
	RegisterServer(ctx context.Context, def types.ServerDef) (types.ServerID, error)
	RegisterServerWithID(ctx context.Context, serverID types.ServerID, def types.ServerDef) error
	UnregisterServer(ctx context.Context, serverID types.ServerID) error
	Install(ctx context.Context, serverID types.ServerID) error
	MarkUninstalled(ctx context.Context, serverID types.ServerID) error
	ListRegisteredServers(ctx context.Context) ([]types.ServerID, error)
	GetApplicationNames(ctx context.Context) ([]string, error)
	GetServerID(ctx context.Context, appName string) (types.ServerID, error)
}
