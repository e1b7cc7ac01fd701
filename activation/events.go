package activation

import "github.com/tomyedwab/orbd/types"

// EventLog records server lifecycle transitions. *audit.Logger implements it.
type EventLog interface {
	LogActivate(serverID types.ServerID, pid int, activationToken string) error
	LogRegister(serverID types.ServerID, activationToken string) error
	LogEndpoints(serverID types.ServerID, orbID types.ORBID, endpoints []types.EndPointInfo) error
	LogShutdown(serverID types.ServerID) error
	LogInstall(serverID types.ServerID) error
	LogUninstall(serverID types.ServerID) error
	LogUnregistered(serverID types.ServerID) error
	LogHeldDown(serverID types.ServerID, reason string) error
	LogInvalidated(serverID types.ServerID) error
}

type nopEventLog struct{}

func (nopEventLog) LogActivate(types.ServerID, int, string) error                         { return nil }
func (nopEventLog) LogRegister(types.ServerID, string) error                              { return nil }
func (nopEventLog) LogEndpoints(types.ServerID, types.ORBID, []types.EndPointInfo) error { return nil }
func (nopEventLog) LogShutdown(types.ServerID) error                                      { return nil }
func (nopEventLog) LogInstall(types.ServerID) error                                       { return nil }
func (nopEventLog) LogUninstall(types.ServerID) error                                     { return nil }
func (nopEventLog) LogUnregistered(types.ServerID) error                                  { return nil }
func (nopEventLog) LogHeldDown(types.ServerID, string) error                              { return nil }
func (nopEventLog) LogInvalidated(types.ServerID) error                                   { return nil }
