package activation

import (
	"context"
	"time"

	"github.com/tomyedwab/orbd/metrics"
	"github.com/tomyedwab/orbd/objref"
	"github.com/tomyedwab/orbd/types"
)

// ForwardAction tells the transport what to do with a request for an object
// hosted by a managed server.
type ForwardAction int

const (
	// ActionForward redirects the client to Reference.
	ActionForward ForwardAction = iota
	// ActionObjectNotExist reports the object as nonexistent.
	ActionObjectNotExist
)

func (a ForwardAction) String() string {
	switch a {
	case ActionForward:
		return "Forward"
	case ActionObjectNotExist:
		return "ObjectNotExist"
	default:
		return "InvalidAction"
	}
}

// ForwardResult is the outcome of Handle.
type ForwardResult struct {
	Action    ForwardAction
	Reference objref.Reference
	// Err is the cause of ActionObjectNotExist. It is for logging only and is
	// never shown to clients.
	Err error
}

// Handle locates the server hosting key, activating it if needed, and returns
// a reference to the object at the server's clear-text endpoint. Every
// failure is reported as ActionObjectNotExist.
func (m *ServerManager) Handle(ctx context.Context, key objref.ObjectKey) ForwardResult {
	result := m.handle(ctx, key)
	if result.Action == ActionForward {
		m.metrics.RecordForward(metrics.ResultForward)
		m.logger.Info("Forwarding request", "serverID", key.ServerID, "orbID", key.ORBID, "target", result.Reference.String())
	} else {
		m.metrics.RecordForward(metrics.ResultObjectNotExist)
		m.logger.Info("Object does not exist", "serverID", key.ServerID, "orbID", key.ORBID, "error", result.Err)
	}
	return result
}

func (m *ServerManager) handle(ctx context.Context, key objref.ObjectKey) ForwardResult {
	location, err := m.LocateServerForORB(ctx, key.ServerID, key.ORBID)
	if err != nil {
		return ForwardResult{Action: ActionObjectNotExist, Err: err}
	}
	port, err := types.GetServerPortForType(location, types.EndpointIIOPClearText)
	if err != nil {
		return ForwardResult{Action: ActionObjectNotExist, Err: err}
	}
	ref := objref.NewReference("", location.Hostname, port, key)

	timer := time.NewTimer(m.startupDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ForwardResult{Action: ActionObjectNotExist, Err: ctx.Err()}
	}
	return ForwardResult{Action: ActionForward, Reference: ref}
}
