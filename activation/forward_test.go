package activation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/orbd/objref"
	"github.com/tomyedwab/orbd/types"
)

func TestHandleForwardsToClearTextEndpoint(t *testing.T) {
	h := newHarness(t, newFakeRepo(1000))
	ctx := context.Background()

	key := objref.ObjectKey{ServerID: 1000, ORBID: "orb", Payload: []byte("counter#7")}
	done := make(chan ForwardResult, 1)
	go func() { done <- h.manager.Handle(ctx, key) }()

	// First touch activates the server
	require.Eventually(t, func() bool { return h.launcher.launches() == 1 }, time.Second, 5*time.Millisecond)
	h.register(t, 1000, "orb", types.EndPointInfo{EndpointType: "SSL", Port: 9443}, clearText(9999))

	select {
	case result := <-done:
		require.Equal(t, ActionForward, result.Action)
		require.NoError(t, result.Err)
		require.Equal(t, testHostname, result.Reference.Host)
		require.Equal(t, 9999, result.Reference.Port)
		require.Equal(t, key.Payload, result.Reference.Key.Payload)
		require.Equal(t, key.String(), result.Reference.Key.String())
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return")
	}
}

func TestHandleObjectNotExist(t *testing.T) {
	h := newHarness(t, newFakeRepo(1000), func(c *RegistryConfig) {
		c.LookupTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	result := h.manager.Handle(ctx, objref.ObjectKey{ServerID: 4242, ORBID: "orb"})
	require.Equal(t, ActionObjectNotExist, result.Action)
	require.ErrorIs(t, result.Err, types.ErrServerNotRegistered)

	require.NoError(t, h.manager.Activate(ctx, 1000))
	h.register(t, 1000, "orb", types.EndPointInfo{EndpointType: "SSL", Port: 9443})
	result = h.manager.Handle(ctx, objref.ObjectKey{ServerID: 1000, ORBID: "orb"})
	require.Equal(t, ActionObjectNotExist, result.Action)
	require.ErrorIs(t, result.Err, types.ErrNoSuchEndpoint)

	result = h.manager.Handle(ctx, objref.ObjectKey{ServerID: 1000, ORBID: "missing"})
	require.Equal(t, ActionObjectNotExist, result.Action)
	require.ErrorIs(t, result.Err, types.ErrInvalidORBID)
}

func TestForwardActionString(t *testing.T) {
	require.Equal(t, "Forward", ActionForward.String())
	require.Equal(t, "ObjectNotExist", ActionObjectNotExist.String())
}
