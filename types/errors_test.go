package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeRoundTrip(t *testing.T) {
	for _, c := range errorCodes {
		wrapped := fmt.Errorf("server 7: %w", c.err)
		code := ErrorCode(wrapped)
		if code != c.code {
			t.Errorf("ErrorCode(%v) = %s, want %s", wrapped, code, c.code)
		}
		if got := ErrorForCode(code); !errors.Is(got, c.err) {
			t.Errorf("ErrorForCode(%s) = %v, want %v", code, got, c.err)
		}
	}
}

func TestErrorCodeUnknown(t *testing.T) {
	if code := ErrorCode(errors.New("boom")); code != "INTERNAL" {
		t.Errorf("expected INTERNAL, got %s", code)
	}
	if err := ErrorForCode("NOPE"); err != nil {
		t.Errorf("expected nil for unknown code, got %v", err)
	}
}

func TestGetServerPortForType(t *testing.T) {
	loc := ServerLocationPerORB{
		Hostname: "localhost",
		Ports: []EndPointInfo{
			{EndpointType: "IIOP_SSL", Port: 4002},
			{EndpointType: EndpointIIOPClearText, Port: 4001},
		},
	}
	port, err := GetServerPortForType(loc, EndpointIIOPClearText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != 4001 {
		t.Errorf("expected port 4001, got %d", port)
	}

	_, err = GetServerPortForType(loc, "IIOP_MUTUAL_AUTH")
	if !errors.Is(err, ErrNoSuchEndpoint) {
		t.Errorf("expected ErrNoSuchEndpoint, got %v", err)
	}
}
