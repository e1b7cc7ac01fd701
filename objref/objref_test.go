package objref

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tomyedwab/orbd/types"
)

func TestObjectKeyRoundTrip(t *testing.T) {
	key := ObjectKey{ServerID: 1042, ORBID: "ORB-A", Payload: []byte("counter#7")}

	parsed, err := ParseKey(key.String())
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	if parsed.ServerID != key.ServerID || parsed.ORBID != key.ORBID {
		t.Errorf("expected %d/%s, got %d/%s", key.ServerID, key.ORBID, parsed.ServerID, parsed.ORBID)
	}
	if !bytes.Equal(parsed.Payload, key.Payload) {
		t.Errorf("payload mismatch: %q vs %q", parsed.Payload, key.Payload)
	}
}

func TestObjectKeyEmptyPayload(t *testing.T) {
	key := ObjectKey{ServerID: 1, ORBID: ""}
	parsed, err := DecodeKey(key.Bytes())
	if err != nil {
		t.Fatalf("DecodeKey failed: %v", err)
	}
	if parsed.Payload != nil {
		t.Errorf("expected nil payload, got %q", parsed.Payload)
	}
}

func TestObjectKeyORBIDLength(t *testing.T) {
	longest := ObjectKey{ServerID: 3, ORBID: types.ORBID(strings.Repeat("o", MaxORBIDLength)), Payload: []byte("p")}
	if err := longest.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	parsed, err := DecodeKey(longest.Bytes())
	if err != nil {
		t.Fatalf("DecodeKey failed: %v", err)
	}
	if parsed.ORBID != longest.ORBID || string(parsed.Payload) != "p" {
		t.Errorf("round trip lost data: %d byte ORB id, payload %q", len(parsed.ORBID), parsed.Payload)
	}

	tooLong := ObjectKey{ServerID: 3, ORBID: longest.ORBID + "x", Payload: []byte("p")}
	if err := tooLong.Validate(); !errors.Is(err, ErrMalformedKey) {
		t.Errorf("Expected ErrMalformedKey, got %v", err)
	}
	parsed, err = DecodeKey(tooLong.Bytes())
	if err != nil {
		t.Fatalf("DecodeKey failed: %v", err)
	}
	if len(parsed.ORBID) != MaxORBIDLength || string(parsed.Payload) != "p" {
		t.Errorf("Expected truncated ORB id and intact payload, got %d bytes, payload %q", len(parsed.ORBID), parsed.Payload)
	}
}

func TestDecodeKeyRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"wrong magic", []byte("XXXX\x01\x00\x00\x00\x01\x00\x00")},
		{"bad version", []byte("ORBK\x09\x00\x00\x00\x01\x00\x00")},
		{"truncated orb id", []byte("ORBK\x01\x00\x00\x00\x01\x00\x05ab")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeKey(tt.data); !errors.Is(err, ErrMalformedKey) {
				t.Errorf("expected ErrMalformedKey, got %v", err)
			}
		})
	}

	if _, err := ParseKey("0OIl"); !errors.Is(err, ErrMalformedKey) {
		t.Errorf("expected ErrMalformedKey for invalid base58, got %v", err)
	}
}

func TestReferenceStringAndParse(t *testing.T) {
	key := ObjectKey{ServerID: types.ServerID(7), ORBID: "ORB-A", Payload: []byte{0, 1, 2}}
	ref := NewReference("IDL:Echo:1.0", "example.local", 9999, key)

	s := ref.String()
	if !strings.HasPrefix(s, "iiop://example.local:9999/") {
		t.Fatalf("unexpected reference string %s", s)
	}

	parsed, err := ParseReference(s)
	if err != nil {
		t.Fatalf("ParseReference failed: %v", err)
	}
	if parsed.Host != "example.local" || parsed.Port != 9999 || parsed.TypeID != "IDL:Echo:1.0" {
		t.Errorf("unexpected parsed reference %+v", parsed)
	}
	if parsed.Key.String() != key.String() {
		t.Errorf("key changed across round trip")
	}
}

func TestReferenceDefaultTypeID(t *testing.T) {
	ref := NewReference("", "h", 1, ObjectKey{ServerID: 1})
	if ref.TypeID != DefaultTypeID {
		t.Errorf("expected default type id, got %s", ref.TypeID)
	}
	if strings.Contains(ref.String(), "type=") {
		t.Errorf("default type id should not be rendered: %s", ref.String())
	}
	if got := ref.ObjectURL(); got != "http://h:1/objects/"+ref.Key.String() {
		t.Errorf("unexpected object url %s", got)
	}
}

func TestParseReferenceErrors(t *testing.T) {
	for _, s := range []string{"http://h:1/abc", "iiop://h/abc", "iiop://h:x/abc"} {
		if _, err := ParseReference(s); err == nil {
			t.Errorf("expected error for %s", s)
		}
	}
}
