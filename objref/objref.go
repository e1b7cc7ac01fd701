// Package objref encodes object keys and the wire references that point at
// them. A key embeds the id of the server hosting the object and the ORB inside
// that server, so the daemon can locate the right process for a request it
// receives for an object it does not host.
package objref

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/tomyedwab/orbd/types"
)

const (
	keyMagic   = "ORBK"
	keyVersion = 1

	// DefaultTypeID is used for references whose repository type is unknown.
	DefaultTypeID = "IDL:omg.org/CORBA/Object:1.0"

	scheme = "iiop"

	// MaxORBIDLength is the longest ORB id a key can carry.
	MaxORBIDLength = math.MaxUint16
)

var ErrMalformedKey = errors.New("malformed object key")

// ObjectKey identifies one object within one ORB of one managed server.
type ObjectKey struct {
	ServerID types.ServerID
	ORBID    types.ORBID
	Payload  []byte
}

// Validate reports whether the key can be encoded without loss.
func (k ObjectKey) Validate() error {
	if len(k.ORBID) > MaxORBIDLength {
		return fmt.Errorf("%w: ORB id of %d bytes exceeds %d", ErrMalformedKey, len(k.ORBID), MaxORBIDLength)
	}
	return nil
}

// Bytes returns the binary form of the key. Keys failing Validate lose the
// tail of their ORB id.
func (k ObjectKey) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(keyMagic)
	buf.WriteByte(keyVersion)
	binary.Write(&buf, binary.BigEndian, int32(k.ServerID))
	orbID := string(k.ORBID)
	if len(orbID) > MaxORBIDLength {
		orbID = orbID[:MaxORBIDLength]
	}
	binary.Write(&buf, binary.BigEndian, uint16(len(orbID)))
	buf.WriteString(orbID)
	buf.Write(k.Payload)
	return buf.Bytes()
}

// String returns the base58 form of the key, safe for use in URL paths.
func (k ObjectKey) String() string {
	return base58.Encode(k.Bytes())
}

// DecodeKey parses the binary form produced by Bytes.
func DecodeKey(b []byte) (ObjectKey, error) {
	header := len(keyMagic) + 1 + 4 + 2
	if len(b) < header || string(b[:len(keyMagic)]) != keyMagic {
		return ObjectKey{}, ErrMalformedKey
	}
	if b[len(keyMagic)] != keyVersion {
		return ObjectKey{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedKey, b[len(keyMagic)])
	}
	off := len(keyMagic) + 1
	serverID := int32(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	orbLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+orbLen {
		return ObjectKey{}, fmt.Errorf("%w: truncated ORB id", ErrMalformedKey)
	}
	key := ObjectKey{
		ServerID: types.ServerID(serverID),
		ORBID:    types.ORBID(b[off : off+orbLen]),
	}
	if rest := b[off+orbLen:]; len(rest) > 0 {
		key.Payload = append([]byte(nil), rest...)
	}
	return key, nil
}

// ParseKey parses the base58 form produced by String.
func ParseKey(s string) (ObjectKey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return ObjectKey{}, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return DecodeKey(b)
}

// Reference is a wire-compatible pointer to an object: where to connect and
// which key to present.
type Reference struct {
	TypeID string
	Host   string
	Port   int
	Key    ObjectKey
}

// NewReference builds a reference to key at host:port.
func NewReference(typeID, host string, port int, key ObjectKey) Reference {
	if typeID == "" {
		typeID = DefaultTypeID
	}
	return Reference{TypeID: typeID, Host: host, Port: port, Key: key}
}

// String renders the reference as iiop://host:port/<key>?type=<typeID>.
func (r Reference) String() string {
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
		Path:   "/" + r.Key.String(),
	}
	if r.TypeID != "" && r.TypeID != DefaultTypeID {
		u.RawQuery = url.Values{"type": []string{r.TypeID}}.Encode()
	}
	return u.String()
}

// ObjectURL is the HTTP location of the object addressed by the reference, as
// served by the transport at /objects/<key>.
func (r Reference) ObjectURL() string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
		Path:   "/objects/" + r.Key.String(),
	}
	return u.String()
}

// ParseReference parses the form produced by Reference.String.
func ParseReference(s string) (Reference, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Reference{}, fmt.Errorf("parse reference: %w", err)
	}
	if u.Scheme != scheme {
		return Reference{}, fmt.Errorf("parse reference: unsupported scheme %q", u.Scheme)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Reference{}, fmt.Errorf("parse reference: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Reference{}, fmt.Errorf("parse reference: bad port %q", portStr)
	}
	key, err := ParseKey(strings.TrimPrefix(u.Path, "/"))
	if err != nil {
		return Reference{}, err
	}
	typeID := u.Query().Get("type")
	return NewReference(typeID, host, port, key), nil
}
