package types

import "fmt"

// EndpointIIOPClearText is the canonical clear-text endpoint type. Forwarded
// references always point at the endpoint of this type.
const EndpointIIOPClearText = "IIOP_CLEAR_TEXT"

// ServerID identifies a managed server. Ids are assigned by the repository and
// stay stable for the lifetime of the registration.
type ServerID int

func (id ServerID) String() string {
	return fmt.Sprintf("%d", int(id))
}

// ORBID names one ORB (a logical listener identity) inside a server process.
type ORBID string

// ServerDef is the launch recipe for a managed server.
type ServerDef struct {
	ApplicationName string   `json:"application_name"`
	ServerBinary    string   `json:"server_binary"`
	ServerArgs      []string `json:"server_args,omitempty"`
	RuntimeArgs     []string `json:"runtime_args,omitempty"`
	Installed       bool     `json:"installed"`
}

// EndPointInfo is one listener exposed by an ORB.
type EndPointInfo struct {
	EndpointType string `json:"endpoint_type"`
	Port         int    `json:"port"`
}

// ORBPortInfo is the port an ORB listens on for a requested endpoint type.
type ORBPortInfo struct {
	ORBID ORBID `json:"orb_id"`
	Port  int   `json:"port"`
}

// ServerLocation is returned to resolvers asking for a server by endpoint type.
type ServerLocation struct {
	Hostname string        `json:"hostname"`
	Ports    []ORBPortInfo `json:"ports"`
}

// ServerLocationPerORB is returned to resolvers asking for one ORB of a server.
type ServerLocationPerORB struct {
	Hostname string         `json:"hostname"`
	Ports    []EndPointInfo `json:"ports"`
}

// GetServerPortForType returns the port of the first endpoint in the location
// matching endpointType.
func GetServerPortForType(location ServerLocationPerORB, endpointType string) (int, error) {
	for _, ep := range location.Ports {
		if ep.EndpointType == endpointType {
			return ep.Port, nil
		}
	}
	return 0, fmt.Errorf("endpoint type %q: %w", endpointType, ErrNoSuchEndpoint)
}
