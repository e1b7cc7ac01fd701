package processes

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PortManager hands out listener ports from a fixed range for daemon endpoints
// configured without an explicit port.
type PortManager struct {
	mu            sync.Mutex
	host          string
	minPort       int
	maxPort       int
	allocated     map[int]string // port -> endpoint type
	nextCandidate int
}

// NewPortManager creates a PortManager for [minPort, maxPort] on host. An
// empty host probes all interfaces.
func NewPortManager(host string, minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort || maxPort > 65535 {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortManager{
		host:          host,
		minPort:       minPort,
		maxPort:       maxPort,
		allocated:     make(map[int]string),
		nextCandidate: minPort,
	}, nil
}

// Allocate finds a free port in the range and records it against
// endpointType.
func (pm *PortManager) Allocate(endpointType string) (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	span := pm.maxPort - pm.minPort + 1
	for i := 0; i < span; i++ {
		port := pm.nextCandidate
		pm.nextCandidate++
		if pm.nextCandidate > pm.maxPort {
			pm.nextCandidate = pm.minPort
		}
		if _, taken := pm.allocated[port]; taken {
			continue
		}
		// Probe the system by listening briefly
		l, err := net.Listen("tcp", net.JoinHostPort(pm.host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		l.Close()
		pm.allocated[port] = endpointType
		return port, nil
	}
	return 0, fmt.Errorf("no available ports in range [%d-%d] for %s", pm.minPort, pm.maxPort, endpointType)
}

// Reserve records an explicitly configured port so it is never handed out.
// Ports outside the range are accepted and ignored.
func (pm *PortManager) Reserve(endpointType string, port int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if port < pm.minPort || port > pm.maxPort {
		return nil
	}
	if owner, taken := pm.allocated[port]; taken && owner != endpointType {
		return fmt.Errorf("port %d already allocated to %s", port, owner)
	}
	pm.allocated[port] = endpointType
	return nil
}

// Release marks a previously allocated port as available again.
func (pm *PortManager) Release(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.allocated, port)
}

// Allocated returns a copy of the current port -> endpoint type assignments.
func (pm *PortManager) Allocated() map[int]string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make(map[int]string, len(pm.allocated))
	for port, endpointType := range pm.allocated {
		out[port] = endpointType
	}
	return out
}
