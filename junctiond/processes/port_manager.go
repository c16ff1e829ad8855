package processes

import (
	"fmt"
	"net"
	"sync"
)

// PortManager hands out TCP ports for long-running service instances.
type PortManager struct {
	mu            sync.Mutex
	minPort       int
	maxPort       int
	allocated     map[int]bool
	nextCandidate int
}

func NewPortManager(minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort || maxPort > 65535 {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortManager{
		minPort:       minPort,
		maxPort:       maxPort,
		allocated:     make(map[int]bool),
		nextCandidate: minPort,
	}, nil
}

// AllocatePort returns a port in range that is neither handed out already
// nor bound by another process on this host.
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for range pm.maxPort - pm.minPort + 1 {
		port := pm.nextCandidate
		pm.nextCandidate++
		if pm.nextCandidate > pm.maxPort {
			pm.nextCandidate = pm.minPort
		}

		if pm.allocated[port] {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		l.Close()
		pm.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no available ports in range [%d-%d]", pm.minPort, pm.maxPort)
}

// ReleasePort makes port available again. Ports outside the range are ignored.
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.allocated, port)
}
