package nat

import (
	"github.com/tdelhaise/box/internal/location"
)

// Origin explains why port-mapping preference has its current value: an
// explicit CLI flag wins, then a config-file setting, then the built-in
// default (disabled).
type Origin = location.PortMappingOrigin

// Probe attempts to discover the gateway and map port on UDP, returning a
// location.Connectivity descriptor. A probe failure is never fatal: it
// yields Connectivity{Enabled: false, Origin: origin} so the caller can
// still publish a node record with no external mapping.
func Probe(enabled bool, origin Origin, port int) (location.Connectivity, *Manager) {
	conn := location.Connectivity{Enabled: false, Origin: origin}
	if !enabled {
		return conn, nil
	}

	mgr, err := NewManager()
	if err != nil {
		return conn, nil
	}

	if err := mgr.Map(port); err != nil {
		conn.ExternalAddress = mgr.ExternalIP().String()
		return conn, mgr
	}

	conn.Enabled = true
	conn.ExternalAddress = mgr.ExternalIP().String()
	conn.ExternalPort = mgr.MappedPort()
	conn.Reachable = true
	return conn, mgr
}
