// Package nat is the NAT descriptor collector: it probes the local gateway
// for UPnP/NAT-PMP capability and produces the structured connectivity
// descriptor the runtime controller folds into the local node record.
// Callers only ever consume the resulting descriptor; nothing downstream
// needs to know which protocol supplied it. Adapted from the UPnP/NAT-PMP
// fallback chain of a neighbouring peer-to-peer node implementation's TCP
// port mapper, generalised here to UDP mappings.
package nat

import (
	"fmt"
	"net"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// Manager discovers the gateway and external IP, and maps UDP ports
// through NAT-PMP first, UPnP IGDv1 second.
type Manager struct {
	ip         net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
}

// NewManager discovers the gateway and external IP address. It returns an
// error only when neither NAT-PMP nor UPnP could determine an external
// address; callers (the runtime controller) treat that as non-fatal and
// proceed with connectivity disabled.
func NewManager() (*Manager, error) {
	m := &Manager{}

	if gw, err := gateway.DiscoverGateway(); err == nil {
		m.pmp = natpmp.NewClient(gw)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			m.ip = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
		}
	}

	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}

	if m.ip == nil {
		return nil, fmt.Errorf("nat: gateway not found")
	}
	return m, nil
}

// ExternalIP returns the detected public IP address.
func (m *Manager) ExternalIP() net.IP { return m.ip }

// Map opens the given UDP port on the gateway, preferring NAT-PMP.
func (m *Manager) Map(port int) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("udp", port, port, 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "UDP", uint16(port), m.ip.String(), true, "box", 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	return fmt.Errorf("nat: mapping failed")
}

// Unmap removes the previously mapped port, if any.
func (m *Manager) Unmap() error {
	if m.mappedPort == 0 {
		return nil
	}
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("udp", m.mappedPort, m.mappedPort, 0); err != nil {
			return err
		}
		m.mappedPort = 0
		return nil
	}
	if m.upnp != nil {
		if err := m.upnp.DeletePortMapping("", uint16(m.mappedPort), "UDP"); err != nil {
			return err
		}
		m.mappedPort = 0
	}
	return nil
}

// MappedPort reports the currently mapped port, or 0 if none.
func (m *Manager) MappedPort() int { return m.mappedPort }
