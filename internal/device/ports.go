package device

import "github.com/broadify/bridge/internal/helper"

// Role says what a port carries in a keying setup.
type Role string

const (
	RoleOutput Role = "output"
	RoleFill   Role = "fill"
	RoleKey    Role = "key"
)

// Port is one addressable output connector on a device. Port IDs are what
// the orchestrator and the helpers exchange on the command line.
type Port struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Connection string `json:"connection"`
	Role       Role   `json:"role"`
}

// PortsOf derives the addressable output ports from a device's connections
// and keying capabilities. A single SDI connector yields one output port,
// plus an A/B fill and key pair when the hardware can key externally.
func PortsOf(d helper.Device) []Port {
	var ports []Port
	for _, conn := range d.VideoOutputConnections {
		switch conn {
		case "sdi":
			ports = append(ports, Port{
				ID:         d.ID + "-sdi",
				Label:      "SDI",
				Connection: "sdi",
				Role:       RoleOutput,
			})
			if d.SupportsExternalKeying {
				ports = append(ports,
					Port{ID: d.ID + "-sdi-a", Label: "SDI A (fill)", Connection: "sdi", Role: RoleFill},
					Port{ID: d.ID + "-sdi-b", Label: "SDI B (key)", Connection: "sdi", Role: RoleKey},
				)
			}
		case "hdmi":
			ports = append(ports, Port{
				ID:         d.ID + "-hdmi",
				Label:      "HDMI",
				Connection: "hdmi",
				Role:       RoleOutput,
			})
		}
	}
	return ports
}

// Ports derives the ports of a cached device; ok is false for an unknown ID.
func (c *Cache) Ports(id string) ([]Port, bool) {
	d, ok := c.Get(id)
	if !ok {
		return nil, false
	}
	return PortsOf(d), true
}
