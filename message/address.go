package message

import (
	"net"
	"strconv"
	"strings"
)

// loopback is used whenever an address carries no host.
const loopback = "127.0.0.1"

// HostAddress identifies one Host Service endpoint.
//
// Empty strings mean "absent". An address with Port 0 and a ServiceName is resolved
// through a naming service; an address with a DeviceID is dialed through a device
// dialer supplied by the test harness.
type HostAddress struct {
	Host        string `json:"host,omitempty"`
	Port        uint16 `json:"port"`
	ServiceName string `json:"name,omitempty"`
	DeviceID    string `json:"device,omitempty"`
}

// LocalPort returns the address of a service listening on the local machine.
func LocalPort(port uint16) HostAddress {
	return HostAddress{Port: port}
}

// LocalPortWithName returns a local address that also carries a service name.
func LocalPortWithName(port uint16, name string) HostAddress {
	return HostAddress{Port: port, ServiceName: name}
}

// Named returns an address that must be resolved by service name.
func Named(name string) HostAddress {
	return HostAddress{ServiceName: name}
}

// IsDevice reports whether the address points at a service on a remote device.
func (a HostAddress) IsDevice() bool {
	return a.DeviceID != ""
}

// NeedsResolution reports whether the port must be looked up by name before dialing.
func (a HostAddress) NeedsResolution() bool {
	return a.Port == 0 && a.ServiceName != ""
}

// Equal compares two addresses, ignoring optional fields absent on either side.
func (a HostAddress) Equal(b HostAddress) bool {
	if a.Port != b.Port || normalizeHost(a.Host) != normalizeHost(b.Host) {
		return false
	}
	if a.ServiceName != "" && b.ServiceName != "" && a.ServiceName != b.ServiceName {
		return false
	}
	if a.DeviceID != "" && b.DeviceID != "" && a.DeviceID != b.DeviceID {
		return false
	}
	return true
}

// DialAddress returns the "host:port" form used by net.Dial.
func (a HostAddress) DialAddress() string {
	return net.JoinHostPort(normalizeHost(a.Host), strconv.Itoa(int(a.Port)))
}

// Key identifies the connection used for this address in a pool. A service name is
// part of it, so a connection checked for one name is not reused for another.
func (a HostAddress) Key() string {
	if a.IsDevice() {
		return "device/" + a.DeviceID + "/" + a.DialAddress() + "/" + a.ServiceName
	}
	if a.NeedsResolution() {
		return "name/" + a.ServiceName
	}
	if a.ServiceName != "" {
		return a.DialAddress() + "/" + a.ServiceName
	}
	return a.DialAddress()
}

func (a HostAddress) String() string {
	var b strings.Builder
	b.WriteString(a.DialAddress())
	if a.ServiceName != "" {
		b.WriteString(" (")
		b.WriteString(a.ServiceName)
		b.WriteByte(')')
	}
	if a.DeviceID != "" {
		b.WriteString(" on device ")
		b.WriteString(a.DeviceID)
	}
	return b.String()
}

// ParseHostAddress parses "host:port".
func ParseHostAddress(s string) (HostAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return HostAddress{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return HostAddress{}, err
	}
	return HostAddress{Host: host, Port: uint16(port)}, nil
}

func normalizeHost(h string) string {
	switch h {
	case "", "localhost", "::1", "[::1]", "0.0.0.0", "::":
		return loopback
	}
	return h
}
