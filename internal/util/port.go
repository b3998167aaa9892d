package util

import (
	"fmt"
	"net"
	"strconv"
)

const (
	MinPort = 1
	MaxPort = 65535
)

// ValidatePort checks if port is in valid range (1-65535).
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range (must be %d-%d)", port, MinPort, MaxPort)
	}
	return nil
}

// ValidateListenAddr checks that addr is host:port with a usable port.
//
// The host is required: tunnel processes are found by searching ps output
// for the exact local_addr, and ":1080" would match unrelated processes.
// IPv6 hosts must be bracketed, as ssh -D expects.
//
// Examples:
//
//	ValidateListenAddr("127.0.0.1:1080")  → nil
//	ValidateListenAddr("[::1]:1080")      → nil
//	ValidateListenAddr(":1080")           → error (host is required)
//	ValidateListenAddr("127.0.0.1")       → error (missing port)
//	ValidateListenAddr("127.0.0.1:0")     → error (port out of range)
func ValidateListenAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("listen address %q: host is required", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("listen address %q: invalid port: %w", addr, err)
	}
	return ValidatePort(p)
}

// AvailablePort asks the OS for a free loopback TCP port and releases it.
// The port may be taken again before the caller binds it; launch failure
// detection covers that race. FallbackForwardPort is returned when no
// listener can be opened at all.
//
// Call sites:
//   - internal/tunnel/launcher.go (NewLauncher): the forward port of a
//     multi-hop tunnel whose config leaves local_forward_port unset.
func AvailablePort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return FallbackForwardPort
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
