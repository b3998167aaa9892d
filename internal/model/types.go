// Package model holds the tunnel types shared by the supervisor, the CLI and
// the dashboard.
package model

import (
	"fmt"
	"net"
	"strings"
)

// Mode selects the tunnel topology.
type Mode string

const (
	// ModeSimple opens one dynamic proxy straight to the remote host.
	ModeSimple Mode = "simple"
	// ModeMultiHop opens a local forward through a hop, then a dynamic proxy over it.
	ModeMultiHop Mode = "multi_hop"
)

// TunnelSpec describes one proxy tunnel. LocalAddr is the correlation key
// for PID files, log files and process matching.
type TunnelSpec struct {
	Mode              Mode   `json:"mode"`
	LocalAddr         string `json:"local_addr"`
	RemoteUser        string `json:"remote_user"`
	RemoteHost        string `json:"remote_host"`
	RemotePort        int    `json:"remote_port"`
	HeartbeatInterval int    `json:"heartbeat_interval"`

	// Multi-hop only.
	ForwardUser      string `json:"forward_user,omitempty"`
	ForwardHost      string `json:"forward_host,omitempty"`
	ForwardPort      int    `json:"forward_port,omitempty"`
	LocalForwardPort int    `json:"local_forward_port,omitempty"`
}

// FileKey returns addr in the form used for file names under the run dir:
// every ':' becomes '-', so "127.0.0.1:1080" maps to "127.0.0.1-1080".
// Shared by the PID file, the log and the crash file of one tunnel.
func FileKey(addr string) string {
	return strings.ReplaceAll(addr, ":", "-")
}

// Remote returns the user@host destination of the dynamic proxy.
func (s TunnelSpec) Remote() string {
	return fmt.Sprintf("%s@%s", s.RemoteUser, s.RemoteHost)
}

// ForwardTarget returns the user@host destination of the multi-hop local forward.
func (s TunnelSpec) ForwardTarget() string {
	return fmt.Sprintf("%s@%s", s.ForwardUser, s.ForwardHost)
}

// LocalHost returns the host part of LocalAddr, without brackets for IPv6:
// "127.0.0.1:1080" gives "127.0.0.1" and "[::1]:1080" gives "::1".
func (s TunnelSpec) LocalHost() string {
	host, _, err := net.SplitHostPort(s.LocalAddr)
	if err != nil {
		return s.LocalAddr
	}
	return host
}

// MatchAddrs returns the substrings whose processes belong to this tunnel.
func (s TunnelSpec) MatchAddrs() []string {
	if s.Mode == ModeMultiHop {
		return []string{s.LocalAddr, s.ForwardTarget()}
	}
	return []string{s.LocalAddr}
}

// TunnelState is the supervisor's view of one address.
type TunnelState string

const (
	TunnelStopped    TunnelState = "stopped"
	TunnelHealthy    TunnelState = "healthy"
	TunnelRestarting TunnelState = "restarting"
	TunnelFailed     TunnelState = "failed"
	TunnelAbandoned  TunnelState = "abandoned"
)

// TunnelStatus is a point-in-time report for one configured tunnel.
type TunnelStatus struct {
	Name       string      `json:"name"`
	Mode       Mode        `json:"mode"`
	LocalAddr  string      `json:"local_addr"`
	State      TunnelState `json:"state"`
	TunnelPIDs []int       `json:"tunnel_pids"`
	ProbePID   int         `json:"probe_pid,omitempty"`
	ProbeAlive bool        `json:"probe_alive"`
	PIDFile    string      `json:"pid_file"`
	LogFile    string      `json:"log_file"`
	LastLog    string      `json:"last_log,omitempty"`
}
