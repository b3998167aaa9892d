// Package util provides common utility functions and constants used across
// sshp. It imports no other internal package.
package util

import "time"

const (
	// AppName names the config file and the default run directory.
	AppName = "sshp"

	// DefaultRunDir holds PID files and per-address log files.
	DefaultRunDir = "/var/run/sshp"

	// SimpleStderrGrace is how long a dynamic-proxy stage gets to write its
	// diagnostics before the single stderr read.
	SimpleStderrGrace = 1000 * time.Millisecond

	// HopStderrGrace is the same window for each multi-hop stage.
	HopStderrGrace = 500 * time.Millisecond

	// VerdictTimeout bounds the diagnostic receive after the ssh client exits.
	// Silence within this window counts as a successful launch.
	VerdictTimeout = 2 * time.Second

	// MaxDiagnosticBytes caps the single stderr read of a stage.
	MaxDiagnosticBytes = 10 * 1024

	// DefaultProbeURL is fetched through the proxy to check it.
	DefaultProbeURL = "https://www.baidu.com"

	DefaultProbeTimeout        = 15 * time.Second
	DefaultInitialGrace        = 30 * time.Second
	DefaultPollInterval        = 5 * time.Second
	DefaultMaxRestartFailures  = 3
	DefaultHeartbeatSeconds    = 60
	DefaultSSHPort             = 22
	DefaultUser                = "root"
	DefaultDashboardRefreshSec = 2

	// FallbackForwardPort is used when no local port can be bound at all.
	FallbackForwardPort = 50002
)
