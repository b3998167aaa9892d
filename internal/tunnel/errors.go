package tunnel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProbeUnhealthy means the tunnel started but the proxy check proved it broken.
	ErrProbeUnhealthy = errors.New("proxy check failed")
	// ErrAbandoned is returned by the probe loop once it stops trying.
	ErrAbandoned = errors.New("too many failed restarts, giving up")
)

// Stage names used in launch errors.
const (
	StageDynamic      = "dynamic proxy"
	StageLocalForward = "local forward"
	StageHopDynamic   = "hop dynamic proxy"
	StageProbe        = "proxy check"
)

// LaunchError reports a failed launch stage with the diagnostic ssh or the
// prober printed.
type LaunchError struct {
	Stage      string
	Addr       string
	Diagnostic string
	Status     string
	Err        error
}

func (e *LaunchError) Error() string {
	diag := strings.TrimSpace(e.Diagnostic)
	switch {
	case errors.Is(e.Err, ErrProbeUnhealthy):
		return fmt.Sprintf("check %s failed: %s", e.Addr, diag)
	case diag != "":
		return fmt.Sprintf("open %s failed:\n%s", e.Stage, diag)
	case e.Status != "":
		return fmt.Sprintf("open %s failed, %s", e.Stage, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("open %s failed: %v", e.Stage, e.Err)
	default:
		return fmt.Sprintf("open %s failed", e.Stage)
	}
}

func (e *LaunchError) Unwrap() error { return e.Err }

// AddrInUse reports whether the local listen address was already bound.
func (e *LaunchError) AddrInUse() bool {
	return strings.Contains(e.Diagnostic, "Address already in use")
}
