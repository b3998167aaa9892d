// Package probe checks a local SOCKS proxy by fetching a well-known URL
// through it and classifies the outcome.
//
// The probe is advisory. Only an explicit proxy-rejection signature marks a
// tunnel unhealthy; a probe that could not run at all is inconclusive and
// counts as healthy so a broken probe tool never tears down a working tunnel.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Signatures are the diagnostic substrings that mark a proxy as rejecting traffic.
var Signatures = []string{
	"Connection refused",
	"connection to proxy closed",
	"curl: (",
}

// Result is the outcome of one probe. Err is set only when the probe itself
// could not be carried out.
type Result struct {
	Diagnostic string
	Err        error
}

// Inconclusive reports whether the probe failed to run.
func (r Result) Inconclusive() bool { return r.Err != nil }

// Prober performs one check through the proxy listening on addr.
type Prober interface {
	Probe(ctx context.Context, addr string) Result
}

// Classify returns true when r does not show a proxy rejection.
func Classify(r Result) bool {
	if r.Err != nil {
		return true
	}
	if strings.TrimSpace(r.Diagnostic) == "" {
		return true
	}
	for _, sig := range Signatures {
		if strings.Contains(r.Diagnostic, sig) {
			return false
		}
	}
	return true
}

// CurlProber runs curl with --socks5 and captures its stderr.
type CurlProber struct {
	Binary  string
	URL     string
	Timeout time.Duration
}

// Probe runs curl once. A non-zero curl exit is a completed probe whose
// stderr carries the verdict; failing to start curl, or running out of time,
// is inconclusive.
func (p CurlProber) Probe(ctx context.Context, addr string) Result {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, p.Binary, "--no-progress-meter", "--socks5", addr, p.URL)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{Diagnostic: stderr.String(), Err: fmt.Errorf("curl probe: %w", ctxErr)}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return Result{Err: fmt.Errorf("curl probe: %w", err)}
	}
	return Result{Diagnostic: stderr.String()}
}
