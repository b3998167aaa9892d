// Package sshclient launches the system ssh binary for proxy tunnels.
//
// This package does NOT implement the SSH protocol. It shells out to the
// system ssh client, so keys, agents and ~/.ssh/config apply unchanged. All
// arguments are passed as argv, never through a shell.
//
// Every tunnel stage runs ssh with -f, so the client forks into the
// background once the connection is up and the foreground ssh exits. The
// background ssh keeps the stderr pipe open, which is why RunStage reads
// stderr exactly once after a grace window instead of reading to EOF.
package sshclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/treykane/sshp/internal/model"
	"github.com/treykane/sshp/internal/util"
)

// Failure signatures in ssh diagnostics.
const (
	sigFailed    = "failed"
	sigAddrInUse = "Address already in use"
)

// StageResult is the outcome of one ssh spawn.
//
// Fields:
//   - Args:       the argv passed to ssh, kept for log lines and errors.
//   - Pid:        the foreground ssh. It has usually exited by the time the
//     result is returned; the forked background ssh has a different pid.
//   - Diagnostic: the single stderr read, possibly empty.
//   - Received:   whether that read completed before the verdict timeout.
//     Text that arrives later is never looked at.
//   - ExitErr:    the error from waiting on the foreground ssh, nil on exit
//     status 0.
type StageResult struct {
	Args       []string
	Pid        int
	Diagnostic string
	Received   bool
	ExitErr    error
}

// Failed applies the launch verdict: a received diagnostic containing a
// failure signature, or a non-zero exit, fails the stage. Silence with a
// clean exit is success.
func (r StageResult) Failed() bool {
	if r.ExitErr != nil {
		return true
	}
	if !r.Received {
		return false
	}
	return strings.Contains(r.Diagnostic, sigFailed) || strings.Contains(r.Diagnostic, sigAddrInUse)
}

// AddrInUse reports whether ssh could not bind its listen address.
func (r StageResult) AddrInUse() bool {
	return strings.Contains(r.Diagnostic, sigAddrInUse)
}

// Client runs ssh stages.
//
// Client holds no per-call state and is safe for concurrent use; each
// RunStage builds its own exec.Cmd and stderr pipe. The multi-hop launcher
// still runs its two stages one after the other because stage 2 connects
// through the forward opened by stage 1.
//
// VerdictTimeout bounds the diagnostic receive after ssh exits; zero means
// util.VerdictTimeout.
type Client struct {
	Binary         string
	VerdictTimeout time.Duration
}

// New creates a client for the given ssh binary ("ssh" when empty).
//
// The binary is resolved through PATH at spawn time, so a relative name
// such as "ssh" follows the caller's environment, while runtime.ssh_binary
// in the config may pin an absolute path.
func New(binary string) *Client {
	return &Client{Binary: util.DefaultString(binary, "ssh"), VerdictTimeout: util.VerdictTimeout}
}

// EnsureSSHBinary checks that the ssh binary can be found.
//
// Called before start and restart so a missing client is reported up front
// instead of as a spawn error from the middle of a launch. doctor runs its
// own lookup because it reports every missing tool at once.
//
// Call sites:
//   - internal/cli/root.go (reportLaunch): start and restart of both proxies.
func EnsureSSHBinary(binary string) error {
	binary = util.DefaultString(binary, "ssh")
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("ssh binary %q not found in PATH", binary)
	}
	return nil
}

func baseArgs(heartbeat int) []string {
	return []string{"-CNf", "-o", "ServerAliveInterval=" + strconv.Itoa(heartbeat)}
}

// DynamicArgs builds the argv for a simple dynamic proxy.
//
// Example: ["-CNf", "-o", "ServerAliveInterval=60", "-o", "StrictHostKeyChecking=no",
// "-D", "127.0.0.1:1080", "root@10.0.0.5", "-p", "22"]
func DynamicArgs(spec model.TunnelSpec) []string {
	return append(baseArgs(spec.HeartbeatInterval),
		"-o", "StrictHostKeyChecking=no",
		"-D", spec.LocalAddr,
		spec.Remote(),
		"-p", strconv.Itoa(spec.RemotePort),
	)
}

// LocalForwardArgs builds the argv for the first multi-hop stage: a local
// forward from port to the remote ssh server, through the forward host.
//
// Example, for forward host jump@bastion:2222, remote 10.0.0.9:22 and port 40001:
//
//	-CNf -o ServerAliveInterval=30 -o StrictHostKeyChecking=no
//	-L 40001:10.0.0.9:22 jump@bastion -p 2222
func LocalForwardArgs(spec model.TunnelSpec, port int) []string {
	return append(baseArgs(spec.HeartbeatInterval),
		"-o", "StrictHostKeyChecking=no",
		"-L", fmt.Sprintf("%d:%s:%d", port, spec.RemoteHost, spec.RemotePort),
		spec.ForwardTarget(),
		"-p", strconv.Itoa(spec.ForwardPort),
	)
}

// HopDynamicArgs builds the argv for the second multi-hop stage: the dynamic
// proxy opened through the local forward on port.
//
// The destination is the remote user at the listen host, because the forward
// from stage 1 listens there. An IPv6 listen address loses its brackets:
//
//	-D 127.0.0.1:1081 root@127.0.0.1 -p 40001
//	-D [::1]:1081     root@::1       -p 40001
func HopDynamicArgs(spec model.TunnelSpec, port int) []string {
	return append(baseArgs(spec.HeartbeatInterval),
		"-D", spec.LocalAddr,
		fmt.Sprintf("%s@%s", spec.RemoteUser, spec.LocalHost()),
		"-p", strconv.Itoa(port),
		"-o", "StrictHostKeyChecking=no",
	)
}

// RunStage spawns ssh with args and decides its outcome.
//
// A reader goroutine sleeps for grace, reads stderr once and hands the text
// to a one-slot channel. The caller waits for ssh to exit first, then
// receives with the verdict timeout. The read end is closed afterwards so a
// reader still blocked on a pipe held by the background ssh returns.
//
// The returned error is non-nil only when ssh could not be started.
func (c *Client) RunStage(ctx context.Context, args []string, grace time.Duration) (StageResult, error) {
	res := StageResult{Args: args}
	r, w, err := os.Pipe()
	if err != nil {
		return res, fmt.Errorf("stderr pipe: %w", err)
	}
	defer r.Close()

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = w.Close()
		return res, fmt.Errorf("start %s: %w", c.Binary, err)
	}
	// Only ssh (and its background fork) hold the write end now.
	_ = w.Close()
	res.Pid = cmd.Process.Pid

	diag := make(chan string, 1)
	go func() {
		time.Sleep(grace)
		buf := make([]byte, util.MaxDiagnosticBytes)
		n, _ := r.Read(buf)
		diag <- string(buf[:n])
	}()

	res.ExitErr = cmd.Wait()

	timeout := c.VerdictTimeout
	if timeout <= 0 {
		timeout = util.VerdictTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-diag:
		res.Received = true
		res.Diagnostic = msg
	case <-timer.C:
	case <-ctx.Done():
		if res.ExitErr == nil {
			res.ExitErr = ctx.Err()
		}
	}
	return res, nil
}

// ExitStatus renders the exit outcome like a process status line.
func (r StageResult) ExitStatus() string {
	if r.ExitErr == nil {
		return "exit status: 0"
	}
	var exitErr *exec.ExitError
	if errors.As(r.ExitErr, &exitErr) {
		return exitErr.Error()
	}
	return r.ExitErr.Error()
}
