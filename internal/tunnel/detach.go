package tunnel

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/treykane/sshp/internal/events"
	"github.com/treykane/sshp/internal/model"
)

// ExecDetacher re-executes a binary (this one by default) in a new session.
// The child gets no stdin or stdout; its stderr is appended to the
// address's crash file (events.CrashPath), never to the log itself.
type ExecDetacher struct {
	Executable string
	Args       []string
	RunDir     string
}

// Detach starts the child and returns without blocking on it. The child is
// reaped in the background; an unreaped zombie still answers signal 0.
func (d ExecDetacher) Detach(_ context.Context, spec model.TunnelSpec) (int, error) {
	exe := d.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}

	cmd := exec.Command(exe, d.Args...)
	cmd.SysProcAttr = detachAttr()
	if d.RunDir != "" {
		f, err := os.OpenFile(events.CrashPath(d.RunDir, spec.LocalAddr), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", exe, err)
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}
