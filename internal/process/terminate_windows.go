//go:build windows

package process

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"golang.org/x/sys/windows"
)

// Kill force-terminates pid with taskkill. Failure on an already exited
// process is logged and tolerated.
func Kill(ctx context.Context, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("kill: invalid pid %d", pid)
	}
	out, err := exec.CommandContext(ctx, "taskkill", "/F", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		if !Alive(pid) {
			slog.Debug("process already gone", "pid", pid, "output", string(out))
			return nil
		}
		return fmt.Errorf("taskkill %d: %w", pid, err)
	}
	return nil
}

// Alive reports whether pid refers to a live process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}
