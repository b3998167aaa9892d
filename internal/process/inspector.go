// Package process finds, inspects and terminates OS processes by listen
// address. Matching is a raw substring test against full command lines, so
// callers must pass specific addresses (host:port), never a bare port.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Inspector lists OS processes through the system ps and pgrep tools.
type Inspector struct {
	PS    string
	Pgrep string
	self  int
}

// NewInspector returns an inspector using ps and pgrep from PATH.
func NewInspector() *Inspector {
	return &Inspector{PS: "ps", Pgrep: "pgrep", self: os.Getpid()}
}

// FindProcessIDs returns the pids of all processes whose command line
// contains addr.
func (i *Inspector) FindProcessIDs(ctx context.Context, addr string) ([]int, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("find processes: empty address")
	}
	cmd := exec.CommandContext(ctx, i.PS, "aux")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("run %s aux: %w", i.PS, err)
	}
	listing := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("run %s aux: %w", i.PS, err)
	}
	return ParseProcessList(stdout.Bytes(), addr, i.self, listing)
}

// ParseProcessList extracts the pid column of every `ps aux` line that
// contains addr. Lines belonging to the excluded pids or to a grep command
// are skipped. A matching line without a numeric pid is an error.
func ParseProcessList(out []byte, addr string, exclude ...int) ([]int, error) {
	skip := make(map[int]bool, len(exclude))
	for _, pid := range exclude {
		skip[pid] = true
	}
	var pids []int
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.Contains(line, addr) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed process line %q", line)
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("parse pid in %q: %w", line, err)
		}
		if skip[pid] || isGrep(fields) {
			continue
		}
		pids = append(pids, pid)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return pids, nil
}

// isGrep reports whether the COMMAND column of a ps aux line is grep.
func isGrep(fields []string) bool {
	if len(fields) < 11 {
		return false
	}
	return filepath.Base(fields[10]) == "grep"
}

// ChildProcessID returns the first direct child of ppid, or 0 when it has none.
func (i *Inspector) ChildProcessID(ctx context.Context, ppid int) (int, error) {
	out, err := exec.CommandContext(ctx, i.Pgrep, "-P", strconv.Itoa(ppid)).Output()
	if err != nil {
		var exitErr *exec.ExitError
		// pgrep exits 1 when nothing matched.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && len(bytes.TrimSpace(out)) == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("run %s -P %d: %w", i.Pgrep, ppid, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return 0, fmt.Errorf("parse child pid %q: %w", line, err)
		}
		return pid, nil
	}
	return 0, nil
}
