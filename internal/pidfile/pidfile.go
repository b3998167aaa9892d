// Package pidfile records the probe loop's process id for one listen address.
//
// A PID file is a hint, never a handle: the process may have died without
// removing it, so callers must revalidate the pid before signalling it.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/treykane/sshp/internal/model"
)

// FilePath returns the PID file for a listen address under runDir.
func FilePath(runDir, addr string) string {
	return filepath.Join(runDir, model.FileKey(addr)+".pid")
}

// Write stores pid as plain decimal text with no trailing data.
func Write(runDir, addr string, pid int) error {
	path := FilePath(runDir, addr)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read returns the recorded pid, or 0 when there is no PID file.
func Read(runDir, addr string) (int, error) {
	return ReadFile(FilePath(runDir, addr))
}

// ReadFile parses the PID file at path, returning 0 when it does not exist.
func ReadFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return pid, nil
}

// List returns every PID file under runDir.
func List(runDir string) ([]string, error) {
	return filepath.Glob(filepath.Join(runDir, "*.pid"))
}

// Remove deletes the PID file. A missing file is not an error.
func Remove(runDir, addr string) error {
	err := os.Remove(FilePath(runDir, addr))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
