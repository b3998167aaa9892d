// Package events is the per-address log journal shared by the foreground
// command and the detached probe loop. Every line is
// "<local datetime> <message>" and each append holds an exclusive flock.
package events

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/treykane/sshp/internal/model"
)

// TimeLayout is the timestamp prefix of every record.
const TimeLayout = "2006-01-02 15:04:05"

// Record is one parsed log line.
type Record struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Query controls bounded reads.
type Query struct {
	Since time.Time
	Limit int
}

// Store appends to and reads one log file.
type Store struct {
	path string
	now  func() time.Time
}

// FilePath returns the log file for a listen address under runDir.
func FilePath(runDir, addr string) string {
	return filepath.Join(runDir, model.FileKey(addr)+".log")
}

// CrashPath returns the file that receives the raw stderr of a detached
// probe loop for addr. It is kept apart from the log so the log only ever
// holds timestamped records.
func CrashPath(runDir, addr string) string {
	return filepath.Join(runDir, model.FileKey(addr)+".err")
}

// NewStore returns a store for the log file of addr.
func NewStore(runDir, addr string) *Store {
	return &Store{path: FilePath(runDir, addr), now: time.Now}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Append writes msg as a single record.
func (s *Store) Append(msg string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer func() { _ = unlockFile(f) }()

	line := s.now().Format(TimeLayout) + " " + strings.TrimRight(msg, "\n") + "\n"
	_, err = f.WriteString(line)
	return err
}

// Read returns records in append order, filtered by q. Lines without a
// timestamp prefix are attached to the previous record.
func (s *Store) Read(q Query) ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, ok := parseLine(line)
		if !ok {
			if len(out) > 0 {
				out[len(out)-1].Message += "\n" + line
			}
			continue
		}
		if !q.Since.IsZero() && rec.Time.Before(q.Since) {
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.path, err)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func parseLine(line string) (Record, bool) {
	if len(line) < len(TimeLayout)+1 {
		return Record{}, false
	}
	ts, err := time.ParseInLocation(TimeLayout, line[:len(TimeLayout)], time.Local)
	if err != nil {
		return Record{}, false
	}
	return Record{Time: ts, Message: strings.TrimPrefix(line[len(TimeLayout):], " ")}, true
}
