// Package doctor runs local diagnostics for the tools and files sshp relies on.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/treykane/sshp/internal/appconfig"
	"github.com/treykane/sshp/internal/model"
	"github.com/treykane/sshp/internal/pidfile"
	"github.com/treykane/sshp/internal/process"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// HasHigh reports whether any issue would stop a tunnel from starting.
func (r Report) HasHigh() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Replaced in tests.
var (
	lookPath = exec.LookPath
	alive    = process.Alive
)

// Run executes local diagnostics against a loaded config.
func Run(cfg appconfig.Config) Report {
	var issues []Issue
	issues = append(issues, binaryIssues(cfg.Runtime)...)
	issues = append(issues, configIssues(cfg)...)
	issues = append(issues, runDirIssues(cfg.Runtime.RunDir)...)
	issues = append(issues, pidFileIssues(cfg.Runtime.RunDir)...)
	if cfg.Path != "" {
		checkPathPerm(&issues, cfg.Path, 0o644, true)
	}
	sortIssues(issues)
	return Report{Issues: issues}
}

// ConfigMissing builds the report for a config that could not be loaded.
func ConfigMissing(path string, err error) Report {
	return Report{Issues: []Issue{{
		Severity:       SeverityHigh,
		Check:          "config-load",
		Target:         path,
		Message:        err.Error(),
		Recommendation: "create the file with a [dynamic_proxy] or [multi_proxy] section, or pass -c",
	}}}
}

func binaryIssues(rt appconfig.Runtime) []Issue {
	type tool struct {
		name     string
		severity Severity
		purpose  string
	}
	tools := []tool{{rt.SSHBinary, SeverityHigh, "opens every tunnel"}}
	curlSeverity := SeverityHigh
	if rt.ProbeMode == appconfig.ProbeModeNative {
		curlSeverity = SeverityLow
	}
	tools = append(tools, tool{rt.CurlBinary, curlSeverity, "checks the tunnel through the proxy"})
	if runtime.GOOS != "windows" {
		tools = append(tools,
			tool{"ps", SeverityHigh, "finds tunnel processes"},
			tool{"pgrep", SeverityMedium, "finds the probe loop's in-flight child"},
		)
	}

	var issues []Issue
	for _, t := range tools {
		if _, err := lookPath(t.name); err != nil {
			issues = append(issues, Issue{
				Severity:       t.severity,
				Check:          "binary",
				Target:         t.name,
				Message:        fmt.Sprintf("%s not found in PATH (%s)", t.name, t.purpose),
				Recommendation: fmt.Sprintf("install %s or set its path in [runtime]", t.name),
			})
		}
	}
	return issues
}

func configIssues(cfg appconfig.Config) []Issue {
	var (
		issues []Issue
		specs  []model.TunnelSpec
	)
	if cfg.DynamicProxy == nil && cfg.MultiProxy == nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "config-section",
			Target:         cfg.Path,
			Message:        "neither dynamic_proxy nor multi_proxy is configured",
			Recommendation: "add a [dynamic_proxy] section with local_addr and remote_ip",
		})
	}
	if cfg.DynamicProxy != nil {
		spec, err := cfg.Dynamic()
		issues = appendSpecIssue(issues, cfg.Path, err)
		if err == nil {
			specs = append(specs, spec)
		}
	}
	if cfg.MultiProxy != nil {
		spec, err := cfg.Multi()
		issues = appendSpecIssue(issues, cfg.Path, err)
		if err == nil {
			specs = append(specs, spec)
		}
	}
	return append(issues, duplicateBindIssues(specs)...)
}

func appendSpecIssue(issues []Issue, path string, err error) []Issue {
	if err == nil {
		return issues
	}
	return append(issues, Issue{
		Severity:       SeverityHigh,
		Check:          "config-invalid",
		Target:         path,
		Message:        err.Error(),
		Recommendation: "fix the section before starting the tunnel",
	})
}

// duplicateBindIssues flags tunnels sharing a listen address. They would
// share PID and log files and stop each other's processes.
func duplicateBindIssues(specs []model.TunnelSpec) []Issue {
	seen := map[string]int{}
	for _, s := range specs {
		seen[s.LocalAddr]++
	}
	var issues []Issue
	for addr, n := range seen {
		if n < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-local-bind",
			Target:         addr,
			Message:        fmt.Sprintf("local_addr is configured by %d sections", n),
			Recommendation: "use a unique local_addr per proxy section",
		})
	}
	return issues
}

func runDirIssues(dir string) []Issue {
	var issues []Issue
	st, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		parent := filepath.Dir(dir)
		if !writable(parent) {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "run-dir",
				Target:         dir,
				Message:        fmt.Sprintf("run dir does not exist and %s is not writable", parent),
				Recommendation: "create it with the right owner or set run_dir / SSHP_RUN_DIR",
			})
		}
		return issues
	case err != nil:
		return append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "run-dir",
			Target:         dir,
			Message:        fmt.Sprintf("unable to inspect run dir: %v", err),
			Recommendation: "verify path and permissions manually",
		})
	case !st.IsDir():
		return append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "run-dir",
			Target:         dir,
			Message:        "run dir is not a directory",
			Recommendation: "point run_dir at a directory",
		})
	}
	if !writable(dir) {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "run-dir",
			Target:         dir,
			Message:        "run dir is not writable",
			Recommendation: "run as the directory owner or set run_dir / SSHP_RUN_DIR",
		})
	}
	// A planted PID file would make stop kill an arbitrary process.
	checkPathPerm(&issues, dir, 0o755, false)
	return issues
}

func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".sshp-doctor-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func pidFileIssues(dir string) []Issue {
	paths, err := pidfile.List(dir)
	if err != nil {
		return nil
	}
	var issues []Issue
	for _, path := range paths {
		pid, err := pidfile.ReadFile(path)
		switch {
		case err != nil:
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "pid-file",
				Target:         path,
				Message:        err.Error(),
				Recommendation: "remove the file; the next start rewrites it",
			})
		case pid > 0 && !alive(pid):
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "pid-file",
				Target:         path,
				Message:        fmt.Sprintf("probe loop %d is not running", pid),
				Recommendation: "run `sshp d stop` or `sshp m stop` to clean up",
			})
		}
	}
	return issues
}

func checkPathPerm(issues *[]Issue, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*issues = append(*issues, Issue{
			Severity:       SeverityLow,
			Check:          "permissions",
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*issues = append(*issues, Issue{
			Severity:       SeverityMedium,
			Check:          "permissions",
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}

func sortIssues(issues []Issue) {
	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
