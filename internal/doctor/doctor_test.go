package doctor

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/treykane/sshp/internal/appconfig"
	"github.com/treykane/sshp/internal/pidfile"
)

func stubTools(t *testing.T, missing ...string) {
	t.Helper()
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(name string) (string, error) {
		for _, m := range missing {
			if m == name {
				return "", errors.New("not found")
			}
		}
		return "/usr/bin/" + name, nil
	}
}

func stubAlive(t *testing.T, live ...int) {
	t.Helper()
	orig := alive
	t.Cleanup(func() { alive = orig })
	alive = func(pid int) bool {
		for _, l := range live {
			if l == pid {
				return true
			}
		}
		return false
	}
}

func baseConfig(t *testing.T) appconfig.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	rt := appconfig.DefaultRuntime()
	rt.RunDir = dir
	return appconfig.Config{
		DynamicProxy: &appconfig.ProxyConfig{LocalAddr: "127.0.0.1:1080", RemoteIP: "10.0.0.5"},
		Runtime:      rt,
	}
}

func hasCheck(r Report, check, target string) bool {
	for _, i := range r.Issues {
		if i.Check == check && (target == "" || i.Target == target) {
			return true
		}
	}
	return false
}

func TestRunCleanConfigHasNoIssues(t *testing.T) {
	stubTools(t)
	stubAlive(t)
	report := Run(baseConfig(t))
	if len(report.Issues) != 0 {
		t.Fatalf("expected no issues, got %+v", report.Issues)
	}
}

func TestRunIncludesDuplicateBindIssue(t *testing.T) {
	stubTools(t)
	stubAlive(t)
	cfg := baseConfig(t)
	cfg.MultiProxy = &appconfig.MultiProxyConfig{LocalAddr: "127.0.0.1:1080", RemoteIP: "10.0.0.9", ForwardIP: "bastion"}

	report := Run(cfg)
	if !hasCheck(report, "duplicate-local-bind", "127.0.0.1:1080") {
		t.Fatalf("expected duplicate-local-bind issue, got %+v", report.Issues)
	}
	if !report.HasHigh() {
		t.Fatal("duplicate bind must be high severity")
	}
}

func TestRunFlagsMissingBinaries(t *testing.T) {
	stubTools(t, "ssh", "curl")
	stubAlive(t)
	cfg := baseConfig(t)
	cfg.Runtime.ProbeMode = appconfig.ProbeModeNative

	report := Run(cfg)
	var sshSev, curlSev Severity
	for _, i := range report.Issues {
		if i.Check != "binary" {
			continue
		}
		switch i.Target {
		case "ssh":
			sshSev = i.Severity
		case "curl":
			curlSev = i.Severity
		}
	}
	if sshSev != SeverityHigh {
		t.Fatalf("missing ssh should be high, got %q", sshSev)
	}
	if curlSev != SeverityLow {
		t.Fatalf("missing curl with native probe should be low, got %q", curlSev)
	}
	if report.Issues[0].Severity != SeverityHigh {
		t.Fatalf("issues not sorted by severity: %+v", report.Issues)
	}
}

func TestRunFlagsInvalidSection(t *testing.T) {
	stubTools(t)
	stubAlive(t)
	cfg := baseConfig(t)
	cfg.DynamicProxy.LocalAddr = "1080"

	if report := Run(cfg); !hasCheck(report, "config-invalid", "") {
		t.Fatalf("expected config-invalid issue, got %+v", report.Issues)
	}
}

func TestRunFlagsStalePIDFiles(t *testing.T) {
	stubTools(t)
	stubAlive(t, 100)
	cfg := baseConfig(t)
	dir := cfg.Runtime.RunDir
	if err := pidfile.Write(dir, "127.0.0.1:1080", 100); err != nil {
		t.Fatal(err)
	}
	if err := pidfile.Write(dir, "127.0.0.1:1081", 200); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "127.0.0.1-1082.pid"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	report := Run(cfg)
	if hasCheck(report, "pid-file", pidfile.FilePath(dir, "127.0.0.1:1080")) {
		t.Fatal("live probe loop reported as stale")
	}
	if !hasCheck(report, "pid-file", pidfile.FilePath(dir, "127.0.0.1:1081")) {
		t.Fatalf("expected stale pid issue, got %+v", report.Issues)
	}
	if !hasCheck(report, "pid-file", filepath.Join(dir, "127.0.0.1-1082.pid")) {
		t.Fatalf("expected corrupt pid issue, got %+v", report.Issues)
	}
}

func TestRunFlagsBroadRunDir(t *testing.T) {
	stubTools(t)
	stubAlive(t)
	cfg := baseConfig(t)
	if err := os.Chmod(cfg.Runtime.RunDir, 0o777); err != nil {
		t.Fatal(err)
	}
	if report := Run(cfg); !hasCheck(report, "permissions", cfg.Runtime.RunDir) {
		t.Fatalf("expected permissions issue, got %+v", report.Issues)
	}
}

func TestRunJSONShapeDeterministic(t *testing.T) {
	stubTools(t, "pgrep")
	stubAlive(t)
	report := Run(baseConfig(t))
	b, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["issues"]; !ok {
		t.Fatalf("expected issues key in json output: %s", string(b))
	}
}

func TestConfigMissing(t *testing.T) {
	r := ConfigMissing("/nope/sshp.toml", appconfig.ErrConfigNotFound)
	if !r.HasHigh() || r.Issues[0].Check != "config-load" {
		t.Fatalf("unexpected report %+v", r)
	}
}
