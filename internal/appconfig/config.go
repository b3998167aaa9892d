// Package appconfig loads the sshp configuration file and the runtime settings
// that control the supervisor.
package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/treykane/sshp/internal/model"
	"github.com/treykane/sshp/internal/util"
)

var (
	// ErrConfigNotFound is returned when the config file does not exist.
	ErrConfigNotFound = errors.New("config file not found")
	// ErrMissingSection is returned when the requested proxy section is absent.
	ErrMissingSection = errors.New("config section missing")
)

// Probe modes.
const (
	ProbeModeCurl   = "curl"
	ProbeModeNative = "native"
)

// ProxyConfig is the dynamic_proxy section.
type ProxyConfig struct {
	LocalAddr         string `toml:"local_addr" yaml:"local_addr"`
	RemoteUser        string `toml:"remote_user" yaml:"remote_user"`
	RemoteIP          string `toml:"remote_ip" yaml:"remote_ip"`
	RemotePort        int    `toml:"remote_port" yaml:"remote_port"`
	HeartBeatInterval int    `toml:"heart_beat_interval" yaml:"heart_beat_interval"`
}

// MultiProxyConfig is the multi_proxy section.
type MultiProxyConfig struct {
	LocalAddr         string `toml:"local_addr" yaml:"local_addr"`
	LocalForwardPort  int    `toml:"local_forward_port" yaml:"local_forward_port"`
	RemoteUser        string `toml:"remote_user" yaml:"remote_user"`
	RemoteIP          string `toml:"remote_ip" yaml:"remote_ip"`
	RemotePort        int    `toml:"remote_port" yaml:"remote_port"`
	HeartBeatInterval int    `toml:"heart_beat_interval" yaml:"heart_beat_interval"`
	ForwardIP         string `toml:"forward_ip" yaml:"forward_ip"`
	ForwardPort       int    `toml:"forward_port" yaml:"forward_port"`
	ForwardUser       string `toml:"forward_user" yaml:"forward_user"`
}

// Runtime controls the supervisor itself. Every field may be overridden from
// the environment with the SSHP_ prefix.
type Runtime struct {
	RunDir              string `toml:"run_dir" yaml:"run_dir" envconfig:"RUN_DIR"`
	SSHBinary           string `toml:"ssh_binary" yaml:"ssh_binary" envconfig:"SSH_BINARY"`
	CurlBinary          string `toml:"curl_binary" yaml:"curl_binary" envconfig:"CURL_BINARY"`
	ProbeURL            string `toml:"probe_url" yaml:"probe_url" envconfig:"PROBE_URL"`
	ProbeMode           string `toml:"probe_mode" yaml:"probe_mode" envconfig:"PROBE_MODE"`
	ProbeTimeoutSeconds int    `toml:"probe_timeout_seconds" yaml:"probe_timeout_seconds" envconfig:"PROBE_TIMEOUT_SECONDS"`
	InitialGraceSeconds int    `toml:"initial_grace_seconds" yaml:"initial_grace_seconds" envconfig:"INITIAL_GRACE_SECONDS"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds" yaml:"poll_interval_seconds" envconfig:"POLL_INTERVAL_SECONDS"`
	MaxRestartFailures  int    `toml:"max_restart_failures" yaml:"max_restart_failures" envconfig:"MAX_RESTART_FAILURES"`
	RollbackOnAddrInUse *bool  `toml:"rollback_on_addr_in_use" yaml:"rollback_on_addr_in_use" envconfig:"ROLLBACK_ON_ADDR_IN_USE"`
	LogLevel            string `toml:"log_level" yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Config is the whole configuration file.
type Config struct {
	DynamicProxy *ProxyConfig      `toml:"dynamic_proxy" yaml:"dynamic_proxy"`
	MultiProxy   *MultiProxyConfig `toml:"multi_proxy" yaml:"multi_proxy"`
	Runtime      Runtime           `toml:"runtime" yaml:"runtime"`

	// Path is the file the config was read from.
	Path string `toml:"-" yaml:"-"`
}

// DefaultRuntime returns the runtime defaults.
func DefaultRuntime() Runtime {
	rollback := true
	return Runtime{
		RunDir:              util.DefaultRunDir,
		SSHBinary:           "ssh",
		CurlBinary:          "curl",
		ProbeURL:            util.DefaultProbeURL,
		ProbeMode:           ProbeModeCurl,
		ProbeTimeoutSeconds: int(util.DefaultProbeTimeout / time.Second),
		InitialGraceSeconds: int(util.DefaultInitialGrace / time.Second),
		PollIntervalSeconds: int(util.DefaultPollInterval / time.Second),
		MaxRestartFailures:  util.DefaultMaxRestartFailures,
		RollbackOnAddrInUse: &rollback,
		LogLevel:            "warn",
	}
}

// DefaultPath returns the config file used when -c is not given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, util.AppName+".toml")
}

// Load reads the config at path (DefaultPath when empty). Files ending in
// .yaml or .yml are parsed as YAML, everything else as TOML.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}
	path = util.ExpandHome(path)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return Config{}, err
	}
	cfg := Config{Runtime: DefaultRuntime()}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		_, err = toml.Decode(string(b), &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := envconfig.Process(util.AppName, &cfg.Runtime); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.Path = path
	cfg.Runtime = normalizeRuntime(cfg.Runtime)
	return cfg, nil
}

func normalizeRuntime(rt Runtime) Runtime {
	def := DefaultRuntime()
	rt.RunDir = util.DefaultString(rt.RunDir, def.RunDir)
	rt.SSHBinary = util.DefaultString(rt.SSHBinary, def.SSHBinary)
	rt.CurlBinary = util.DefaultString(rt.CurlBinary, def.CurlBinary)
	rt.ProbeURL = util.DefaultString(rt.ProbeURL, def.ProbeURL)
	rt.ProbeMode = strings.ToLower(strings.TrimSpace(rt.ProbeMode))
	if rt.ProbeMode != ProbeModeNative {
		rt.ProbeMode = ProbeModeCurl
	}
	rt.ProbeTimeoutSeconds = util.DefaultInt(rt.ProbeTimeoutSeconds, def.ProbeTimeoutSeconds)
	if rt.InitialGraceSeconds < 0 {
		rt.InitialGraceSeconds = def.InitialGraceSeconds
	}
	rt.PollIntervalSeconds = util.DefaultInt(rt.PollIntervalSeconds, def.PollIntervalSeconds)
	rt.MaxRestartFailures = util.DefaultInt(rt.MaxRestartFailures, def.MaxRestartFailures)
	if rt.RollbackOnAddrInUse == nil {
		rt.RollbackOnAddrInUse = def.RollbackOnAddrInUse
	}
	rt.LogLevel = util.DefaultString(rt.LogLevel, def.LogLevel)
	return rt
}

// Dynamic returns the simple tunnel described by the dynamic_proxy section.
func (c Config) Dynamic() (model.TunnelSpec, error) {
	p := c.DynamicProxy
	if p == nil {
		return model.TunnelSpec{}, fmt.Errorf("%w: dynamic_proxy", ErrMissingSection)
	}
	spec := model.TunnelSpec{
		Mode:              model.ModeSimple,
		LocalAddr:         strings.TrimSpace(p.LocalAddr),
		RemoteUser:        util.DefaultString(p.RemoteUser, util.DefaultUser),
		RemoteHost:        strings.TrimSpace(p.RemoteIP),
		RemotePort:        util.DefaultInt(p.RemotePort, util.DefaultSSHPort),
		HeartbeatInterval: util.DefaultInt(p.HeartBeatInterval, util.DefaultHeartbeatSeconds),
	}
	return spec, validate(spec)
}

// Multi returns the multi-hop tunnel described by the multi_proxy section.
func (c Config) Multi() (model.TunnelSpec, error) {
	p := c.MultiProxy
	if p == nil {
		return model.TunnelSpec{}, fmt.Errorf("%w: multi_proxy", ErrMissingSection)
	}
	spec := model.TunnelSpec{
		Mode:              model.ModeMultiHop,
		LocalAddr:         strings.TrimSpace(p.LocalAddr),
		RemoteUser:        util.DefaultString(p.RemoteUser, util.DefaultUser),
		RemoteHost:        strings.TrimSpace(p.RemoteIP),
		RemotePort:        util.DefaultInt(p.RemotePort, util.DefaultSSHPort),
		HeartbeatInterval: util.DefaultInt(p.HeartBeatInterval, util.DefaultHeartbeatSeconds),
		ForwardUser:       util.DefaultString(p.ForwardUser, util.DefaultUser),
		ForwardHost:       strings.TrimSpace(p.ForwardIP),
		ForwardPort:       util.DefaultInt(p.ForwardPort, util.DefaultSSHPort),
		LocalForwardPort:  p.LocalForwardPort,
	}
	if err := validate(spec); err != nil {
		return spec, err
	}
	if spec.ForwardHost == "" {
		return spec, fmt.Errorf("multi_proxy: forward_ip is required")
	}
	if spec.LocalForwardPort != 0 {
		if err := util.ValidatePort(spec.LocalForwardPort); err != nil {
			return spec, fmt.Errorf("multi_proxy: local_forward_port: %w", err)
		}
	}
	return spec, nil
}

func validate(spec model.TunnelSpec) error {
	section := "dynamic_proxy"
	if spec.Mode == model.ModeMultiHop {
		section = "multi_proxy"
	}
	if err := util.ValidateListenAddr(spec.LocalAddr); err != nil {
		return fmt.Errorf("%s: %w", section, err)
	}
	if spec.RemoteHost == "" {
		return fmt.Errorf("%s: remote_ip is required", section)
	}
	if err := util.ValidatePort(spec.RemotePort); err != nil {
		return fmt.Errorf("%s: remote_port: %w", section, err)
	}
	return nil
}

// ProbeTimeout returns the bound on one probe.
func (rt Runtime) ProbeTimeout() time.Duration {
	return time.Duration(rt.ProbeTimeoutSeconds) * time.Second
}

// InitialGrace returns the probe loop's startup delay.
func (rt Runtime) InitialGrace() time.Duration {
	return time.Duration(rt.InitialGraceSeconds) * time.Second
}

// PollInterval returns the probe loop's sleep between liveness checks.
func (rt Runtime) PollInterval() time.Duration {
	return time.Duration(rt.PollIntervalSeconds) * time.Second
}

// RollbackAddrInUse reports the probe loop's rollback policy for
// "Address already in use" launch failures.
func (rt Runtime) RollbackAddrInUse() bool {
	return rt.RollbackOnAddrInUse == nil || *rt.RollbackOnAddrInUse
}

// EnsureRunDir creates the run directory if needed.
func EnsureRunDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir %s: %w", dir, err)
	}
	return nil
}
