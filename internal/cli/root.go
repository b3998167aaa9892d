// Package cli provides the command-line interface for sshp.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/treykane/sshp/internal/appconfig"
	"github.com/treykane/sshp/internal/events"
	"github.com/treykane/sshp/internal/model"
	"github.com/treykane/sshp/internal/probe"
	"github.com/treykane/sshp/internal/process"
	"github.com/treykane/sshp/internal/sshclient"
	"github.com/treykane/sshp/internal/tunnel"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "0.2.0"

// Verbs accepted by -t.
const (
	verbStart   = "start"
	verbStop    = "stop"
	verbRestart = "restart"
)

// probeExecutable is the binary re-executed for the probe loop; empty means
// this one. Replaced in tests.
var probeExecutable string

type rootOptions struct {
	configPath string
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "sshp",
		Short:         "A CLI to support SSH dynamic proxy",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default "+appconfig.DefaultPath()+")")

	root.AddCommand(newProxyCmd(opts, "dynamic_proxy", "d", "Open a SOCKS proxy straight to the remote host"))
	root.AddCommand(newProxyCmd(opts, "multi_proxy", "m", "Open a SOCKS proxy through a forward host"))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newLogsCmd(opts))
	root.AddCommand(newDoctorCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newProbeCmd(opts))
	return root
}

func newProxyCmd(opts *rootOptions, name, alias, short string) *cobra.Command {
	var verb string
	cmd := &cobra.Command{
		Use:       name + " [start|stop|restart]",
		Aliases:   []string{alias},
		Short:     short,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{verbStart, verbStop, verbRestart},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				verb = args[0]
			}
			cfg, spec, err := loadSpec(opts.configPath, alias)
			if err != nil {
				return err
			}
			env, err := newEnv(cfg, alias, foregroundLogger(cfg.Runtime.LogLevel))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			switch strings.ToLower(verb) {
			case verbStart:
				return reportLaunch(cmd, cfg, spec, func() (tunnel.Outcome, error) { return env.sup.Start(ctx, spec) })
			case verbStop:
				report, err := env.sup.Stop(ctx, spec)
				if err != nil {
					return err
				}
				printStopped(out, !report.Nothing())
				return nil
			case verbRestart:
				return reportLaunch(cmd, cfg, spec, func() (tunnel.Outcome, error) { return env.sup.Restart(ctx, spec) })
			default:
				return fmt.Errorf("unknown operation %q, want start, stop or restart", verb)
			}
		},
	}
	cmd.Flags().StringVarP(&verb, "type", "t", verbStart, "operation: start, stop or restart")
	return cmd
}

func reportLaunch(cmd *cobra.Command, cfg appconfig.Config, spec model.TunnelSpec, launch func() (tunnel.Outcome, error)) error {
	if err := sshclient.EnsureSSHBinary(cfg.Runtime.SSHBinary); err != nil {
		return err
	}
	out, err := launch()
	if err != nil {
		return err
	}
	if out.Probe.Inconclusive() {
		printInconclusive(cmd.OutOrStdout(), spec.LocalAddr, cfg.Runtime.ProbeURL, out.Probe.Err)
		return nil
	}
	printOpened(cmd.OutOrStdout(), spec.LocalAddr)
	return nil
}

// newProbeCmd is the body of the detached probe loop. It is started by
// start and restart and never by hand.
func newProbeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "probe <d|m>",
		Short:  "Run the probe loop for one tunnel",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, spec, err := loadSpec(opts.configPath, args[0])
			if err != nil {
				return err
			}
			store := events.NewStore(cfg.Runtime.RunDir, spec.LocalAddr)
			// Restart attempts are info records; the journal always keeps them.
			level := min(parseLevel(cfg.Runtime.LogLevel, slog.LevelInfo), slog.LevelInfo)
			logger := slog.New(events.NewHandler(store, level))
			env, err := newEnv(cfg, args[0], logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := env.sup.RunProbeLoop(ctx, spec); err != nil {
				// Abandonment is already journaled by the loop.
				if !errors.Is(err, tunnel.ErrAbandoned) {
					logger.Error("probe loop exited", "addr", spec.LocalAddr, "error", err)
				}
				return ErrReported
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sshp version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sshp %s\n", Version)
		},
	}
}

// loadSpec reads the config and resolves the tunnel for a mode argument
// ("d", "dynamic_proxy", "m" or "multi_proxy").
func loadSpec(path, mode string) (appconfig.Config, model.TunnelSpec, error) {
	cfg, err := appconfig.Load(path)
	if err != nil {
		return cfg, model.TunnelSpec{}, err
	}
	spec, err := specFor(cfg, mode)
	return cfg, spec, err
}

func specFor(cfg appconfig.Config, mode string) (model.TunnelSpec, error) {
	switch mode {
	case "d", "dynamic_proxy":
		return cfg.Dynamic()
	case "m", "multi_proxy":
		return cfg.Multi()
	default:
		return model.TunnelSpec{}, fmt.Errorf("unknown proxy %q, want d or m", mode)
	}
}

// env is the wired object graph for one tunnel command.
type env struct {
	cfg      appconfig.Config
	launcher *tunnel.Launcher
	sup      *tunnel.Supervisor
}

func newEnv(cfg appconfig.Config, mode string, logger *slog.Logger) (*env, error) {
	rt := cfg.Runtime
	if err := appconfig.EnsureRunDir(rt.RunDir); err != nil {
		return nil, err
	}
	cfgPath := cfg.Path
	if abs, err := filepath.Abs(cfgPath); err == nil {
		cfgPath = abs
	}

	insp := process.NewInspector()
	term := process.NewTerminator()
	launcher := tunnel.NewLauncher(sshclient.New(rt.SSHBinary), newProber(rt), insp, term, logger)
	// The loop's argv carries no listen address so process matching never
	// finds the loop itself.
	detacher := tunnel.ExecDetacher{Executable: probeExecutable, Args: []string{"probe", mode, "-c", cfgPath}, RunDir: rt.RunDir}
	sup := tunnel.NewSupervisor(launcher, insp, term, detacher, rt.RunDir, tunnel.LoopSettings{
		InitialGrace:        rt.InitialGrace(),
		PollInterval:        rt.PollInterval(),
		MaxFailures:         rt.MaxRestartFailures,
		RollbackOnAddrInUse: rt.RollbackAddrInUse(),
	}, logger)
	return &env{cfg: cfg, launcher: launcher, sup: sup}, nil
}

func newProber(rt appconfig.Runtime) probe.Prober {
	if rt.ProbeMode == appconfig.ProbeModeNative {
		return probe.NativeProber{URL: rt.ProbeURL, Timeout: rt.ProbeTimeout()}
	}
	return probe.CurlProber{Binary: rt.CurlBinary, URL: rt.ProbeURL, Timeout: rt.ProbeTimeout()}
}

func foregroundLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level, slog.LevelWarn)}))
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return fallback
	}
	return lvl
}

// isMissing reports whether err means a config section is simply absent.
func isMissing(err error) bool {
	return errors.Is(err, appconfig.ErrMissingSection)
}
