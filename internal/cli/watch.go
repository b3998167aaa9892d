package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/treykane/sshp/internal/appconfig"
	"github.com/treykane/sshp/internal/doctor"
	"github.com/treykane/sshp/internal/events"
	"github.com/treykane/sshp/internal/model"
	"github.com/treykane/sshp/internal/tunnel"
	"github.com/treykane/sshp/internal/ui"
	"github.com/treykane/sshp/internal/util"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var refresh int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of tunnels and probe logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(opts.configPath)
			if err != nil {
				return err
			}
			secs, err := sections(cfg)
			if err != nil {
				return err
			}
			return ui.Run(&watchBackend{cfg: cfg, secs: secs}, refresh)
		},
	}
	cmd.Flags().IntVar(&refresh, "refresh", util.DefaultDashboardRefreshSec, "refresh interval in seconds")
	return cmd
}

// watchBackend serves the dashboard. Its logger discards because stderr
// belongs to the alternate screen.
type watchBackend struct {
	cfg  appconfig.Config
	secs []section
}

func (b *watchBackend) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (b *watchBackend) find(name string) (section, error) {
	for _, s := range b.secs {
		if s.name == name {
			return s, nil
		}
	}
	return section{}, fmt.Errorf("unknown tunnel %q", name)
}

func (b *watchBackend) Status(ctx context.Context) ([]model.TunnelStatus, error) {
	return collectStatus(ctx, b.cfg, b.logger())
}

func (b *watchBackend) Logs(name string, limit int) ([]events.Record, error) {
	s, err := b.find(name)
	if err != nil {
		return nil, err
	}
	return events.NewStore(b.cfg.Runtime.RunDir, s.spec.LocalAddr).Read(events.Query{Limit: limit})
}

func (b *watchBackend) Run(ctx context.Context, name, verb string) (string, error) {
	s, err := b.find(name)
	if err != nil {
		return "", err
	}
	env, err := newEnv(b.cfg, s.mode, b.logger())
	if err != nil {
		return "", err
	}
	var out tunnel.Outcome
	switch verb {
	case verbStop:
		report, err := env.sup.Stop(ctx, s.spec)
		if err != nil {
			return "", err
		}
		if report.Nothing() {
			return "No Process to Kill.", nil
		}
		return "Stop Success!", nil
	case verbStart:
		out, err = env.sup.Start(ctx, s.spec)
	case verbRestart:
		out, err = env.sup.Restart(ctx, s.spec)
	default:
		return "", fmt.Errorf("unknown operation %q", verb)
	}
	if err != nil {
		return "", err
	}
	if out.Probe.Inconclusive() {
		return fmt.Sprintf("Listen %s success, but the check through %s was inconclusive: %v", s.spec.LocalAddr, b.cfg.Runtime.ProbeURL, out.Probe.Err), nil
	}
	return fmt.Sprintf("Open Dynamic Proxy Success, listen addr is %s.", s.spec.LocalAddr), nil
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check tools, config and run dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report doctor.Report
			cfg, err := appconfig.Load(opts.configPath)
			switch {
			case errors.Is(err, appconfig.ErrConfigNotFound):
				report = doctor.ConfigMissing(util.DefaultString(opts.configPath, appconfig.DefaultPath()), err)
			case err != nil:
				return err
			default:
				report = doctor.Run(cfg)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
				return doctorResult(report)
			}
			if len(report.Issues) == 0 {
				fmt.Fprintln(out, successStyle.Render("No issues found."))
				return nil
			}
			fmt.Fprintf(out, "%-7s %-21s %-36s %s\n", "SEV", "CHECK", "TARGET", "MESSAGE")
			for _, i := range report.Issues {
				fmt.Fprintf(out, "%-7s %-21s %-36s %s\n", i.Severity, i.Check, i.Target, i.Message)
				fmt.Fprintf(out, "%-7s %-21s %-36s -> %s\n", "", "", "", i.Recommendation)
			}
			return doctorResult(report)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

// doctorResult makes doctor exit non-zero when a tunnel could not start.
func doctorResult(r doctor.Report) error {
	if r.HasHigh() {
		return ErrReported
	}
	return nil
}
