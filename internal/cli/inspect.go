package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/sshp/internal/appconfig"
	"github.com/treykane/sshp/internal/events"
	"github.com/treykane/sshp/internal/model"
	"github.com/treykane/sshp/internal/util"
)

// section is one configured tunnel.
type section struct {
	name string
	mode string
	spec model.TunnelSpec
}

// sections returns the tunnels present in cfg. Absent sections are skipped;
// invalid ones are errors.
func sections(cfg appconfig.Config) ([]section, error) {
	var out []section
	for _, s := range []struct{ name, mode string }{{"dynamic_proxy", "d"}, {"multi_proxy", "m"}} {
		spec, err := specFor(cfg, s.mode)
		if isMissing(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, section{name: s.name, mode: s.mode, spec: spec})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s has neither dynamic_proxy nor multi_proxy", appconfig.ErrMissingSection, cfg.Path)
	}
	return out, nil
}

func collectStatus(ctx context.Context, cfg appconfig.Config, logger *slog.Logger) ([]model.TunnelStatus, error) {
	secs, err := sections(cfg)
	if err != nil {
		return nil, err
	}
	var out []model.TunnelStatus
	for _, s := range secs {
		env, err := newEnv(cfg, s.mode, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, env.sup.Status(ctx, s.name, s.spec))
	}
	return out, nil
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tunnel and probe loop status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(opts.configPath)
			if err != nil {
				return err
			}
			statuses, err := collectStatus(cmd.Context(), cfg, foregroundLogger(cfg.Runtime.LogLevel))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			fmt.Fprintf(out, "%-14s %-10s %-22s %-11s %-14s %-10s %s\n", "NAME", "MODE", "LOCAL", "STATE", "TUNNEL PIDS", "PROBE PID", "LAST LOG")
			for _, st := range statuses {
				fmt.Fprintf(out, "%-14s %-10s %-22s %-11s %-14s %-10s %s\n",
					st.Name, st.Mode, st.LocalAddr, st.State, joinPIDs(st.TunnelPIDs), probePID(st), util.EmptyDash(firstLine(st.LastLog)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var (
		limit int
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs <d|m>",
		Short: "Show the probe log of a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, spec, err := loadSpec(opts.configPath, args[0])
			if err != nil {
				return err
			}
			q := events.Query{Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			recs, err := events.NewStore(cfg.Runtime.RunDir, spec.LocalAddr).Read(q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "no log records")
				return nil
			}
			for _, r := range recs {
				fmt.Fprintf(out, "%s %s\n", r.Time.Format(events.TimeLayout), r.Message)
			}
			slog.Debug("read log", "path", events.FilePath(cfg.Runtime.RunDir, spec.LocalAddr), "records", len(recs))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "lines", "n", 20, "number of records to show (0 = all)")
	cmd.Flags().DurationVar(&since, "since", 0, "only show records newer than this (e.g. 1h)")
	return cmd
}

func joinPIDs(pids []int) string {
	if len(pids) == 0 {
		return "-"
	}
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func probePID(st model.TunnelStatus) string {
	switch {
	case st.ProbePID == 0:
		return "-"
	case st.ProbeAlive:
		return strconv.Itoa(st.ProbePID)
	default:
		return strconv.Itoa(st.ProbePID) + "(dead)"
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
