// Package tunnel launches proxy tunnels and supervises them.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/treykane/sshp/internal/model"
	"github.com/treykane/sshp/internal/probe"
	"github.com/treykane/sshp/internal/sshclient"
	"github.com/treykane/sshp/internal/util"
)

// StageRunner abstracts the ssh spawn for testing.
type StageRunner interface {
	RunStage(ctx context.Context, args []string, grace time.Duration) (sshclient.StageResult, error)
}

// Inspector finds tunnel processes by command-line substring.
type Inspector interface {
	FindProcessIDs(ctx context.Context, addr string) ([]int, error)
	ChildProcessID(ctx context.Context, ppid int) (int, error)
}

// Terminator kills processes and checks liveness.
type Terminator interface {
	Kill(ctx context.Context, pid int) error
	Alive(pid int) bool
}

// LaunchOptions tunes the rollback after a failed launch.
type LaunchOptions struct {
	// RollbackOnAddrInUse kills matching processes even when the failure was
	// "Address already in use". Those processes may belong to a healthy
	// tunnel started by someone else.
	RollbackOnAddrInUse bool
}

// Outcome describes a successful launch.
type Outcome struct {
	Addr        string
	ForwardPort int
	Probe       probe.Result
}

// Launcher opens tunnels and tears them down.
type Launcher struct {
	ssh    StageRunner
	prober probe.Prober
	procs  Inspector
	term   Terminator
	logger *slog.Logger

	// forwardPort picks the multi-hop local forward port when none is configured.
	forwardPort func() int
}

// NewLauncher wires a launcher. A nil logger logs to slog.Default.
func NewLauncher(ssh StageRunner, prober probe.Prober, procs Inspector, term Terminator, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		ssh:         ssh,
		prober:      prober,
		procs:       procs,
		term:        term,
		logger:      logger,
		forwardPort: util.AvailablePort,
	}
}

// Launch opens the tunnel it is given and checks it through the proxy.
// On failure every process matching the tunnel is killed, subject to opts.
func (l *Launcher) Launch(ctx context.Context, spec model.TunnelSpec, opts LaunchOptions) (Outcome, error) {
	switch spec.Mode {
	case model.ModeSimple:
		return l.launchSimple(ctx, spec, opts)
	case model.ModeMultiHop:
		return l.launchMultiHop(ctx, spec, opts)
	default:
		return Outcome{}, fmt.Errorf("unknown tunnel mode %q", spec.Mode)
	}
}

func (l *Launcher) launchSimple(ctx context.Context, spec model.TunnelSpec, opts LaunchOptions) (Outcome, error) {
	if err := l.runStage(ctx, spec, StageDynamic, sshclient.DynamicArgs(spec), util.SimpleStderrGrace, opts); err != nil {
		return Outcome{}, err
	}
	return l.verify(ctx, spec, Outcome{Addr: spec.LocalAddr}, opts)
}

func (l *Launcher) launchMultiHop(ctx context.Context, spec model.TunnelSpec, opts LaunchOptions) (Outcome, error) {
	port := spec.LocalForwardPort
	if port == 0 {
		port = l.forwardPort()
	}
	if err := util.ValidatePort(port); err != nil {
		return Outcome{}, fmt.Errorf("local forward port: %w", err)
	}
	// Stage two is never attempted when stage one fails.
	if err := l.runStage(ctx, spec, StageLocalForward, sshclient.LocalForwardArgs(spec, port), util.HopStderrGrace, opts); err != nil {
		return Outcome{}, err
	}
	if err := l.runStage(ctx, spec, StageHopDynamic, sshclient.HopDynamicArgs(spec, port), util.HopStderrGrace, opts); err != nil {
		return Outcome{}, err
	}
	return l.verify(ctx, spec, Outcome{Addr: spec.LocalAddr, ForwardPort: port}, opts)
}

func (l *Launcher) runStage(ctx context.Context, spec model.TunnelSpec, stage string, args []string, grace time.Duration, opts LaunchOptions) error {
	l.logger.Debug("spawn ssh", "stage", stage, "args", args)
	res, err := l.ssh.RunStage(ctx, args, grace)
	if err != nil {
		return &LaunchError{Stage: stage, Addr: spec.LocalAddr, Err: err}
	}
	if !res.Failed() {
		return nil
	}
	lerr := &LaunchError{
		Stage:      stage,
		Addr:       spec.LocalAddr,
		Diagnostic: res.Diagnostic,
		Status:     res.ExitStatus(),
		Err:        res.ExitErr,
	}
	l.rollback(ctx, spec, lerr, opts)
	return lerr
}

func (l *Launcher) verify(ctx context.Context, spec model.TunnelSpec, out Outcome, opts LaunchOptions) (Outcome, error) {
	res := l.prober.Probe(ctx, spec.LocalAddr)
	out.Probe = res
	if probe.Classify(res) {
		if res.Inconclusive() {
			l.logger.Warn("proxy check inconclusive, keeping tunnel", "addr", spec.LocalAddr, "error", res.Err)
		}
		return out, nil
	}
	lerr := &LaunchError{Stage: StageProbe, Addr: spec.LocalAddr, Diagnostic: res.Diagnostic, Err: ErrProbeUnhealthy}
	l.rollback(ctx, spec, lerr, opts)
	return out, lerr
}

func (l *Launcher) rollback(ctx context.Context, spec model.TunnelSpec, lerr *LaunchError, opts LaunchOptions) {
	if lerr.AddrInUse() && !opts.RollbackOnAddrInUse {
		l.logger.Warn("address in use, leaving existing processes alone", "addr", spec.LocalAddr)
		return
	}
	// Teardown problems never mask the launch error.
	if _, err := l.Stop(ctx, spec); err != nil {
		l.logger.Warn("rollback incomplete", "addr", spec.LocalAddr, "error", err)
	}
}

// Stop kills every process whose command line contains one of the tunnel's
// match addresses and returns how many were found. Processes that are
// already gone are not an error.
func (l *Launcher) Stop(ctx context.Context, spec model.TunnelSpec) (int, error) {
	addrs := spec.MatchAddrs()
	found := make([][]int, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			pids, err := l.procs.FindProcessIDs(gctx, addr)
			if err != nil {
				return fmt.Errorf("find processes for %s: %w", addr, err)
			}
			found[i] = pids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var pids []int
	for _, list := range found {
		pids = append(pids, list...)
	}
	slices.Sort(pids)
	pids = slices.Compact(pids)

	var errs []error
	for _, pid := range pids {
		if err := l.term.Kill(ctx, pid); err != nil {
			errs = append(errs, fmt.Errorf("kill %d: %w", pid, err))
			continue
		}
		l.logger.Debug("killed tunnel process", "addr", spec.LocalAddr, "pid", pid)
	}
	return len(pids), errors.Join(errs...)
}
