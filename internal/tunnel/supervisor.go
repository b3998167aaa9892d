package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/treykane/sshp/internal/events"
	"github.com/treykane/sshp/internal/model"
	"github.com/treykane/sshp/internal/pidfile"
)

// Detacher starts the background probe loop for a tunnel and returns its pid.
type Detacher interface {
	Detach(ctx context.Context, spec model.TunnelSpec) (int, error)
}

// LoopSettings controls the background probe loop.
type LoopSettings struct {
	InitialGrace        time.Duration
	PollInterval        time.Duration
	MaxFailures         int
	RollbackOnAddrInUse bool
}

// StopReport says what a stop found.
type StopReport struct {
	ProbePID int
	Tunnels  int
}

// Nothing reports whether the stop found nothing to kill.
func (r StopReport) Nothing() bool { return r.ProbePID == 0 && r.Tunnels == 0 }

// Supervisor runs the start, stop and restart verbs and the probe loop.
// The PID file under runDir records the probe loop of each address.
type Supervisor struct {
	launcher *Launcher
	procs    Inspector
	term     Terminator
	detacher Detacher
	runDir   string
	loop     LoopSettings
	logger   *slog.Logger

	self  int
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSupervisor wires a supervisor. A nil logger logs to slog.Default.
func NewSupervisor(launcher *Launcher, procs Inspector, term Terminator, detacher Detacher, runDir string, loop LoopSettings, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if loop.MaxFailures < 1 {
		loop.MaxFailures = 1
	}
	return &Supervisor{
		launcher: launcher,
		procs:    procs,
		term:     term,
		detacher: detacher,
		runDir:   runDir,
		loop:     loop,
		logger:   logger,
		self:     os.Getpid(),
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Supervisor) journal(spec model.TunnelSpec) *events.Store {
	return events.NewStore(s.runDir, spec.LocalAddr)
}

func (s *Supervisor) note(spec model.TunnelSpec, msg string) {
	if err := s.journal(spec).Append(msg); err != nil {
		s.logger.Warn("write log file", "addr", spec.LocalAddr, "error", err)
	}
}

// Start stops whatever runs for the address, detaches a new probe loop,
// records its pid and launches the tunnel in the foreground.
func (s *Supervisor) Start(ctx context.Context, spec model.TunnelSpec) (Outcome, error) {
	if _, err := s.StopProbe(ctx, spec); err != nil {
		return Outcome{}, err
	}
	if _, err := s.launcher.Stop(ctx, spec); err != nil {
		return Outcome{}, fmt.Errorf("stop existing tunnel: %w", err)
	}

	pid, err := s.detacher.Detach(ctx, spec)
	if err != nil {
		return Outcome{}, fmt.Errorf("start probe loop: %w", err)
	}
	if err := pidfile.Write(s.runDir, spec.LocalAddr, pid); err != nil {
		// An unrecorded loop could never be stopped.
		_ = s.term.Kill(ctx, pid)
		return Outcome{}, fmt.Errorf("write pid file: %w", err)
	}
	s.note(spec, fmt.Sprintf("start probe process pid=%d", pid))
	s.logger.Debug("probe loop detached", "addr", spec.LocalAddr, "pid", pid)

	// The foreground always rolls back, whatever the loop policy.
	return s.launcher.Launch(ctx, spec, LaunchOptions{RollbackOnAddrInUse: true})
}

// Stop kills the probe loop first so it cannot resurrect the tunnel, then
// every tunnel process for the address.
func (s *Supervisor) Stop(ctx context.Context, spec model.TunnelSpec) (StopReport, error) {
	var report StopReport
	pid, err := s.StopProbe(ctx, spec)
	if err != nil {
		return report, err
	}
	report.ProbePID = pid

	n, err := s.launcher.Stop(ctx, spec)
	report.Tunnels = n
	if err != nil {
		return report, err
	}
	if !report.Nothing() {
		s.note(spec, fmt.Sprintf("stop tunnel processes=%d", n))
	}
	return report, nil
}

// Restart is Stop followed by Start.
func (s *Supervisor) Restart(ctx context.Context, spec model.TunnelSpec) (Outcome, error) {
	if _, err := s.Stop(ctx, spec); err != nil {
		return Outcome{}, err
	}
	return s.Start(ctx, spec)
}

// StopProbe kills the recorded probe loop and its in-flight child, then
// removes the PID file. It returns the killed pid, or 0 when there was no
// live loop. A PID file naming a dead process is removed as stale.
func (s *Supervisor) StopProbe(ctx context.Context, spec model.TunnelSpec) (int, error) {
	pid, err := pidfile.Read(s.runDir, spec.LocalAddr)
	if err != nil {
		s.logger.Warn("discarding unreadable pid file", "addr", spec.LocalAddr, "error", err)
		return 0, pidfile.Remove(s.runDir, spec.LocalAddr)
	}
	if pid == 0 || pid == s.self {
		return 0, nil
	}
	if !s.term.Alive(pid) {
		s.note(spec, fmt.Sprintf("remove stale pid file pid=%d", pid))
		return 0, pidfile.Remove(s.runDir, spec.LocalAddr)
	}

	child, err := s.procs.ChildProcessID(ctx, pid)
	if err != nil {
		s.logger.Debug("lookup probe child", "pid", pid, "error", err)
	}
	if err := s.term.Kill(ctx, pid); err != nil {
		s.note(spec, fmt.Sprintf("kill probe process pid=%d failed: %v", pid, err))
		return 0, fmt.Errorf("kill probe process %d: %w", pid, err)
	}
	if child > 0 {
		if err := s.term.Kill(ctx, child); err != nil {
			s.logger.Warn("kill probe child", "pid", child, "error", err)
		}
	}
	if err := pidfile.Remove(s.runDir, spec.LocalAddr); err != nil {
		return pid, err
	}
	s.note(spec, fmt.Sprintf("stop probe process pid=%d", pid))
	return pid, nil
}

// RunProbeLoop is the body of the detached probe process. After the initial
// grace it relaunches the tunnel whenever no process matches the address,
// and gives up with ErrAbandoned after MaxFailures consecutive failed
// relaunches. Cancelling ctx ends the loop with a nil error.
func (s *Supervisor) RunProbeLoop(ctx context.Context, spec model.TunnelSpec) error {
	addr := spec.LocalAddr
	s.logger.Info("probe loop started", "addr", addr, "pid", s.self)
	defer s.releasePIDFile(spec)

	if err := s.sleep(ctx, s.loop.InitialGrace); err != nil {
		return nil
	}

	opts := LaunchOptions{RollbackOnAddrInUse: s.loop.RollbackOnAddrInUse}
	failures, attempts := 0, 0
	for {
		pids, err := s.procs.FindProcessIDs(ctx, addr)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			s.logger.Warn("process lookup failed", "addr", addr, "error", err)
		case len(pids) == 0:
			attempts++
			s.logger.Info("restart attempt", "addr", addr, "n", attempts)
			if _, err := s.launcher.Launch(ctx, spec, opts); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				failures++
				s.logger.Warn("restart failed", "addr", addr, "failures", failures, "error", err)
				if failures >= s.loop.MaxFailures {
					s.logger.Error("probe loop abandoned", "addr", addr, "failures", failures)
					return ErrAbandoned
				}
			} else {
				failures = 0
				s.logger.Info("restart succeeded", "addr", addr)
			}
		}
		if err := s.sleep(ctx, s.loop.PollInterval); err != nil {
			return nil
		}
	}
}

// releasePIDFile removes the PID file if it still names this process.
func (s *Supervisor) releasePIDFile(spec model.TunnelSpec) {
	pid, err := pidfile.Read(s.runDir, spec.LocalAddr)
	if err != nil || pid != s.self {
		return
	}
	if err := pidfile.Remove(s.runDir, spec.LocalAddr); err != nil {
		s.logger.Warn("remove pid file", "addr", spec.LocalAddr, "error", err)
	}
}
