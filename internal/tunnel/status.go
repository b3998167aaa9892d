package tunnel

import (
	"context"
	"strings"

	"github.com/treykane/sshp/internal/events"
	"github.com/treykane/sshp/internal/model"
	"github.com/treykane/sshp/internal/pidfile"
)

const abandonedMarker = "probe loop abandoned"

// Status reports the processes, PID file and last log line of one tunnel.
func (s *Supervisor) Status(ctx context.Context, name string, spec model.TunnelSpec) model.TunnelStatus {
	st := model.TunnelStatus{
		Name:      name,
		Mode:      spec.Mode,
		LocalAddr: spec.LocalAddr,
		PIDFile:   pidfile.FilePath(s.runDir, spec.LocalAddr),
		LogFile:   events.FilePath(s.runDir, spec.LocalAddr),
	}
	if pids, err := s.procs.FindProcessIDs(ctx, spec.LocalAddr); err == nil {
		st.TunnelPIDs = pids
	} else {
		s.logger.Debug("status process lookup", "addr", spec.LocalAddr, "error", err)
	}
	if pid, err := pidfile.Read(s.runDir, spec.LocalAddr); err == nil && pid > 0 {
		st.ProbePID = pid
		st.ProbeAlive = s.term.Alive(pid)
	}
	if recs, err := s.journal(spec).Read(events.Query{Limit: 1}); err == nil && len(recs) > 0 {
		last := recs[len(recs)-1]
		st.LastLog = last.Time.Format(events.TimeLayout) + " " + last.Message
	}
	st.State = deriveState(st)
	return st
}

func deriveState(st model.TunnelStatus) model.TunnelState {
	up := len(st.TunnelPIDs) > 0
	switch {
	case up:
		return model.TunnelHealthy
	case st.ProbeAlive:
		return model.TunnelRestarting
	case strings.Contains(st.LastLog, abandonedMarker):
		return model.TunnelAbandoned
	case st.ProbePID > 0:
		return model.TunnelFailed
	default:
		return model.TunnelStopped
	}
}
