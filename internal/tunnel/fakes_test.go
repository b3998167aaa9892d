package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/treykane/sshp/internal/events"
	"github.com/treykane/sshp/internal/model"
	"github.com/treykane/sshp/internal/probe"
	"github.com/treykane/sshp/internal/sshclient"
)

// fakeSystem is an in-memory process table. It implements both Inspector and
// Terminator so tests can observe exactly which processes a verb leaves
// behind. Pids start far above anything the test binary could own.
type fakeSystem struct {
	mu     sync.Mutex
	next   int
	procs  map[int]string
	parent map[int]int
	killed []int
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{next: 10_000_000, procs: map[int]string{}, parent: map[int]int{}}
}

func (f *fakeSystem) spawn(cmdline string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.procs[f.next] = cmdline
	return f.next
}

func (f *fakeSystem) spawnChild(ppid int, cmdline string) int {
	pid := f.spawn(cmdline)
	f.mu.Lock()
	f.parent[pid] = ppid
	f.mu.Unlock()
	return pid
}

func (f *fakeSystem) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.procs)
}

func (f *fakeSystem) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSystem) FindProcessIDs(_ context.Context, addr string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for pid, cmd := range f.procs {
		if strings.Contains(cmd, addr) {
			out = append(out, pid)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (f *fakeSystem) ChildProcessID(_ context.Context, ppid int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pid, p := range f.parent {
		if _, ok := f.procs[pid]; ok && p == ppid {
			return pid, nil
		}
	}
	return 0, nil
}

func (f *fakeSystem) Kill(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, pid)
	f.killed = append(f.killed, pid)
	return nil
}

func (f *fakeSystem) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.procs[pid]
	return ok
}

// fakeRunner stands in for ssh. A stage that does not fail leaves an
// "ssh ..." process in the fake table, like ssh -f does.
type fakeRunner struct {
	mu     sync.Mutex
	sys    *fakeSystem
	calls  [][]string
	result func(n int, args []string) sshclient.StageResult
}

func (r *fakeRunner) RunStage(_ context.Context, args []string, _ time.Duration) (sshclient.StageResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	n := len(r.calls)
	r.mu.Unlock()

	res := sshclient.StageResult{Args: args}
	if r.result != nil {
		res = r.result(n, args)
	}
	if !res.Failed() {
		r.sys.spawn("ssh " + strings.Join(args, " "))
	}
	return res, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeProber struct{ res probe.Result }

func (p fakeProber) Probe(context.Context, string) probe.Result { return p.res }

type fakeDetacher struct {
	sys   *fakeSystem
	calls int
	err   error
}

func (d *fakeDetacher) Detach(_ context.Context, spec model.TunnelSpec) (int, error) {
	d.calls++
	if d.err != nil {
		return 0, d.err
	}
	// The real loop's argv omits the address so it never matches itself.
	return d.sys.spawn("sshp probe d -c /etc/sshp.toml"), nil
}

var errExit255 = errors.New("exit status 255")

func addrInUse(int, []string) sshclient.StageResult {
	return sshclient.StageResult{
		Received:   true,
		Diagnostic: "bind [127.0.0.1]:1080: Address already in use\nchannel_setup_fwd_listener_tcpip: cannot listen to port: 1080",
		ExitErr:    errExit255,
	}
}

func connectFailed(int, []string) sshclient.StageResult {
	return sshclient.StageResult{
		Received:   true,
		Diagnostic: "ssh: connect to host 10.0.0.9 port 22: Connection refused\nconnect failed",
		ExitErr:    errExit255,
	}
}

func simpleSpec() model.TunnelSpec {
	return model.TunnelSpec{
		Mode:              model.ModeSimple,
		LocalAddr:         "127.0.0.1:1080",
		RemoteUser:        "root",
		RemoteHost:        "10.0.0.9",
		RemotePort:        22,
		HeartbeatInterval: 60,
	}
}

func multiSpec() model.TunnelSpec {
	return model.TunnelSpec{
		Mode:              model.ModeMultiHop,
		LocalAddr:         "127.0.0.1:1081",
		RemoteUser:        "root",
		RemoteHost:        "10.0.0.9",
		RemotePort:        22,
		HeartbeatInterval: 60,
		ForwardUser:       "jump",
		ForwardHost:       "bastion",
		ForwardPort:       22,
	}
}

type harness struct {
	sys      *fakeSystem
	runner   *fakeRunner
	launcher *Launcher
	detacher *fakeDetacher
	sup      *Supervisor
	runDir   string
	sleeps   []time.Duration
}

func newHarness(runDir string, prober probe.Prober, loop LoopSettings) *harness {
	sys := newFakeSystem()
	h := &harness{sys: sys, runDir: runDir}
	h.runner = &fakeRunner{sys: sys}
	h.launcher = NewLauncher(h.runner, prober, sys, sys, nil)
	h.launcher.forwardPort = func() int { return 40001 }
	h.detacher = &fakeDetacher{sys: sys}
	h.sup = NewSupervisor(h.launcher, sys, sys, h.detacher, runDir, loop, nil)
	h.sup.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func healthy() probe.Prober { return fakeProber{} }

func newJournalLogger(store *events.Store) *slog.Logger {
	return slog.New(events.NewHandler(store, slog.LevelInfo))
}
