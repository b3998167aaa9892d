package sshclient

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/treykane/sshp/internal/model"
)

func simpleSpec() model.TunnelSpec {
	return model.TunnelSpec{
		Mode:              model.ModeSimple,
		LocalAddr:         "127.0.0.1:1080",
		RemoteUser:        "user",
		RemoteHost:        "host",
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
		HeartbeatInterval: 30,
		ForwardUser:       "jump",
		ForwardHost:       "bastion",
		ForwardPort:       2222,
	}
}

func TestDynamicArgs(t *testing.T) {
	got := DynamicArgs(simpleSpec())
	want := []string{"-CNf", "-o", "ServerAliveInterval=60", "-o", "StrictHostKeyChecking=no", "-D", "127.0.0.1:1080", "user@host", "-p", "22"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("args mismatch\nwant=%v\n got=%v", want, got)
	}
}

func TestMultiHopArgs(t *testing.T) {
	spec := multiSpec()
	got := LocalForwardArgs(spec, 40001)
	want := []string{"-CNf", "-o", "ServerAliveInterval=30", "-o", "StrictHostKeyChecking=no", "-L", "40001:10.0.0.9:22", "jump@bastion", "-p", "2222"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("local forward args mismatch\nwant=%v\n got=%v", want, got)
	}
	got = HopDynamicArgs(spec, 40001)
	want = []string{"-CNf", "-o", "ServerAliveInterval=30", "-D", "127.0.0.1:1081", "root@127.0.0.1", "-p", "40001", "-o", "StrictHostKeyChecking=no"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("hop dynamic args mismatch\nwant=%v\n got=%v", want, got)
	}
}

func TestHopDynamicArgsIPv6Listen(t *testing.T) {
	spec := multiSpec()
	spec.LocalAddr = "[::1]:1081"
	got := HopDynamicArgs(spec, 40001)
	want := []string{"-CNf", "-o", "ServerAliveInterval=30", "-D", "[::1]:1081", "root@::1", "-p", "40001", "-o", "StrictHostKeyChecking=no"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("hop dynamic args mismatch\nwant=%v\n got=%v", want, got)
	}
}

func TestStageResultVerdict(t *testing.T) {
	tests := []struct {
		name string
		res  StageResult
		fail bool
	}{
		{name: "silence", res: StageResult{}, fail: false},
		{name: "empty read", res: StageResult{Received: true}, fail: false},
		{name: "warning only", res: StageResult{Received: true, Diagnostic: "Warning: Permanently added 'host' to the list of known hosts."}, fail: false},
		{name: "failed", res: StageResult{Received: true, Diagnostic: "channel_setup_fwd_listener_tcpip: cannot listen to port: 1080\nCould not request local forwarding.\nconnect failed"}, fail: true},
		{name: "addr in use", res: StageResult{Received: true, Diagnostic: "bind [127.0.0.1]:1080: Address already in use"}, fail: true},
		{name: "non-zero exit silent", res: StageResult{ExitErr: context.DeadlineExceeded}, fail: true},
		{name: "late text ignored", res: StageResult{Diagnostic: "failed"}, fail: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.res.Failed(); got != tt.fail {
				t.Fatalf("Failed() = %v, want %v", got, tt.fail)
			}
		})
	}
}

func stubSSH(t *testing.T, body string) *Client {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs need a unix shell")
	}
	path := filepath.Join(t.TempDir(), "ssh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	c := New(path)
	c.VerdictTimeout = 500 * time.Millisecond
	return c
}

func TestRunStageCapturesFailure(t *testing.T) {
	c := stubSSH(t, `echo "bind [127.0.0.1]:1080: Address already in use" >&2; exit 255`)
	res, err := c.RunStage(context.Background(), DynamicArgs(simpleSpec()), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Failed() || !res.AddrInUse() {
		t.Fatalf("expected address-in-use failure, got %+v", res)
	}
	if !strings.Contains(res.ExitStatus(), "255") {
		t.Fatalf("unexpected exit status: %s", res.ExitStatus())
	}
}

func TestRunStageSilentSuccess(t *testing.T) {
	c := stubSSH(t, `exit 0`)
	res, err := c.RunStage(context.Background(), DynamicArgs(simpleSpec()), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed() {
		t.Fatalf("expected success, got %+v", res)
	}
}

func TestRunStageBackgroundChildHoldsPipe(t *testing.T) {
	// Mimics ssh -f: the foreground exits 0 while a background child keeps
	// stderr open and silent. The verdict must still arrive.
	c := stubSSH(t, `(sleep 3) & exit 0`)
	start := time.Now()
	res, err := c.RunStage(context.Background(), DynamicArgs(simpleSpec()), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed() {
		t.Fatalf("expected success, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("verdict took too long: %s", elapsed)
	}
}

func TestRunStageMissingBinary(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing-ssh"))
	if _, err := c.RunStage(context.Background(), []string{"-V"}, time.Millisecond); err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestEnsureSSHBinary(t *testing.T) {
	if err := EnsureSSHBinary(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected missing binary error")
	}
}
