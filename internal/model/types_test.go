package model

import (
	"reflect"
	"testing"
)

func TestLocalHost(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:1080", "127.0.0.1"},
		{"localhost:1080", "localhost"},
		{"[::1]:1080", "::1"},
		{"0.0.0.0:9050", "0.0.0.0"},
	}
	for _, tt := range tests {
		got := TunnelSpec{LocalAddr: tt.addr}.LocalHost()
		if got != tt.want {
			t.Errorf("LocalHost(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestFileKey(t *testing.T) {
	if got := FileKey("127.0.0.1:1080"); got != "127.0.0.1-1080" {
		t.Fatalf("FileKey = %q", got)
	}
	if got := FileKey("[::1]:1080"); got != "[--1]-1080" {
		t.Fatalf("FileKey = %q", got)
	}
}

func TestMatchAddrs(t *testing.T) {
	simple := TunnelSpec{Mode: ModeSimple, LocalAddr: "127.0.0.1:1080"}
	if got := simple.MatchAddrs(); !reflect.DeepEqual(got, []string{"127.0.0.1:1080"}) {
		t.Fatalf("simple MatchAddrs = %v", got)
	}
	multi := TunnelSpec{Mode: ModeMultiHop, LocalAddr: "127.0.0.1:1081", ForwardUser: "jump", ForwardHost: "bastion"}
	if got := multi.MatchAddrs(); !reflect.DeepEqual(got, []string{"127.0.0.1:1081", "jump@bastion"}) {
		t.Fatalf("multi MatchAddrs = %v", got)
	}
}
