package pidfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRemove(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, "127.0.0.1:1080", 4321); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "127.0.0.1-1080.pid")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "4321" {
		t.Fatalf("expected bare decimal pid, got %q", string(b))
	}
	pid, err := Read(dir, "127.0.0.1:1080")
	if err != nil || pid != 4321 {
		t.Fatalf("read: pid=%d err=%v", pid, err)
	}
	if err := Remove(dir, "127.0.0.1:1080"); err != nil {
		t.Fatal(err)
	}
	if err := Remove(dir, "127.0.0.1:1080"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}

func TestReadMissingIsZero(t *testing.T) {
	pid, err := Read(t.TempDir(), "127.0.0.1:1080")
	if err != nil || pid != 0 {
		t.Fatalf("expected 0 and nil, got %d %v", pid, err)
	}
}

func TestReadGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(FilePath(dir, "127.0.0.1:1080"), []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(dir, "127.0.0.1:1080"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, "127.0.0.1:1080", 10); err != nil {
		t.Fatal(err)
	}
	if err := Write(dir, "127.0.0.1:1081", 11); err != nil {
		t.Fatal(err)
	}
	paths, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 pid files, got %v", paths)
	}
	pid, err := ReadFile(paths[0])
	if err != nil || pid != 10 {
		t.Fatalf("ReadFile(%s) = %d, %v", paths[0], pid, err)
	}
}
