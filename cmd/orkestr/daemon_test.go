package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDaemonArgs(t *testing.T) {
	in := []string{"serve", "--daemonize", "--logfile", "/tmp/o.log", "--pidfile=/tmp/old.pid", "--config", "c.toml"}
	got := daemonArgs(in, "/run/orkestr.pid")
	want := []string{"serve", "--config", "c.toml", "--pidfile", "/run/orkestr.pid"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if got := daemonArgs([]string{"serve", "--daemonize=true"}, ""); !reflect.DeepEqual(got, []string{"serve"}) {
		t.Fatalf("got %v", got)
	}
}

func TestPidFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "orkestr.pid")
	if err := writePidFile(p, 4242); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil || string(b) != "4242" {
		t.Fatalf("content %q err=%v", b, err)
	}
	if err := removePidFile(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}
