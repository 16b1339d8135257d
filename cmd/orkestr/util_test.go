package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestParseSettings(t *testing.T) {
	got, err := parseSettings([]string{"interval=10s", "priority=30", "ratio=0.5", "enabled=true", "raw=1", "note= a=b "})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]any{
		"interval": "10s",
		"priority": int64(30),
		"ratio":    0.5,
		"enabled":  true,
		"raw":      int64(1),
		"note":     "a=b",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}

	if m, err := parseSettings(nil); err != nil || m != nil {
		t.Fatalf("empty: %v %v", m, err)
	}
	for _, bad := range []string{"novalue", "=x", " =x"} {
		if _, err := parseSettings([]string{bad}); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "\"a\": 1") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestNewAPIClientTrimsSlash(t *testing.T) {
	// unreachable port; only checks construction does not panic
	c := newAPIClient(&GlobalFlags{APIUrl: "http://127.0.0.1:1/api/"})
	if c == nil {
		t.Fatal("nil client")
	}
}
