package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteThenValidate(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		kind string
		file string
	}{
		{"process", "app.yaml"},
		{"process", "app.json"},
		{"node", "node.toml"},
	} {
		path := filepath.Join(dir, tc.file)
		if _, err := run([]string{"--kind", tc.kind, "-o", path}); err != nil {
			t.Fatalf("write %s: %v", tc.file, err)
		}
		msg, err := run([]string{"--kind", tc.kind, "--validate", "--input", path})
		if err != nil {
			t.Fatalf("validate %s: %v", tc.file, err)
		}
		if !strings.Contains(msg, path) {
			t.Fatalf("unexpected message %q", msg)
		}
		if _, err := run([]string{"--kind", tc.kind, "-o", path}); err == nil {
			t.Fatalf("expected existing %s to be kept without --force", tc.file)
		}
		if _, err := run([]string{"--kind", tc.kind, "-o", path, "--force"}); err != nil {
			t.Fatalf("force %s: %v", tc.file, err)
		}
	}
}

func TestRejectsUnknownKindAndFormat(t *testing.T) {
	if _, err := run([]string{"--kind", "broker"}); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
	if _, err := run([]string{"--kind", "node", "-o", filepath.Join(t.TempDir(), "node.yaml")}); err == nil {
		t.Fatalf("expected yaml node config to fail")
	}
}
