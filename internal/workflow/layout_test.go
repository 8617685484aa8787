package workflow

import (
	"path/filepath"
	"testing"
)

func TestLayoutTaskDir(t *testing.T) {
	root := t.TempDir()
	layout := NewLayout(root)
	dir, err := layout.TaskDir(FamilyGSD, "v1", "0123456789")
	if err != nil {
		t.Fatalf("TaskDir: %v", err)
	}
	if dir != filepath.Join(root, "sim.GSDTask", "v1", "0123456789") {
		t.Fatalf("unexpected dir %s", dir)
	}
	for _, bad := range []string{"", "..", "a/b", " v1"} {
		if _, err := layout.TaskDir(FamilyGSD, bad, "h"); err == nil {
			t.Fatalf("expected version %q to be rejected", bad)
		}
	}
}

func TestLayoutPathRejectsNestedNames(t *testing.T) {
	layout := NewLayout(t.TempDir())
	if _, err := layout.Path(FamilyReco, "v1", "abc", "../reco_0.root"); err == nil {
		t.Fatalf("expected nested file name to be rejected")
	}
	path, err := layout.Path(FamilyReco, "v1", "abc", "reco_0.root")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if filepath.Base(path) != "reco_0.root" {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestBranchFileName(t *testing.T) {
	if got := BranchFileName("reco_{branch}.root", 7); got != "reco_7.root" {
		t.Fatalf("unexpected name %s", got)
	}
}
