package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kingrea/hgcsim/internal/workflow"
)

func newTestStore(t *testing.T) (*Store, Task) {
	t.Helper()
	layout := workflow.NewLayout(t.TempDir())
	clock := func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }
	return NewStore(layout, WithClock(clock)), Task{Family: workflow.FamilyGSD, Version: "v1", Hash: "abcdef0123"}
}

func TestWriteAndCheckFile(t *testing.T) {
	store, task := newTestStore(t)
	ref := task.File("gsd", "gsd_0.root", "")
	meta := Metadata{ModuleID: workflow.FamilyGSD, Version: "1", Notes: map[string]string{"fingerprint:gsd": "n1"}}
	if err := store.Write(ref, []byte("events"), meta); err != nil {
		t.Fatalf("Write: %v", err)
	}
	result, err := store.Check(ref)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.State != StateReady {
		t.Fatalf("expected ready, got %s", result.State)
	}
	if result.Metadata.Size != 6 || result.Metadata.Notes["fingerprint:gsd"] != "n1" {
		t.Fatalf("unexpected metadata %+v", result.Metadata)
	}
	if !result.Metadata.CreatedAt.Equal(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %s", result.Metadata.CreatedAt)
	}
	want := filepath.Join(store.Layout().Root(), "sim.GSDTask", "v1", "abcdef0123", "gsd_0.root")
	if result.Path != want {
		t.Fatalf("unexpected path %s", result.Path)
	}
}

func TestCheckFlagsFilesWithoutSidecar(t *testing.T) {
	store, task := newTestStore(t)
	ref := task.File("gsd", "gsd_0.root", "")
	path, _ := store.Path(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("foreign"), 0o644); err != nil {
		t.Fatal(err)
	}
	result, _ := store.Check(ref)
	if result.State != StateInvalid {
		t.Fatalf("expected invalid without sidecar, got %s", result.State)
	}
}

func TestCheckFlagsTruncatedFiles(t *testing.T) {
	store, task := newTestStore(t)
	ref := task.File("gsd", "gsd_0.root", "")
	if err := store.Write(ref, []byte("0123456789"), Metadata{ModuleID: "m", Version: "1"}); err != nil {
		t.Fatal(err)
	}
	path, _ := store.Path(ref)
	if err := os.WriteFile(path, []byte("0123"), 0o644); err != nil {
		t.Fatal(err)
	}
	result, _ := store.Check(ref)
	if result.State != StateInvalid {
		t.Fatalf("expected invalid after truncation, got %s", result.State)
	}
}

func TestRemoveDeletesFileAndSidecar(t *testing.T) {
	store, task := newTestStore(t)
	ref := task.File("gsd", "gsd_0.root", "")
	if err := store.Write(ref, []byte("x"), Metadata{ModuleID: "m", Version: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(ref); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	path, _ := store.Path(ref)
	for _, p := range []string{path, path + SidecarSuffix} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed", p)
		}
	}
	if err := store.Remove(ref); err != nil {
		t.Fatalf("removing a missing artifact should succeed: %v", err)
	}
}

func TestStagingCommitsAll(t *testing.T) {
	store, task := newTestStore(t)
	reco := task.File("reco", "reco_0.root", "")
	dqm := task.File("dqm", "dqm_0.root", "")
	staging, err := store.Localize(reco, dqm)
	if err != nil {
		t.Fatalf("Localize: %v", err)
	}
	defer staging.Cleanup()
	for _, ref := range []ArtifactRef{reco, dqm} {
		if err := os.WriteFile(staging.Path(ref), []byte(ref.ID), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	meta := func(ref ArtifactRef) Metadata { return Metadata{ModuleID: workflow.FamilyReco, Version: "1"} }
	if err := staging.Commit(meta); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	for _, ref := range []ArtifactRef{reco, dqm} {
		result, _ := store.Check(ref)
		if result.State != StateReady {
			t.Fatalf("%s expected ready, got %s", ref.ID, result.State)
		}
	}
}

func TestStagingLeavesStoreUntouchedOnMissingOutput(t *testing.T) {
	store, task := newTestStore(t)
	reco := task.File("reco", "reco_0.root", "")
	dqm := task.File("dqm", "dqm_0.root", "")
	staging, err := store.Localize(reco, dqm)
	if err != nil {
		t.Fatalf("Localize: %v", err)
	}
	if err := os.WriteFile(staging.Path(reco), []byte("reco"), 0o644); err != nil {
		t.Fatal(err)
	}
	meta := func(ArtifactRef) Metadata { return Metadata{ModuleID: "m", Version: "1"} }
	if err := staging.Commit(meta); err == nil {
		t.Fatalf("expected commit to fail when dqm is missing")
	}
	result, _ := store.Check(reco)
	if result.State != StateMissing {
		t.Fatalf("reco should not be committed, got %s", result.State)
	}
	if err := staging.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(staging.Dir()); !os.IsNotExist(err) {
		t.Fatalf("staging dir should be removed")
	}
}

func TestDirectoryInPlaceOfFileIsInvalid(t *testing.T) {
	store, task := newTestStore(t)
	ref := task.File("reco", "reco_0.root", "")
	path, err := store.Path(ref)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	result, _ := store.Check(ref)
	if result.State != StateInvalid {
		t.Fatalf("expected invalid, got %s", result.State)
	}
}
