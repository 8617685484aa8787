// Package artifact defines the storage-level contracts (inputs/outputs)
// that task modules exchange. Each artifact has a stable identifier, a kind,
// and a resolver that maps it onto the store layout of one task instance.

package artifact

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kingrea/hgcsim/internal/workflow"
)

// Kind captures the storage shape of an artifact.
type Kind string

const (
	// KindFile is an opaque file whose provenance lives in a YAML sidecar.
	KindFile Kind = "file"
)

// SidecarSuffix is appended to a file artifact path to locate its metadata.
const SidecarSuffix = ".meta.yaml"

// PathResolver returns the fully-qualified path to an artifact inside the store.
type PathResolver func(*workflow.Layout) (string, error)

// ArtifactRef declares a stable identifier and metadata for an artifact.
type ArtifactRef struct {
	ID          string
	Name        string
	Description string
	Kind        Kind
	Optional    bool
	path        PathResolver
}

// Path resolves the artifact path for the provided layout.
func (r ArtifactRef) Path(layout *workflow.Layout) (string, error) {
	if layout == nil {
		return "", fmt.Errorf("artifact: %s has no layout", r.ID)
	}
	if r.path == nil {
		return "", fmt.Errorf("artifact: path resolver missing for %s", r.ID)
	}
	path, err := r.path(layout)
	if err != nil {
		return "", fmt.Errorf("artifact: %s: %w", r.ID, err)
	}
	return filepath.Clean(path), nil
}

// Validate ensures the reference is well-formed.
func (r ArtifactRef) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("artifact: id is required")
	}
	switch r.Kind {
	case KindFile:
	case "":
		return fmt.Errorf("artifact: kind is required for %s", r.ID)
	default:
		return fmt.Errorf("artifact: unknown kind %s for %s", r.Kind, r.ID)
	}
	if r.path == nil {
		return fmt.Errorf("artifact: path resolver missing for %s", r.ID)
	}
	return nil
}

// Task identifies the store directory of one task instance.
type Task struct {
	Family  string
	Version string
	Hash    string
}

// File returns a file artifact named name inside the task directory.
func (t Task) File(id, name, desc string) ArtifactRef {
	return ArtifactRef{ID: id, Name: name, Description: desc, Kind: KindFile, path: t.resolver(name)}
}

func (t Task) resolver(name string) PathResolver {
	return func(layout *workflow.Layout) (string, error) {
		return layout.Path(t.Family, t.Version, t.Hash, name)
	}
}

// External references a file outside the store, e.g. a fixed config shipped
// with the software release. The store never writes or removes it.
func External(id, path string) ArtifactRef {
	return ArtifactRef{
		ID:       id,
		Name:     filepath.Base(path),
		Kind:     KindFile,
		Optional: true,
		path:     func(*workflow.Layout) (string, error) { return path, nil },
	}
}

// Metadata captures provenance stored inside artifact sidecars.
type Metadata struct {
	ArtifactID string
	ModuleID   string
	Version    string
	Workflow   string
	Inputs     []string
	CreatedAt  time.Time
	Size       int64
	Checksum   string
	Notes      map[string]string
}

// WithDefaults ensures metadata carries the artifact ID and timestamps.
func (m Metadata) WithDefaults(ref ArtifactRef, now time.Time) Metadata {
	clone := m
	if clone.ArtifactID == "" {
		clone.ArtifactID = ref.ID
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now.UTC()
	} else {
		clone.CreatedAt = clone.CreatedAt.UTC()
	}
	clone.Notes = cloneNotes(m.Notes)
	return clone
}

// ValidateFor ensures metadata matches the artifact contract.
func (m Metadata) ValidateFor(ref ArtifactRef) error {
	if m.ArtifactID != ref.ID {
		return fmt.Errorf("artifact: metadata id %s does not match ref %s", m.ArtifactID, ref.ID)
	}
	if m.ModuleID == "" {
		return fmt.Errorf("artifact: module id is required for %s", ref.ID)
	}
	if m.Version == "" {
		return fmt.Errorf("artifact: version is required for %s", ref.ID)
	}
	return nil
}

// State captures the readiness of an artifact on disk.
type State string

const (
	StateMissing State = "missing"
	StateReady   State = "ready"
	StateInvalid State = "invalid"
	StateError   State = "error"
)

// CheckResult captures Store.Check results.
type CheckResult struct {
	Ref      ArtifactRef
	Path     string
	State    State
	Metadata *Metadata
	Err      error
}
