package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingSidecar indicates a file artifact exists without provenance.
	ErrMissingSidecar = errors.New("artifact: missing metadata sidecar")
	// ErrMalformedSidecar indicates the YAML sidecar could not be parsed.
	ErrMalformedSidecar = errors.New("artifact: malformed metadata sidecar")
)

// ParseSidecar decodes the provenance document stored next to a file artifact.
func ParseSidecar(content []byte) (Metadata, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return Metadata{}, ErrMalformedSidecar
	}
	var envelope sidecarEnvelope
	if err := yaml.Unmarshal(content, &envelope); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMalformedSidecar, err)
	}
	return envelope.toMetadata()
}

// EncodeSidecar renders metadata as a sidecar document.
func EncodeSidecar(meta Metadata) ([]byte, error) {
	if meta.ArtifactID == "" {
		return nil, fmt.Errorf("artifact: metadata missing artifact id")
	}
	envelope := sidecarEnvelope{}
	envelope.fromMetadata(meta)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode sidecar: %w", err)
	}
	return data, nil
}

type sidecarEnvelope struct {
	Meta sidecarMetadata `yaml:"hgcsim"`
}

type sidecarMetadata struct {
	Artifact string            `yaml:"artifact"`
	Module   string            `yaml:"module"`
	Version  string            `yaml:"version"`
	Workflow string            `yaml:"workflow,omitempty"`
	Inputs   []string          `yaml:"inputs,omitempty"`
	Created  string            `yaml:"created"`
	Size     int64             `yaml:"size"`
	Checksum string            `yaml:"checksum,omitempty"`
	Notes    map[string]string `yaml:"notes,omitempty"`
}

func (e sidecarEnvelope) toMetadata() (Metadata, error) {
	if e.Meta.Artifact == "" || e.Meta.Module == "" || e.Meta.Version == "" {
		return Metadata{}, ErrMalformedSidecar
	}
	created, err := parseTime(e.Meta.Created)
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: parse created timestamp: %w", err)
	}
	return Metadata{
		ArtifactID: e.Meta.Artifact,
		ModuleID:   e.Meta.Module,
		Version:    e.Meta.Version,
		Workflow:   e.Meta.Workflow,
		Inputs:     append([]string{}, e.Meta.Inputs...),
		CreatedAt:  created,
		Size:       e.Meta.Size,
		Checksum:   e.Meta.Checksum,
		Notes:      cloneNotes(e.Meta.Notes),
	}, nil
}

func (e *sidecarEnvelope) fromMetadata(meta Metadata) {
	e.Meta.Artifact = meta.ArtifactID
	e.Meta.Module = meta.ModuleID
	e.Meta.Version = meta.Version
	e.Meta.Workflow = meta.Workflow
	e.Meta.Inputs = append([]string{}, meta.Inputs...)
	e.Meta.Created = meta.CreatedAt.UTC().Format(timeLayout)
	e.Meta.Size = meta.Size
	e.Meta.Checksum = meta.Checksum
	e.Meta.Notes = cloneNotes(meta.Notes)
}

func cloneNotes(notes map[string]string) map[string]string {
	if len(notes) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(notes))
	for k, v := range notes {
		cloned[k] = v
	}
	return cloned
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("artifact: empty created timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
