package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/hgcsim/internal/artifact"
	"github.com/kingrea/hgcsim/internal/module"
)

// MetadataOption customizes the metadata written for an artifact.
type MetadataOption func(*artifact.Metadata)

// WithInputs records the upstream artifact identifiers in metadata.
func WithInputs(refs ...artifact.ArtifactRef) MetadataOption {
	return func(meta *artifact.Metadata) {
		if len(refs) == 0 {
			return
		}
		ids := make([]string, 0, len(refs))
		for _, ref := range refs {
			if ref.ID != "" {
				ids = append(ids, ref.ID)
			}
		}
		if len(ids) > 0 {
			meta.Inputs = ids
		}
	}
}

// WithFingerprint records a fingerprint value for the provided artifact.
func WithFingerprint(ref artifact.ArtifactRef, value string) MetadataOption {
	return func(meta *artifact.Metadata) {
		if strings.TrimSpace(value) == "" {
			return
		}
		if meta.Notes == nil {
			meta.Notes = map[string]string{}
		}
		meta.Notes[module.FingerprintNoteKey(ref.ID)] = value
	}
}

// WithNote records a free-form provenance note.
func WithNote(key, value string) MetadataOption {
	return func(meta *artifact.Metadata) {
		if meta.Notes == nil {
			meta.Notes = map[string]string{}
		}
		meta.Notes[key] = value
	}
}

// ValidateContext ensures modules receive a usable context.
func ValidateContext(moduleID string, mc *module.ModuleContext) error {
	if mc == nil {
		return fmt.Errorf("%s: context is nil", moduleID)
	}
	if mc.Config == nil {
		return fmt.Errorf("%s: config is required", moduleID)
	}
	if mc.Artifacts == nil {
		return fmt.Errorf("%s: artifact store is required", moduleID)
	}
	return nil
}

// Metadata builds provenance for an output written by moduleID.
func Metadata(mc *module.ModuleContext, moduleID, version string, ref artifact.ArtifactRef, opts ...MetadataOption) artifact.Metadata {
	meta := artifact.Metadata{
		ArtifactID: ref.ID,
		ModuleID:   moduleID,
		Version:    version,
	}
	if mc != nil {
		meta.Workflow = mc.Workflow
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&meta)
		}
	}
	return meta
}

// RequireInputs fails when any non-optional input is not ready in the store.
func RequireInputs(mc *module.ModuleContext, moduleID string, refs ...artifact.ArtifactRef) error {
	var missing []string
	for _, ref := range refs {
		result, err := mc.Artifacts.Check(ref)
		switch result.State {
		case artifact.StateReady:
			continue
		case artifact.StateError:
			return fmt.Errorf("%s: check input %s: %w", moduleID, ref.ID, err)
		}
		if !ref.Optional {
			missing = append(missing, fmt.Sprintf("%s (%s)", ref.ID, result.State))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: inputs not ready: %s", moduleID, strings.Join(missing, ", "))
	}
	return nil
}

// LogPath returns the per-node log file under the project logs directory.
func LogPath(mc *module.ModuleContext, node string) string {
	if mc == nil || mc.Config == nil {
		return ""
	}
	name := strings.NewReplacer(":", "_", "/", "_").Replace(node) + ".log"
	return filepath.Join(mc.Config.LogsDir(), "jobs", name)
}

// ExpandPath resolves environment references such as $CMSSW_BASE.
func ExpandPath(mc *module.ModuleContext, path string) string {
	if mc != nil && mc.Config != nil {
		return mc.Config.ExpandPath(path)
	}
	return os.ExpandEnv(path)
}
