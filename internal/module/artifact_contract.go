package module

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/kingrea/hgcsim/internal/artifact"
)

// Fingerprinter can be implemented by modules that expose deterministic
// fingerprints for their output artifacts. The resolver/runtime uses these
// values to detect stale artifacts without invoking the module.
type Fingerprinter interface {
	ArtifactFingerprints(mc *ModuleContext) (map[string]string, error)
}

// ArtifactStatus captures the readiness/freshness of an artifact from the
// resolver's perspective.
type ArtifactStatus string

const (
	ArtifactStatusUnknown  ArtifactStatus = "unknown"
	ArtifactStatusFresh    ArtifactStatus = "fresh"
	ArtifactStatusReady    ArtifactStatus = "ready"
	ArtifactStatusMissing  ArtifactStatus = "missing"
	ArtifactStatusInvalid  ArtifactStatus = "invalid"
	ArtifactStatusOutdated ArtifactStatus = "outdated"
	ArtifactStatusError    ArtifactStatus = "error"
)

// ArtifactInvalidationReason enumerates why an artifact was considered stale.
type ArtifactInvalidationReason string

const (
	InvalidationReasonMissing         ArtifactInvalidationReason = "missing"
	InvalidationReasonInvalidMetadata ArtifactInvalidationReason = "invalid-metadata"
	InvalidationReasonVersionMismatch ArtifactInvalidationReason = "version-mismatch"
	InvalidationReasonFingerprint     ArtifactInvalidationReason = "fingerprint-mismatch"
	InvalidationReasonCheckError      ArtifactInvalidationReason = "check-error"
)

// ArtifactInvalidation is emitted when Resolver.CheckArtifact determines an
// output is stale or invalid. Implement ArtifactInvalidationHandler to respond
// to these notifications (e.g. remove a stale output before it is rebuilt).
type ArtifactInvalidation struct {
	Artifact            artifact.ArtifactRef
	Status              ArtifactStatus
	Reason              ArtifactInvalidationReason
	StoredFingerprint   string
	ExpectedFingerprint string
	Metadata            *artifact.Metadata
	Err                 error
}

// ArtifactInvalidationHandler allows modules to react to stale artifacts.
type ArtifactInvalidationHandler interface {
	OnArtifactInvalidation(mc *ModuleContext, event ArtifactInvalidation) error
}

const fingerprintNotePrefix = "fingerprint:"

// FingerprintNoteKey returns the metadata note key for an artifact fingerprint.
func FingerprintNoteKey(artifactID string) string {
	id := strings.TrimSpace(artifactID)
	if id == "" {
		return fingerprintNotePrefix + "default"
	}
	return fingerprintNotePrefix + id
}

// FingerprintNotes renders fingerprints as metadata notes.
func FingerprintNotes(fingerprints map[string]string) map[string]string {
	if len(fingerprints) == 0 {
		return nil
	}
	notes := make(map[string]string, len(fingerprints))
	for id, value := range fingerprints {
		notes[FingerprintNoteKey(id)] = value
	}
	return notes
}

// HashFingerprint digests key=value settings into a short stable fingerprint.
func HashFingerprint(settings map[string]string) string {
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, key := range keys {
		h.Write([]byte(key))
		h.Write([]byte{0})
		h.Write([]byte(settings[key]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
