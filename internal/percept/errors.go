package percept

import (
	"errors"
	"fmt"
)

// Error taxonomy for the perception pipeline.
//
// Per-frame and per-track failures (DetectionFailure, InsufficientEvidence,
// ServiceError) are isolated: they are recorded in the owning stage's output
// summary and never abort the scene. Only configuration/credential problems
// (ConfigError) and artifact-contract violations (ArtifactMismatch) are
// fatal, and ConfigError must surface before any stage work begins.

// DetectionFailureError reports a frame in which the detector found no
// candidates. The frame is skipped and recorded, never fatal.
type DetectionFailureError struct {
	FrameID string
}

func (e *DetectionFailureError) Error() string {
	return fmt.Sprintf("no candidates detected in frame %s", e.FrameID)
}

// InsufficientEvidenceError reports a track whose members disagree beyond
// tolerance, so no articulation fit is emitted. The track escalates to the
// verification stage instead of being accepted with a bad fit.
type InsufficientEvidenceError struct {
	TrackID  string
	Residual float64 // the residual that exceeded tolerance, radians
	Reason   string
}

func (e *InsufficientEvidenceError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("insufficient evidence for track %s: %s", e.TrackID, e.Reason)
	}
	return fmt.Sprintf("insufficient evidence for track %s: residual %.4f exceeds tolerance", e.TrackID, e.Residual)
}

// ServiceError reports a failed or malformed response from an external
// inference or verification service. The affected entity falls back to
// needs_review; other entities in the scene are unaffected.
type ServiceError struct {
	Service string // "detector", "interaction", "llm"
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s service: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// ConfigError reports a missing credential, path, or invalid policy value.
// Fatal: the run aborts before any stage work begins.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ArtifactMismatchError reports a malformed, missing, or schema-incompatible
// upstream artifact. Fatal for the scene being processed.
type ArtifactMismatchError struct {
	Stage  string
	Path   string
	Reason string
}

func (e *ArtifactMismatchError) Error() string {
	return fmt.Sprintf("artifact mismatch for stage %s at %s: %s", e.Stage, e.Path, e.Reason)
}

// IsFatal reports whether err must abort the scene rather than be recorded
// and skipped.
func IsFatal(err error) bool {
	var cfg *ConfigError
	var art *ArtifactMismatchError
	return errors.As(err, &cfg) || errors.As(err, &art)
}
