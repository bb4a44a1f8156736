package percept

import (
	"fmt"
	"sort"
	"strings"
)

// StageSummary is the auditable end-of-stage report: skipped frames,
// low-confidence tracks and needs_review parts are enumerated here rather
// than silently dropped, so a failed frame or track is always visible
// without halting the scene.
type StageSummary struct {
	Stage   string `json:"stage"`
	SceneID string `json:"scene_id"`

	FramesProcessed int `json:"frames_processed"`
	ItemsProcessed  int `json:"items_processed"`

	// SkippedFrames maps frame ID to the reason it was skipped
	// (DetectionFailure and validation skips).
	SkippedFrames map[string]string `json:"skipped_frames,omitempty"`

	// LowConfidenceTracks lists tracks withheld from fitting for having
	// fewer than the minimum member count.
	LowConfidenceTracks []string `json:"low_confidence_tracks,omitempty"`

	// EscalatedTracks lists tracks whose fit returned insufficient
	// evidence and were escalated to verification.
	EscalatedTracks []string `json:"escalated_tracks,omitempty"`

	// NeedsReview lists parts whose verification failed closed.
	NeedsReview []string `json:"needs_review,omitempty"`
}

// NewStageSummary returns an empty summary for one stage invocation.
func NewStageSummary(stage, sceneID string) *StageSummary {
	return &StageSummary{
		Stage:         stage,
		SceneID:       sceneID,
		SkippedFrames: map[string]string{},
	}
}

// RecordSkippedFrame records a skipped frame with its reason.
func (s *StageSummary) RecordSkippedFrame(frameID, reason string) {
	if s.SkippedFrames == nil {
		s.SkippedFrames = map[string]string{}
	}
	s.SkippedFrames[frameID] = reason
}

// String renders the summary for the ops log.
func (s *StageSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s scene %s: %d frames, %d items", s.Stage, s.SceneID, s.FramesProcessed, s.ItemsProcessed)
	if len(s.SkippedFrames) > 0 {
		ids := make([]string, 0, len(s.SkippedFrames))
		for id := range s.SkippedFrames {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintf(&b, ", %d skipped frames (%s)", len(ids), strings.Join(ids, ", "))
	}
	if len(s.LowConfidenceTracks) > 0 {
		fmt.Fprintf(&b, ", %d low-confidence tracks", len(s.LowConfidenceTracks))
	}
	if len(s.EscalatedTracks) > 0 {
		fmt.Fprintf(&b, ", %d escalated tracks", len(s.EscalatedTracks))
	}
	if len(s.NeedsReview) > 0 {
		fmt.Fprintf(&b, ", %d parts need review", len(s.NeedsReview))
	}
	return b.String()
}
