// Package verify runs the final sanity pass over fitted tracks: a
// vision-language model looks at image crops of each candidate part and
// either confirms it, rejects it as a false positive, or proposes merging
// it with another track observing the same physical part. The stage fails
// closed: any service problem marks the affected track needs_review and
// never discards it.
package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/1e100/drawer/internal/percept"
)

// Request is the evidence bundle for verifying one track.
type Request struct {
	TrackID string

	// Labels are the detector labels observed across the track's members,
	// most frequent first.
	Labels []string

	// Fit is the articulation model under review. Nil when fitting
	// escalated the track here without a model.
	Fit *percept.ArticulationFit

	// CropPaths are image crops of the track's interaction region from up
	// to three representative frames.
	CropPaths []string

	// MergeCandidates are nearby track IDs the verifier may propose
	// merging with. A merge naming any other track is rejected.
	MergeCandidates []string
}

// Verdict values a verifier may return.
const (
	VerdictConfirm = "confirm"
	VerdictReject  = "reject"
	VerdictMerge   = "merge"
	VerdictSplit   = "split"
)

// Decision is a verifier's raw judgement before outcome mapping.
type Decision struct {
	Verdict    string   `json:"verdict"`
	Name       string   `json:"name"`
	MergeWith  []string `json:"merge_with,omitempty"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
}

// Service is the boundary behind which the vision-language model lives.
type Service interface {
	VerifyTrack(ctx context.Context, req Request) (Decision, error)
}

// OutcomeFromDecision maps a validated decision onto the assembler's
// outcome vocabulary. Split verdicts mark the track needs_review: the
// geometry pipeline cannot re-segment a track, so a human resolves it.
func OutcomeFromDecision(req Request, d Decision) (percept.VerificationOutcome, error) {
	name := strings.TrimSpace(d.Name)
	switch d.Verdict {
	case VerdictConfirm:
		if name == "" {
			name = firstLabel(req)
		}
		return percept.VerificationOutcome{
			TrackID: req.TrackID, Status: percept.PartConfirmed, SemanticName: name,
		}, nil
	case VerdictReject:
		return percept.VerificationOutcome{
			TrackID: req.TrackID, Status: percept.PartRejected,
		}, nil
	case VerdictMerge:
		if len(d.MergeWith) == 0 {
			return percept.VerificationOutcome{}, fmt.Errorf("merge verdict with no targets")
		}
		offered := make(map[string]bool, len(req.MergeCandidates))
		for _, id := range req.MergeCandidates {
			offered[id] = true
		}
		for _, id := range d.MergeWith {
			if !offered[id] {
				return percept.VerificationOutcome{}, fmt.Errorf("merge target %s was not offered", id)
			}
		}
		if name == "" {
			name = firstLabel(req)
		}
		return percept.VerificationOutcome{
			TrackID:        req.TrackID,
			Status:         percept.PartConfirmed,
			SemanticName:   name,
			AbsorbedTracks: append([]string(nil), d.MergeWith...),
		}, nil
	case VerdictSplit:
		return percept.VerificationOutcome{
			TrackID: req.TrackID, Status: percept.PartNeedsReview, SemanticName: name,
		}, nil
	}
	return percept.VerificationOutcome{}, fmt.Errorf("unrecognized verdict %q", d.Verdict)
}

func firstLabel(req Request) string {
	if len(req.Labels) > 0 {
		return req.Labels[0]
	}
	return ""
}

// StaticService confirms every track with its dominant detector label.
// Used for offline runs without an API key and as the test double.
type StaticService struct{}

// VerifyTrack implements Service.
func (StaticService) VerifyTrack(_ context.Context, req Request) (Decision, error) {
	return Decision{Verdict: VerdictConfirm, Name: firstLabel(req), Confidence: 1}, nil
}
