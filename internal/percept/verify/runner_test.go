package verify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/1e100/drawer/internal/percept"
)

// scriptedService returns a canned decision or error per track ID.
type scriptedService struct {
	mu        sync.Mutex
	decisions map[string]Decision
	errs      map[string]error
	calls     []string
}

func (s *scriptedService) VerifyTrack(_ context.Context, req Request) (Decision, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.TrackID)
	s.mu.Unlock()
	if err, ok := s.errs[req.TrackID]; ok {
		return Decision{}, err
	}
	return s.decisions[req.TrackID], nil
}

func TestVerifyTracksFailClosedIsolation(t *testing.T) {
	svc := &scriptedService{
		decisions: map[string]Decision{
			"track_001": {Verdict: VerdictConfirm, Name: "cabinet door", Confidence: 0.9},
			"track_003": {Verdict: VerdictReject, Confidence: 0.8},
		},
		errs: map[string]error{
			"track_002": errors.New("rate limit exhausted"),
		},
	}
	reqs := []Request{
		{TrackID: "track_001", Labels: []string{"door"}},
		{TrackID: "track_002", Labels: []string{"drawer"}},
		{TrackID: "track_003", Labels: []string{"door"}},
	}

	outcomes, review := VerifyTracks(context.Background(), svc, reqs, RunnerConfig{MaxConcurrent: 2})
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want one per request", len(outcomes))
	}
	if got := outcomes["track_001"].Status; got != percept.PartConfirmed {
		t.Errorf("track_001 = %s", got)
	}
	if got := outcomes["track_003"].Status; got != percept.PartRejected {
		t.Errorf("track_003 = %s", got)
	}
	// The failing track falls back to needs_review and keeps its label.
	failed := outcomes["track_002"]
	if failed.Status != percept.PartNeedsReview || failed.SemanticName != "drawer" {
		t.Errorf("track_002 = %+v", failed)
	}
	if _, ok := review["track_002"]; !ok || len(review) != 1 {
		t.Errorf("review = %v, want only track_002", review)
	}
}

func TestVerifyTracksInvalidMergeTarget(t *testing.T) {
	svc := &scriptedService{
		decisions: map[string]Decision{
			"track_001": {Verdict: VerdictMerge, MergeWith: []string{"track_999"}},
		},
	}
	reqs := []Request{{TrackID: "track_001", MergeCandidates: []string{"track_002"}}}

	outcomes, review := VerifyTracks(context.Background(), svc, reqs, RunnerConfig{})
	if got := outcomes["track_001"].Status; got != percept.PartNeedsReview {
		t.Errorf("unoffered merge target accepted: %+v", outcomes["track_001"])
	}
	if len(review) != 1 {
		t.Errorf("review = %v", review)
	}
}

func TestVerifyTracksMergeConflictResolution(t *testing.T) {
	svc := &scriptedService{
		decisions: map[string]Decision{
			"track_001": {Verdict: VerdictMerge, Name: "door", MergeWith: []string{"track_003"}},
			"track_002": {Verdict: VerdictMerge, Name: "door", MergeWith: []string{"track_003"}},
			"track_003": {Verdict: VerdictConfirm, Name: "door"},
		},
	}
	reqs := []Request{
		{TrackID: "track_001", MergeCandidates: []string{"track_003"}},
		{TrackID: "track_002", MergeCandidates: []string{"track_003"}},
		{TrackID: "track_003"},
	}

	outcomes, review := VerifyTracks(context.Background(), svc, reqs, RunnerConfig{MaxConcurrent: 3})

	// The lower track ID wins the merge; the other fails closed.
	winner := outcomes["track_001"]
	if winner.Status != percept.PartConfirmed || len(winner.AbsorbedTracks) != 1 {
		t.Errorf("track_001 = %+v", winner)
	}
	loser := outcomes["track_002"]
	if loser.Status != percept.PartNeedsReview || len(loser.AbsorbedTracks) != 0 {
		t.Errorf("track_002 = %+v", loser)
	}
	if _, ok := review["track_002"]; !ok {
		t.Errorf("review = %v, want track_002", review)
	}
}

func TestStaticServiceConfirms(t *testing.T) {
	outcomes, review := VerifyTracks(context.Background(), StaticService{},
		[]Request{{TrackID: "track_001", Labels: []string{"oven door"}}}, RunnerConfig{})
	if len(review) != 0 {
		t.Fatalf("review = %v", review)
	}
	got := outcomes["track_001"]
	if got.Status != percept.PartConfirmed || got.SemanticName != "oven door" {
		t.Errorf("outcome = %+v", got)
	}
}
