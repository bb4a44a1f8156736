package verify

import (
	"context"
	"sort"
	"sync"

	"github.com/1e100/drawer/internal/percept"
)

// RunnerConfig bounds the verification fan-out.
type RunnerConfig struct {
	// MaxConcurrent caps in-flight verifier calls, the rate budget toward
	// the external API. Zero or negative means sequential.
	MaxConcurrent int
}

// VerifyTracks verifies every request concurrently within the rate budget
// and returns one outcome per track. Failures are isolated per track: a
// service error, malformed decision, or invalid merge target yields a
// needs_review outcome for that track only. The returned review list names
// the tracks that failed closed, with reasons, for the stage summary.
func VerifyTracks(ctx context.Context, svc Service, reqs []Request, cfg RunnerConfig) (map[string]percept.VerificationOutcome, map[string]string) {
	outcomes := make(map[string]percept.VerificationOutcome, len(reqs))
	review := make(map[string]string)

	limit := cfg.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, req := range reqs {
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome, failReason := verifyOne(ctx, svc, req)

			mu.Lock()
			outcomes[req.TrackID] = outcome
			if failReason != "" {
				review[req.TrackID] = failReason
			}
			mu.Unlock()
		}(req)
	}
	wg.Wait()

	resolveMergeConflicts(outcomes, review)

	opsf("[Verify] %d tracks verified, %d failed closed", len(reqs), len(review))
	return outcomes, review
}

func verifyOne(ctx context.Context, svc Service, req Request) (percept.VerificationOutcome, string) {
	decision, err := svc.VerifyTrack(ctx, req)
	if err != nil {
		diagf("[Verify] %s failed closed: %v", req.TrackID, err)
		return failClosed(req), err.Error()
	}
	outcome, err := OutcomeFromDecision(req, decision)
	if err != nil {
		diagf("[Verify] %s: invalid decision: %v", req.TrackID, err)
		return failClosed(req), err.Error()
	}
	return outcome, ""
}

func failClosed(req Request) percept.VerificationOutcome {
	return percept.VerificationOutcome{
		TrackID:      req.TrackID,
		Status:       percept.PartNeedsReview,
		SemanticName: firstLabel(req),
	}
}

// resolveMergeConflicts enforces that each track is absorbed by at most one
// other. When two verifier calls independently claim the same track, the
// claimant with the lowest track ID keeps the merge and later claimants
// fall back to needs_review. Deterministic regardless of completion order.
func resolveMergeConflicts(outcomes map[string]percept.VerificationOutcome, review map[string]string) {
	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	absorbedBy := make(map[string]string)
	for _, id := range ids {
		outcome := outcomes[id]
		conflict := false
		for _, absorbed := range outcome.AbsorbedTracks {
			if _, taken := absorbedBy[absorbed]; taken || absorbed == id {
				conflict = true
				break
			}
		}
		if conflict {
			diagf("[Verify] %s: merge conflicts with an earlier decision, failing closed", id)
			outcome.AbsorbedTracks = nil
			outcome.Status = percept.PartNeedsReview
			outcomes[id] = outcome
			review[id] = "conflicting merge decision"
			continue
		}
		for _, absorbed := range outcome.AbsorbedTracks {
			absorbedBy[absorbed] = id
		}
	}
}
