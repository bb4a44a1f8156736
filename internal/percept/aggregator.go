package percept

import (
	"fmt"
	"sort"
)

// AggregatorConfig holds the association policy for cross-frame track
// aggregation. Both thresholds are scene-scale-dependent and must come from
// tuning config, never hardcoded call sites.
type AggregatorConfig struct {
	// MinIoU is the minimum 3D intersection-over-union of a candidate's
	// interaction region against a track's aggregated region for the pair
	// to be associable on overlap alone.
	MinIoU float64

	// AssociationRadius is the maximum centroid distance (metres) for
	// association when region IoU is zero, as happens for thin door panels
	// observed from different viewpoints. Derive it from the scene scale
	// with SceneScaleRadius.
	AssociationRadius float64

	// MinTrackMembers is the minimum member count for a track to be
	// eligible for fitting. Smaller tracks are reported low-confidence,
	// not silently dropped.
	MinTrackMembers int
}

// Aggregator associates per-frame interaction candidates into persistent
// 3D part tracks. It is inherently sequential: frame order matters for the
// deterministic greedy assignment, so frames must be observed in order and
// the aggregator must not be driven concurrently.
//
// Within a single frame, candidate order does not matter: candidates are
// re-sorted by a content-derived key and assignments are resolved globally
// per frame, best overlap first, so re-ordering frame-internal candidates
// never changes the final track set.
type Aggregator struct {
	cfg AggregatorConfig

	tracks      []*Track
	nextTrackID int64
	frameOrder  int
}

// NewAggregator creates an aggregator with the given association policy.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	return &Aggregator{cfg: cfg, nextTrackID: 1}
}

// SceneScaleRadius resolves the association radius from the spread of all
// candidate regions: the radius is the given fraction of the diagonal of
// the union box over every candidate region. A zero-extent scene (single
// candidate) falls back to one metre so association still functions.
func SceneScaleRadius(candidates []InteractionCandidate, fraction float64) float64 {
	if len(candidates) == 0 || fraction <= 0 {
		return 1.0
	}
	box := candidates[0].Region
	for _, c := range candidates[1:] {
		box = box.Union(c.Region)
	}
	diag := box.Diagonal()
	if diag < geometryEpsilon {
		return 1.0
	}
	return diag * fraction
}

// candidateKey is a stable, content-derived ordering for candidates within
// one frame. It makes track creation order independent of input order.
func candidateKey(c InteractionCandidate) string {
	ctr := c.Region.Center()
	return fmt.Sprintf("%.6f_%.6f_%.6f_%s_%d", ctr.X, ctr.Y, ctr.Z, c.Label, c.DetectionIndex)
}

// overlapScore returns the association score of a candidate against a track
// region, and whether the pair is associable at all. IoU dominates the
// score; centroid proximity contributes a sub-unit term so that a genuine
// volumetric overlap always outranks a proximity-only match.
func (a *Aggregator) overlapScore(region AABB, track *Track) (float64, bool) {
	iou := region.IoU(track.Region)
	dist := region.CentroidDistance(track.Region)

	eligible := iou >= a.cfg.MinIoU || (a.cfg.AssociationRadius > 0 && dist <= a.cfg.AssociationRadius)
	if !eligible {
		return 0, false
	}

	score := iou
	if a.cfg.AssociationRadius > 0 && dist <= a.cfg.AssociationRadius {
		score += (1 - dist/a.cfg.AssociationRadius) * 0.5
	}
	return score, true
}

// ObserveFrame feeds one frame's candidates into the aggregator. Every
// candidate ends up in exactly one track: matched candidates extend the
// best-overlapping open track, unmatched candidates always open a new
// track, even if it is later reported low-confidence. No candidate is ever
// discarded silently.
//
// Assignment is resolved globally per frame: all associable
// (candidate, track) pairs are ranked by score, ties broken by most recent
// track update then lowest track ID, and each track accepts at most one
// candidate per frame (one physical part appears once per view).
func (a *Aggregator) ObserveFrame(frameID string, candidates []InteractionCandidate) {
	if len(candidates) == 0 {
		return
	}
	a.frameOrder++

	// Stable content order insulates the result from caller ordering.
	ordered := make([]InteractionCandidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return candidateKey(ordered[i]) < candidateKey(ordered[j])
	})

	type pair struct {
		candIdx  int
		trackIdx int
		score    float64
	}
	var pairs []pair
	for ci, cand := range ordered {
		for ti, track := range a.tracks {
			if score, ok := a.overlapScore(cand.Region, track); ok {
				pairs = append(pairs, pair{candIdx: ci, trackIdx: ti, score: score})
			}
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		ti, tj := a.tracks[pairs[i].trackIdx], a.tracks[pairs[j].trackIdx]
		if ti.LastUpdateOrder != tj.LastUpdateOrder {
			return ti.LastUpdateOrder > tj.LastUpdateOrder
		}
		return ti.TrackID < tj.TrackID
	})

	candUsed := make([]bool, len(ordered))
	trackUsed := make(map[int]bool, len(a.tracks))
	for _, p := range pairs {
		if candUsed[p.candIdx] || trackUsed[p.trackIdx] {
			continue
		}
		candUsed[p.candIdx] = true
		trackUsed[p.trackIdx] = true

		track := a.tracks[p.trackIdx]
		track.Members = append(track.Members, ordered[p.candIdx])
		track.Region = track.Region.Union(ordered[p.candIdx].Region)
		track.LastUpdateOrder = a.frameOrder
		tracef("[Aggregator] Frame %s: candidate %d -> %s (score=%.3f)",
			frameID, ordered[p.candIdx].DetectionIndex, track.TrackID, p.score)
	}

	// Unmatched candidates always start a new track. Creation order follows
	// the stable content order, keeping track IDs deterministic.
	for ci, cand := range ordered {
		if candUsed[ci] {
			continue
		}
		track := &Track{
			TrackID:         fmt.Sprintf("track_%03d", a.nextTrackID),
			Members:         []InteractionCandidate{cand},
			Region:          cand.Region,
			LastUpdateOrder: a.frameOrder,
		}
		a.nextTrackID++
		a.tracks = append(a.tracks, track)
		tracef("[Aggregator] Frame %s: candidate %d opened %s", frameID, cand.DetectionIndex, track.TrackID)
	}
}

// AttachHandles assigns handle-labelled candidates from the refinement pass
// to the track whose region best contains them. A handle with no track
// within the association radius is dropped; handles refine parts, they do
// not create them. When several handles land on one track the larger
// region wins.
func (a *Aggregator) AttachHandles(handles []InteractionCandidate) {
	for _, h := range handles {
		var best *Track
		bestScore := 0.0
		for _, track := range a.tracks {
			score, ok := a.overlapScore(h.Region, track)
			if ok && score > bestScore {
				best = track
				bestScore = score
			}
		}
		if best == nil {
			diagf("[Aggregator] Handle in frame %s matched no track", h.FrameID)
			continue
		}
		if best.HandleRegion == nil || h.Region.Volume() > best.HandleRegion.Volume() {
			region := h.Region
			best.HandleRegion = &region
			tracef("[Aggregator] Handle in frame %s refined %s", h.FrameID, best.TrackID)
		}
	}
}

// Tracks returns every track, including those below the minimum member
// count, in creation order.
func (a *Aggregator) Tracks() []*Track {
	out := make([]*Track, len(a.tracks))
	copy(out, a.tracks)
	return out
}

// ConfidentTracks splits tracks into those eligible for fitting and the IDs
// of low-confidence tracks withheld for having too few members.
func (a *Aggregator) ConfidentTracks() (confident []*Track, lowConfidence []string) {
	minMembers := a.cfg.MinTrackMembers
	if minMembers < 1 {
		minMembers = 1
	}
	for _, track := range a.tracks {
		if len(track.Members) >= minMembers {
			confident = append(confident, track)
		} else {
			lowConfidence = append(lowConfidence, track.TrackID)
		}
	}
	return confident, lowConfidence
}

// AggregateTracks runs the full association over candidates grouped by
// frame, in the given frame order. Convenience wrapper used by the stage
// runner and tests.
func AggregateTracks(frameIDs []string, byFrame map[string][]InteractionCandidate, cfg AggregatorConfig) *Aggregator {
	agg := NewAggregator(cfg)
	for _, frameID := range frameIDs {
		agg.ObserveFrame(frameID, byFrame[frameID])
	}
	return agg
}
