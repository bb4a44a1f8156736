package percept

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
)

func candidateAt(frame string, idx int, label string, min, max Vec3) InteractionCandidate {
	return InteractionCandidate{
		FrameID:        frame,
		DetectionIndex: idx,
		Label:          label,
		Score:          0.8,
		Motion:         MotionRevolute,
		AxisDirection:  Vec3{Z: 1},
		Region:         AABB{Min: min, Max: max},
	}
}

func testAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{MinIoU: 0.2, AssociationRadius: 0.3, MinTrackMembers: 3}
}

func TestAggregatorAssociatesAcrossFrames(t *testing.T) {
	agg := NewAggregator(testAggregatorConfig())

	// The same door panel seen in three frames, drifting slightly, plus a
	// distant drawer in one frame.
	for i := 0; i < 3; i++ {
		frame := fmt.Sprintf("frame_%04d", i)
		drift := float64(i) * 0.02
		cands := []InteractionCandidate{
			candidateAt(frame, 0, "door", Vec3{X: drift}, Vec3{X: 0.9 + drift, Y: 0.1, Z: 2.0}),
		}
		if i == 1 {
			cands = append(cands, candidateAt(frame, 1, "drawer",
				Vec3{X: 5, Y: 5, Z: 0.4}, Vec3{X: 5.6, Y: 5.1, Z: 0.8}))
		}
		agg.ObserveFrame(frame, cands)
	}

	tracks := agg.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(tracks))
	}
	if len(tracks[0].Members) != 3 {
		t.Errorf("door track has %d members, want 3", len(tracks[0].Members))
	}
	if len(tracks[1].Members) != 1 {
		t.Errorf("drawer track has %d members, want 1", len(tracks[1].Members))
	}
}

func TestAggregatorNoCandidateDropped(t *testing.T) {
	agg := NewAggregator(testAggregatorConfig())
	total := 0
	rng := rand.New(rand.NewSource(19))
	for i := 0; i < 5; i++ {
		frame := fmt.Sprintf("frame_%04d", i)
		n := 1 + rng.Intn(4)
		var cands []InteractionCandidate
		for j := 0; j < n; j++ {
			base := Vec3{X: float64(j) * 3, Y: rng.Float64() * 0.05}
			cands = append(cands, candidateAt(frame, j, "door",
				base, base.Add(Vec3{X: 0.8, Y: 0.1, Z: 1.9})))
		}
		total += n
		agg.ObserveFrame(frame, cands)
	}

	members := 0
	for _, track := range agg.Tracks() {
		members += len(track.Members)
	}
	if members != total {
		t.Errorf("tracks hold %d members, want every one of %d candidates", members, total)
	}
}

func TestAggregatorFrameOrderIndependentWithinFrame(t *testing.T) {
	frames := make(map[string][]InteractionCandidate)
	frameIDs := []string{"frame_0000", "frame_0001", "frame_0002"}
	for i, frame := range frameIDs {
		drift := float64(i) * 0.01
		frames[frame] = []InteractionCandidate{
			candidateAt(frame, 0, "door", Vec3{X: drift}, Vec3{X: 0.9 + drift, Y: 0.1, Z: 2.0}),
			candidateAt(frame, 1, "drawer", Vec3{X: 3 + drift, Z: 0.4}, Vec3{X: 3.6 + drift, Y: 0.1, Z: 0.8}),
			candidateAt(frame, 2, "door", Vec3{X: 6 + drift}, Vec3{X: 6.9 + drift, Y: 0.1, Z: 2.0}),
		}
	}

	signature := func(byFrame map[string][]InteractionCandidate) []string {
		agg := AggregateTracks(frameIDs, byFrame, testAggregatorConfig())
		var sig []string
		for _, track := range agg.Tracks() {
			ctr := track.Region.Center()
			sig = append(sig, fmt.Sprintf("%s:%d:%.3f", track.TrackID, len(track.Members), ctr.X))
		}
		sort.Strings(sig)
		return sig
	}

	want := signature(frames)
	rng := rand.New(rand.NewSource(23))
	for trial := 0; trial < 10; trial++ {
		shuffled := make(map[string][]InteractionCandidate)
		for frame, cands := range frames {
			perm := rng.Perm(len(cands))
			out := make([]InteractionCandidate, len(cands))
			for i, p := range perm {
				out[i] = cands[p]
			}
			shuffled[frame] = out
		}
		got := signature(shuffled)
		if len(got) != len(want) {
			t.Fatalf("trial %d: %d tracks, want %d", trial, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("trial %d: track signature %q, want %q", trial, got[i], want[i])
			}
		}
	}
}

func TestAggregatorOneCandidatePerTrackPerFrame(t *testing.T) {
	agg := NewAggregator(testAggregatorConfig())
	agg.ObserveFrame("frame_0000", []InteractionCandidate{
		candidateAt("frame_0000", 0, "door", Vec3{}, Vec3{X: 0.9, Y: 0.1, Z: 2.0}),
	})
	// Two near-identical candidates in the next frame both overlap the
	// track; only one may join it, the other must open a new track.
	agg.ObserveFrame("frame_0001", []InteractionCandidate{
		candidateAt("frame_0001", 0, "door", Vec3{X: 0.01}, Vec3{X: 0.91, Y: 0.1, Z: 2.0}),
		candidateAt("frame_0001", 1, "door", Vec3{X: 0.02}, Vec3{X: 0.92, Y: 0.1, Z: 2.0}),
	})

	tracks := agg.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(tracks))
	}
	if len(tracks[0].Members) != 2 {
		t.Errorf("first track has %d members, want 2", len(tracks[0].Members))
	}
}

func TestConfidentTracksPartition(t *testing.T) {
	agg := NewAggregator(testAggregatorConfig())
	for i := 0; i < 3; i++ {
		frame := fmt.Sprintf("frame_%04d", i)
		cands := []InteractionCandidate{
			candidateAt(frame, 0, "door", Vec3{}, Vec3{X: 0.9, Y: 0.1, Z: 2.0}),
		}
		if i == 0 {
			cands = append(cands, candidateAt(frame, 1, "drawer",
				Vec3{X: 9, Z: 0.4}, Vec3{X: 9.6, Y: 0.1, Z: 0.8}))
		}
		agg.ObserveFrame(frame, cands)
	}

	confident, low := agg.ConfidentTracks()
	if len(confident) != 1 {
		t.Fatalf("got %d confident tracks, want 1", len(confident))
	}
	if len(confident[0].Members) != 3 {
		t.Errorf("confident track has %d members, want 3", len(confident[0].Members))
	}
	if len(low) != 1 {
		t.Fatalf("got %d low-confidence tracks, want 1", len(low))
	}
}

func TestSceneScaleRadius(t *testing.T) {
	cands := []InteractionCandidate{
		candidateAt("frame_0000", 0, "door", Vec3{}, Vec3{X: 3, Y: 4, Z: 0}),
	}
	if got := SceneScaleRadius(cands, 0.1); got != 0.5 {
		t.Errorf("radius = %v, want 0.5 (10%% of the 5 m diagonal)", got)
	}
	if got := SceneScaleRadius(nil, 0.1); got != 1.0 {
		t.Errorf("empty scene radius = %v, want 1.0 fallback", got)
	}
	point := []InteractionCandidate{candidateAt("frame_0000", 0, "door", Vec3{X: 1}, Vec3{X: 1})}
	if got := SceneScaleRadius(point, 0.1); got != 1.0 {
		t.Errorf("degenerate scene radius = %v, want 1.0 fallback", got)
	}
}
