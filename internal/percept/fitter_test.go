package percept

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
)

func hingeTrack(trackID string, n int, noise float64, rng *rand.Rand) *Track {
	axis := Vec3{Z: 1}
	pivot := Vec3{X: 1, Y: 2, Z: 0.5}
	track := &Track{TrackID: trackID}
	for i := 0; i < n; i++ {
		d := Vec3{
			X: axis.X + noise*rng.NormFloat64(),
			Y: axis.Y + noise*rng.NormFloat64(),
			Z: axis.Z + noise*rng.NormFloat64(),
		}.Normalized()
		// Half the members report the flipped direction; the fit must not
		// care which way a hinge axis points.
		if i%2 == 1 {
			d = d.Scale(-1)
		}
		origin := pivot.Add(axis.Scale(float64(i) * 0.1))
		c := InteractionCandidate{
			FrameID:       fmt.Sprintf("frame_%04d", i),
			Label:         "door",
			Score:         0.9,
			Motion:        MotionRevolute,
			AxisDirection: d,
			AxisOrigin:    origin,
			Contact:       origin.Add(Vec3{X: 0.4}),
			Region: AABB{
				Min: Vec3{X: 1.0, Y: 1.6, Z: 0},
				Max: Vec3{X: 1.9, Y: 2.0, Z: 2.0},
			},
		}
		track.Members = append(track.Members, c)
		if i == 0 {
			track.Region = c.Region
		} else {
			track.Region = track.Region.Union(c.Region)
		}
	}
	return track
}

func TestFitArticulationRevolute(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	track := hingeTrack("track_001", 8, 0.03, rng)

	fit, err := FitArticulation(track, DefaultFitterConfig())
	if err != nil {
		t.Fatalf("FitArticulation: %v", err)
	}
	if fit.Motion != MotionRevolute {
		t.Fatalf("motion = %s, want revolute", fit.Motion)
	}
	if angle := fit.Axis.AngleBetween(Vec3{Z: 1}); angle > 0.05 {
		t.Errorf("fitted axis deviates %.4f rad from true axis", angle)
	}
	// Origins lie on the hinge line, so the pivot must too.
	if d := pointLineDistance(fit.Pivot, Vec3{X: 1, Y: 2, Z: 0.5}, Vec3{Z: 1}); d > 0.02 {
		t.Errorf("pivot is %.4f m off the hinge line", d)
	}
	if fit.Residual > DefaultFitterConfig().ResidualTolerance {
		t.Errorf("residual %.4f above tolerance", fit.Residual)
	}
}

func TestFitArticulationResidualMonotonic(t *testing.T) {
	var prev float64
	for i, noise := range []float64{0.005, 0.03, 0.09} {
		rng := rand.New(rand.NewSource(11))
		track := hingeTrack("track_001", 12, noise, rng)
		fit, err := FitArticulation(track, DefaultFitterConfig())
		if err != nil {
			t.Fatalf("noise %.3f: %v", noise, err)
		}
		if i > 0 && fit.Residual <= prev {
			t.Errorf("residual %.4f at noise %.3f not above %.4f", fit.Residual, noise, prev)
		}
		prev = fit.Residual
	}
}

func TestFitArticulationInsufficientEvidence(t *testing.T) {
	// Members that disagree wildly about the axis must not produce a fit.
	track := &Track{TrackID: "track_009"}
	dirs := []Vec3{{X: 1}, {Y: 1}, {Z: 1}, {X: 1, Y: 1}.Normalized()}
	for i, d := range dirs {
		track.Members = append(track.Members, InteractionCandidate{
			FrameID:       fmt.Sprintf("frame_%04d", i),
			Score:         0.8,
			Motion:        MotionRevolute,
			AxisDirection: d,
			Region:        AABB{Max: Vec3{X: 1, Y: 1, Z: 1}},
		})
	}

	_, err := FitArticulation(track, DefaultFitterConfig())
	var insufficient *InsufficientEvidenceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientEvidenceError", err)
	}
	if insufficient.TrackID != "track_009" {
		t.Errorf("error names track %q", insufficient.TrackID)
	}
}

func TestFitArticulationNoMotionEvidence(t *testing.T) {
	track := &Track{TrackID: "track_003"}
	for i := 0; i < 3; i++ {
		track.Members = append(track.Members, InteractionCandidate{
			FrameID:       fmt.Sprintf("frame_%04d", i),
			Score:         0.9,
			Motion:        MotionUnknown,
			AxisDirection: Vec3{Z: 1},
		})
	}
	_, err := FitArticulation(track, DefaultFitterConfig())
	var insufficient *InsufficientEvidenceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientEvidenceError", err)
	}
}

func TestFitArticulationOutlierRobust(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	track := hingeTrack("track_002", 10, 0.01, rng)
	// One confident but badly wrong proposal.
	track.Members = append(track.Members, InteractionCandidate{
		FrameID:       "frame_0099",
		Score:         0.95,
		Motion:        MotionRevolute,
		AxisDirection: Vec3{X: 1},
		AxisOrigin:    Vec3{X: 5, Y: 5, Z: 5},
		Region:        track.Region,
	})

	fit, err := FitArticulation(track, DefaultFitterConfig())
	if err != nil {
		t.Fatalf("FitArticulation: %v", err)
	}
	if angle := fit.Axis.AngleBetween(Vec3{Z: 1}); angle > 0.1 {
		t.Errorf("outlier dragged axis %.4f rad off", angle)
	}
}

func TestFitArticulationPrismaticRange(t *testing.T) {
	track := &Track{TrackID: "track_005"}
	// A drawer front observed at three positions along +X.
	for i := 0; i < 3; i++ {
		offset := float64(i) * 0.15
		region := AABB{
			Min: Vec3{X: offset, Y: 0, Z: 0.4},
			Max: Vec3{X: offset + 0.05, Y: 0.6, Z: 0.7},
		}
		track.Members = append(track.Members, InteractionCandidate{
			FrameID:       fmt.Sprintf("frame_%04d", i),
			Score:         0.85,
			Motion:        MotionPrismatic,
			AxisDirection: Vec3{X: 1},
			Region:        region,
		})
		if i == 0 {
			track.Region = region
		} else {
			track.Region = track.Region.Union(region)
		}
	}

	fit, err := FitArticulation(track, DefaultFitterConfig())
	if err != nil {
		t.Fatalf("FitArticulation: %v", err)
	}
	if fit.Motion != MotionPrismatic {
		t.Fatalf("motion = %s, want prismatic", fit.Motion)
	}
	if !fit.RangeVerified {
		t.Error("three observed positions should verify the range")
	}
	if math.Abs(fit.RangeMax-0.3) > 0.02 {
		t.Errorf("RangeMax = %.3f, want ~0.30", fit.RangeMax)
	}
}

func TestFitArticulationDefaultRangeUnverified(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	// All members observe the panel in the same pose: no motion evidence.
	track := hingeTrack("track_006", 6, 0.01, rng)
	for i := range track.Members {
		track.Members[i].Region = track.Members[0].Region
	}

	cfg := DefaultFitterConfig()
	fit, err := FitArticulation(track, cfg)
	if err != nil {
		t.Fatalf("FitArticulation: %v", err)
	}
	if fit.RangeVerified {
		t.Error("static observations must not verify a motion range")
	}
	if fit.RangeMin != 0 || fit.RangeMax != cfg.DefaultRevoluteRange {
		t.Errorf("range = [%.3f, %.3f], want default [0, %.3f]",
			fit.RangeMin, fit.RangeMax, cfg.DefaultRevoluteRange)
	}
}
