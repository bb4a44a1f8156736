package diag

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/1e100/drawer/internal/percept"
)

func fittedTrack(id string) (*percept.Track, *percept.ArticulationFit) {
	track := &percept.Track{TrackID: id}
	for i := 0; i < 5; i++ {
		track.Members = append(track.Members, percept.InteractionCandidate{
			FrameID:       "frame_000" + string(rune('0'+i)),
			Label:         "drawer",
			Score:         0.8,
			Motion:        percept.MotionPrismatic,
			AxisDirection: percept.Vec3{X: 1},
			Region: percept.AABB{
				Min: percept.Vec3{X: float64(i) * 0.05},
				Max: percept.Vec3{X: float64(i)*0.05 + 0.4, Y: 0.4, Z: 0.2},
			},
		})
	}
	fit := &percept.ArticulationFit{
		TrackID:  id,
		Motion:   percept.MotionPrismatic,
		Axis:     percept.Vec3{X: 1},
		Residual: 0.02,
	}
	return track, fit
}

func TestPlotTrackFit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	fp, err := NewFitPlotter(dir)
	if err != nil {
		t.Fatalf("NewFitPlotter failed: %v", err)
	}

	track, fit := fittedTrack("t1")
	n, err := fp.PlotTrackFit(track, fit)
	if err != nil {
		t.Fatalf("PlotTrackFit failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 plot files, got %d", n)
	}

	for _, name := range []string{"track_t1_axis_dev.png", "track_t1_disp.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected plot file %s: %v", name, err)
		}
	}
}

func TestPlotSceneSkipsUnfitted(t *testing.T) {
	fp, err := NewFitPlotter(filepath.Join(t.TempDir(), "plots"))
	if err != nil {
		t.Fatalf("NewFitPlotter failed: %v", err)
	}

	fitted, fit := fittedTrack("t1")
	unfitted := &percept.Track{TrackID: "t2"}
	n, err := fp.PlotScene([]*percept.Track{fitted, unfitted}, map[string]*percept.ArticulationFit{"t1": fit})
	if err != nil {
		t.Fatalf("PlotScene failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 plot files for the single fitted track, got %d", n)
	}
}

func TestPlotTrackFitEmptyTrack(t *testing.T) {
	fp, err := NewFitPlotter(filepath.Join(t.TempDir(), "plots"))
	if err != nil {
		t.Fatalf("NewFitPlotter failed: %v", err)
	}

	n, err := fp.PlotTrackFit(&percept.Track{TrackID: "empty"}, &percept.ArticulationFit{TrackID: "empty"})
	if err != nil {
		t.Fatalf("PlotTrackFit on empty track failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no plots for empty track, got %d", n)
	}
}
