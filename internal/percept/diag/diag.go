// Package diag renders fit diagnostic plots for tuning: per-track member
// axis deviation from the fitted axis and region displacement along it.
// Plots are tuning output, never part of the scene artifact.
package diag

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/1e100/drawer/internal/percept"
	"github.com/1e100/drawer/internal/security"
)

// FitPlotter renders diagnostic plots for fitted tracks into one output
// directory, one pair of PNGs per track.
type FitPlotter struct {
	outputDir string
}

// NewFitPlotter creates the output directory and returns a plotter
// writing into it.
func NewFitPlotter(outputDir string) (*FitPlotter, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &FitPlotter{outputDir: outputDir}, nil
}

// PlotScene renders plots for every track that has a fit. Returns the
// number of plot files written.
func (fp *FitPlotter) PlotScene(tracks []*percept.Track, fits map[string]*percept.ArticulationFit) (int, error) {
	plotCount := 0
	for _, track := range tracks {
		fit, ok := fits[track.TrackID]
		if !ok {
			continue
		}
		n, err := fp.PlotTrackFit(track, fit)
		if err != nil {
			return plotCount, fmt.Errorf("plot track %s: %w", track.TrackID, err)
		}
		plotCount += n
	}
	return plotCount, nil
}

// PlotTrackFit renders the axis-deviation and displacement plots for one
// fitted track. Returns the number of plot files written.
func (fp *FitPlotter) PlotTrackFit(track *percept.Track, fit *percept.ArticulationFit) (int, error) {
	if len(track.Members) == 0 {
		return 0, nil
	}

	// Angular deviation of each member's axis proposal from the fitted axis
	pDev := plot.New()
	pDev.Title.Text = fmt.Sprintf("Track %s - Axis Deviation (%s)", track.TrackID, fit.Motion)
	pDev.X.Label.Text = "Member"
	pDev.Y.Label.Text = "Deviation (rad)"

	// Region center displacement along the fitted axis, relative to the
	// first member
	pDisp := plot.New()
	pDisp.Title.Text = fmt.Sprintf("Track %s - Displacement Along Axis", track.TrackID)
	pDisp.X.Label.Text = "Member"
	pDisp.Y.Label.Text = "Displacement (m)"

	devPts := make(plotter.XYs, 0, len(track.Members))
	dispPts := make(plotter.XYs, 0, len(track.Members))
	base := track.Members[0].Region.Center().Dot(fit.Axis)
	for i, m := range track.Members {
		if m.Motion != percept.MotionUnknown {
			devPts = append(devPts, plotter.XY{X: float64(i), Y: m.AxisDirection.AngleBetween(fit.Axis)})
		}
		dispPts = append(dispPts, plotter.XY{X: float64(i), Y: m.Region.Center().Dot(fit.Axis) - base})
	}

	written := 0
	if len(devPts) > 0 {
		devScatter, err := plotter.NewScatter(devPts)
		if err != nil {
			return written, err
		}
		devScatter.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		devScatter.Radius = vg.Points(2)
		pDev.Add(devScatter)

		// Horizontal line at the aggregate residual for reference
		residualLine, err := plotter.NewLine(plotter.XYs{
			{X: 0, Y: fit.Residual},
			{X: float64(len(track.Members) - 1), Y: fit.Residual},
		})
		if err != nil {
			return written, err
		}
		residualLine.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		residualLine.Width = vg.Points(1)
		pDev.Add(residualLine)
		pDev.Legend.Add("residual", residualLine)
		pDev.Legend.Top = true

		devFile := filepath.Join(fp.outputDir, fmt.Sprintf("track_%s_axis_dev.png", security.SanitizeFilename(track.TrackID)))
		if err := pDev.Save(10*vg.Inch, 5*vg.Inch, devFile); err != nil {
			return written, fmt.Errorf("save deviation plot: %w", err)
		}
		written++
	}

	if len(dispPts) > 1 {
		dispLine, err := plotter.NewLine(dispPts)
		if err != nil {
			return written, err
		}
		dispLine.Color = color.RGBA{R: 44, G: 160, B: 44, A: 255}
		dispLine.Width = vg.Points(1)
		pDisp.Add(dispLine)

		dispFile := filepath.Join(fp.outputDir, fmt.Sprintf("track_%s_disp.png", security.SanitizeFilename(track.TrackID)))
		if err := pDisp.Save(10*vg.Inch, 5*vg.Inch, dispFile); err != nil {
			return written, fmt.Errorf("save displacement plot: %w", err)
		}
		written++
	}

	return written, nil
}
