// Package report renders the end-of-run HTML summary for one scene:
// per-stage throughput and skips, final part status breakdown, and fit
// residuals. The output is a static self-contained page written next to
// the scene artifact so a run can be audited without the pipeline.
package report

import (
	"fmt"
	"os"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/1e100/drawer/internal/percept"
)

// WriteSceneReport renders the report for scene and its stage summaries
// to an HTML file at path.
func WriteSceneReport(path string, scene *percept.SceneRecord, summaries []*percept.StageSummary) error {
	if scene == nil {
		return fmt.Errorf("no scene record to report")
	}

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("Scene %s", scene.SceneID)
	page.AddCharts(
		stageThroughputChart(summaries),
		partStatusChart(scene),
		residualChart(scene),
	)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()

	if err := page.Render(f); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	opsf("wrote scene report for %s (%d parts, %d stages) to %s",
		scene.SceneID, len(scene.Parts), len(summaries), path)
	return nil
}

// stageThroughputChart plots processed items and skipped frames per stage.
func stageThroughputChart(summaries []*percept.StageSummary) *charts.Bar {
	stages := make([]string, 0, len(summaries))
	processed := make([]opts.BarData, 0, len(summaries))
	skipped := make([]opts.BarData, 0, len(summaries))
	for _, s := range summaries {
		stages = append(stages, s.Stage)
		processed = append(processed, opts.BarData{Value: s.ItemsProcessed})
		skipped = append(skipped, opts.BarData{Value: len(s.SkippedFrames)})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Stage throughput",
			Subtitle: time.Now().Format(time.RFC3339),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(stages).
		AddSeries("items processed", processed,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"})).
		AddSeries("skipped frames", skipped)
	return bar
}

// partStatusChart plots the final verification status breakdown.
func partStatusChart(scene *percept.SceneRecord) *charts.Bar {
	counts := map[percept.PartStatus]int{}
	for _, p := range scene.Parts {
		counts[p.Status]++
	}

	statuses := []percept.PartStatus{percept.PartConfirmed, percept.PartNeedsReview, percept.PartRejected}
	x := make([]string, 0, len(statuses))
	y := make([]opts.BarData, 0, len(statuses))
	for _, s := range statuses {
		x = append(x, string(s))
		y = append(y, opts.BarData{Value: counts[s]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Part status",
			Subtitle: fmt.Sprintf("scene=%s parts=%d", scene.SceneID, len(scene.Parts)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("parts", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))
	return bar
}

// residualChart plots per-part fit residuals as a scatter so outliers
// stand out against the residual tolerance.
func residualChart(scene *percept.SceneRecord) *charts.Scatter {
	names := make([]string, 0, len(scene.Parts))
	data := make([]opts.ScatterData, 0, len(scene.Parts))
	maxResidual := 0.0
	for _, p := range scene.Parts {
		names = append(names, p.SemanticName)
		data = append(data, opts.ScatterData{Value: p.Fit.Residual})
		if p.Fit.Residual > maxResidual {
			maxResidual = p.Fit.Residual
		}
	}
	diagf("residual chart: %d parts, max residual %.4f", len(data), maxResidual)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Fit residuals (rad)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "residual", NameLocation: "middle", NameGap: 40}),
	)
	scatter.SetXAxis(names).
		AddSeries("residual", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	return scatter
}
