// Package pipeline is the composition root of the perception pipeline: it
// wires the frame sampler, detection and interaction clients, the track
// aggregator, the articulation fitter, the verifier and the scene assembler
// into staged runs over the versioned artifact store. It imports the stage
// packages; none of them import pipeline.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"

	"github.com/1e100/drawer/internal/config"
	"github.com/1e100/drawer/internal/percept"
	"github.com/1e100/drawer/internal/percept/artifacts"
	"github.com/1e100/drawer/internal/percept/verify"
	"github.com/1e100/drawer/internal/security"
)

// Stage names, which double as artifact store directories.
const (
	StageSample    = "sample"
	StageDetect    = "detect"
	StageInteract  = "interact"
	StageAggregate = "aggregate"
	StageFit       = "fit"
	StageVerify    = "verify"
	StageAssemble  = "assemble"
)

// FrameDetector is the boundary to the open-vocabulary detection service.
type FrameDetector interface {
	DetectFrame(ctx context.Context, frame percept.Frame) ([]percept.Detection, error)
	DetectHandles(ctx context.Context, frame percept.Frame, region percept.PixelRect) ([]percept.Detection, error)
}

// InteractionEstimator is the boundary to the 3D interaction service.
type InteractionEstimator interface {
	EstimateFrame(ctx context.Context, frame percept.Frame, detections []percept.Detection) ([]percept.InteractionCandidate, error)
}

// PersistenceSink mirrors stage outputs into queryable storage. It is an
// adapter, not a stage: persistence failures are logged, never fatal,
// because the artifact store remains the source of truth.
type PersistenceSink interface {
	SaveTracks(sceneID string, tracks []*percept.Track) error
	SaveFits(sceneID string, fits []percept.ArticulationFit) error
	SaveParts(sceneID string, parts []percept.PartRecord) error
}

// Config holds the pipeline's dependencies for one scene.
type Config struct {
	SceneID  string
	DataDir  string
	ImageDir string

	Tuning    *config.TuningConfig
	Detector  FrameDetector
	Estimator InteractionEstimator
	Verifier  verify.Service
	Store     *artifacts.Store

	// Sink is optional.
	Sink PersistenceSink
}

// Pipeline runs perception stages for one scene.
type Pipeline struct {
	cfg Config
}

// New validates the wiring and returns a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.SceneID == "" {
		return nil, &percept.ConfigError{Field: "scene_id", Err: errors.New("empty")}
	}
	if cfg.DataDir == "" {
		return nil, &percept.ConfigError{Field: "data_dir", Err: errors.New("empty")}
	}
	if cfg.Tuning == nil {
		cfg.Tuning = config.EmptyTuningConfig()
	}
	if cfg.Store == nil {
		cfg.Store = artifacts.NewStore(cfg.DataDir)
	}
	if cfg.Verifier == nil {
		cfg.Verifier = verify.StaticService{}
	}
	return &Pipeline{cfg: cfg}, nil
}

// FrameDetections is the per-frame payload of the detect stage.
type FrameDetections struct {
	FrameID string              `json:"frame_id"`
	Parts   []percept.Detection `json:"parts"`
	Handles []percept.Detection `json:"handles,omitempty"`
}

// FrameCandidates is the per-frame payload of the interact stage.
type FrameCandidates struct {
	FrameID string                         `json:"frame_id"`
	Parts   []percept.InteractionCandidate `json:"parts"`
	Handles []percept.InteractionCandidate `json:"handles,omitempty"`
}

// Escalation records a track the fitter could not model.
type Escalation struct {
	TrackID string `json:"track_id"`
	Reason  string `json:"reason"`
}

// RunSample loads the posed frames from transforms.json, applies the
// sampling policy, and publishes the frame list.
func (p *Pipeline) RunSample(ctx context.Context) (*percept.StageSummary, error) {
	summary := percept.NewStageSummary(StageSample, p.cfg.SceneID)

	frames, err := percept.LoadFrames(p.cfg.DataDir, p.cfg.ImageDir, summary)
	if err != nil {
		return summary, err
	}
	sampled := percept.SampleFrames(frames, percept.SamplerPolicy{
		MaxFrames: p.cfg.Tuning.GetMaxFrames(),
		Stride:    p.cfg.Tuning.GetFrameStride(),
		Seed:      p.cfg.Tuning.GetSeed(),
	})
	summary.FramesProcessed = len(frames)
	summary.ItemsProcessed = len(sampled)

	if err := p.publish(StageSample, summary, "frames.json", sampled); err != nil {
		return summary, err
	}
	opsf("[Pipeline] %s", summary)
	return summary, nil
}

// RunDetect runs open-vocabulary detection over every sampled frame, plus
// the handle refinement pass inside each detected part box. Frames run in
// parallel across the configured device slots; a frame with no detections
// or a failed service call is recorded and skipped, never fatal.
func (p *Pipeline) RunDetect(ctx context.Context) (*percept.StageSummary, error) {
	summary := percept.NewStageSummary(StageDetect, p.cfg.SceneID)
	if p.cfg.Detector == nil {
		return summary, &percept.ConfigError{Field: "detector", Err: errors.New("not wired")}
	}

	var frames []percept.Frame
	if err := p.cfg.Store.ReadJSON(StageSample, "frames.json", &frames); err != nil {
		return summary, err
	}

	results := make([]*FrameDetections, len(frames))
	skips := make([]string, len(frames))
	var fatal error
	var fatalOnce sync.Once

	// The device slots cap concurrent inference requests; the service owns
	// the GPU and a slot is held for the whole frame including the handle
	// pass.
	sem := make(chan struct{}, p.cfg.Tuning.GetDeviceSlots())
	var wg sync.WaitGroup
	for i, frame := range frames {
		wg.Add(1)
		go func(i int, frame percept.Frame) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}

			parts, err := p.cfg.Detector.DetectFrame(ctx, frame)
			if err != nil {
				if percept.IsFatal(err) {
					fatalOnce.Do(func() { fatal = err })
					return
				}
				skips[i] = err.Error()
				return
			}

			fd := &FrameDetections{FrameID: frame.FrameID, Parts: parts}
			for _, det := range parts {
				handles, err := p.cfg.Detector.DetectHandles(ctx, frame, det.Mask.BBox)
				if err != nil {
					// Handle refinement is advisory; a part without a
					// handle detection is still a part.
					tracef("[Pipeline] Frame %s: handle pass: %v", frame.FrameID, err)
					continue
				}
				fd.Handles = append(fd.Handles, handles...)
			}
			results[i] = fd
		}(i, frame)
	}
	wg.Wait()
	if fatal != nil {
		return summary, fatal
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	detections := make([]FrameDetections, 0, len(frames))
	for i, frame := range frames {
		summary.FramesProcessed++
		if results[i] == nil {
			summary.RecordSkippedFrame(frame.FrameID, skips[i])
			continue
		}
		summary.ItemsProcessed += len(results[i].Parts)
		detections = append(detections, *results[i])
	}

	if err := p.publish(StageDetect, summary, "detections.json", detections); err != nil {
		return summary, err
	}
	opsf("[Pipeline] %s", summary)
	return summary, nil
}

// RunInteract estimates 3D articulation evidence for every detection and
// lifts it to the world frame. Parallel across device slots like detection.
func (p *Pipeline) RunInteract(ctx context.Context) (*percept.StageSummary, error) {
	summary := percept.NewStageSummary(StageInteract, p.cfg.SceneID)
	if p.cfg.Estimator == nil {
		return summary, &percept.ConfigError{Field: "estimator", Err: errors.New("not wired")}
	}

	_, byID, err := p.loadFrameIndex()
	if err != nil {
		return summary, err
	}
	var detections []FrameDetections
	if err := p.cfg.Store.ReadJSON(StageDetect, "detections.json", &detections); err != nil {
		return summary, err
	}

	results := make([]*FrameCandidates, len(detections))
	skips := make([]string, len(detections))
	var fatal error
	var fatalOnce sync.Once

	sem := make(chan struct{}, p.cfg.Tuning.GetDeviceSlots())
	var wg sync.WaitGroup
	for i, fd := range detections {
		frame, ok := byID[fd.FrameID]
		if !ok {
			summary.RecordSkippedFrame(fd.FrameID, "frame not in sample output")
			continue
		}
		wg.Add(1)
		go func(i int, frame percept.Frame, fd FrameDetections) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}

			parts, err := p.cfg.Estimator.EstimateFrame(ctx, frame, fd.Parts)
			if err != nil {
				if percept.IsFatal(err) {
					fatalOnce.Do(func() { fatal = err })
					return
				}
				skips[i] = err.Error()
				return
			}
			fc := &FrameCandidates{FrameID: fd.FrameID, Parts: parts}
			if len(fd.Handles) > 0 {
				handles, err := p.cfg.Estimator.EstimateFrame(ctx, frame, fd.Handles)
				if err == nil {
					fc.Handles = handles
				} else {
					tracef("[Pipeline] Frame %s: handle estimation: %v", fd.FrameID, err)
				}
			}
			results[i] = fc
		}(i, frame, fd)
	}
	wg.Wait()
	if fatal != nil {
		return summary, fatal
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	candidates := make([]FrameCandidates, 0, len(detections))
	for i, fd := range detections {
		if _, ok := byID[fd.FrameID]; !ok {
			continue
		}
		summary.FramesProcessed++
		if results[i] == nil {
			summary.RecordSkippedFrame(fd.FrameID, skips[i])
			continue
		}
		summary.ItemsProcessed += len(results[i].Parts)
		candidates = append(candidates, *results[i])
	}

	if err := p.publish(StageInteract, summary, "candidates.json", candidates); err != nil {
		return summary, err
	}
	opsf("[Pipeline] %s", summary)
	return summary, nil
}

// RunAggregate associates candidates into tracks. Strictly sequential in
// frame order; the aggregator's determinism depends on it.
func (p *Pipeline) RunAggregate(ctx context.Context) (*percept.StageSummary, error) {
	summary := percept.NewStageSummary(StageAggregate, p.cfg.SceneID)

	var candidates []FrameCandidates
	if err := p.cfg.Store.ReadJSON(StageInteract, "candidates.json", &candidates); err != nil {
		return summary, err
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].FrameID < candidates[j].FrameID })

	var all []percept.InteractionCandidate
	var handles []percept.InteractionCandidate
	for _, fc := range candidates {
		all = append(all, fc.Parts...)
		handles = append(handles, fc.Handles...)
	}
	agg := percept.NewAggregator(percept.AggregatorConfig{
		MinIoU:            p.cfg.Tuning.GetAssociationIoU(),
		AssociationRadius: percept.SceneScaleRadius(all, p.cfg.Tuning.GetAssociationRadiusFraction()),
		MinTrackMembers:   p.cfg.Tuning.GetMinTrackMembers(),
	})
	for _, fc := range candidates {
		summary.FramesProcessed++
		agg.ObserveFrame(fc.FrameID, fc.Parts)
	}
	agg.AttachHandles(handles)

	tracks := agg.Tracks()
	_, lowConfidence := agg.ConfidentTracks()
	summary.ItemsProcessed = len(tracks)
	summary.LowConfidenceTracks = lowConfidence

	if p.cfg.Sink != nil {
		if err := p.cfg.Sink.SaveTracks(p.cfg.SceneID, tracks); err != nil {
			diagf("[Pipeline] Persisting tracks: %v", err)
		}
	}
	if err := p.publish(StageAggregate, summary, "tracks.json", tracks); err != nil {
		return summary, err
	}
	opsf("[Pipeline] %s", summary)
	return summary, nil
}

// RunFit fits one articulation model per confident track. Tracks whose
// evidence disagrees beyond tolerance are escalated, not given bad models.
func (p *Pipeline) RunFit(ctx context.Context) (*percept.StageSummary, error) {
	summary := percept.NewStageSummary(StageFit, p.cfg.SceneID)

	tracks, err := p.loadTracks()
	if err != nil {
		return summary, err
	}

	fitterCfg := p.fitterConfig()
	minMembers := p.cfg.Tuning.GetMinTrackMembers()

	var fits []percept.ArticulationFit
	var escalations []Escalation
	for _, track := range tracks {
		if len(track.Members) < minMembers {
			summary.LowConfidenceTracks = append(summary.LowConfidenceTracks, track.TrackID)
			continue
		}
		summary.FramesProcessed++
		fit, err := percept.FitArticulation(track, fitterCfg)
		if err != nil {
			var insufficient *percept.InsufficientEvidenceError
			if errors.As(err, &insufficient) {
				summary.EscalatedTracks = append(summary.EscalatedTracks, track.TrackID)
				escalations = append(escalations, Escalation{TrackID: track.TrackID, Reason: err.Error()})
				continue
			}
			return summary, err
		}
		fits = append(fits, *fit)
	}
	sort.Slice(fits, func(i, j int) bool { return fits[i].TrackID < fits[j].TrackID })
	summary.ItemsProcessed = len(fits)

	if p.cfg.Sink != nil {
		if err := p.cfg.Sink.SaveFits(p.cfg.SceneID, fits); err != nil {
			diagf("[Pipeline] Persisting fits: %v", err)
		}
	}
	v, err := p.cfg.Store.Begin(StageFit)
	if err != nil {
		return summary, err
	}
	if err := v.WriteJSON("fits.json", fits); err != nil {
		return summary, err
	}
	if err := v.WriteJSON("escalations.json", escalations); err != nil {
		return summary, err
	}
	if err := v.WriteJSON("summary.json", summary); err != nil {
		return summary, err
	}
	if err := v.Complete(p.cfg.SceneID); err != nil {
		return summary, err
	}
	opsf("[Pipeline] %s", summary)
	return summary, nil
}

// RunVerify sends every fitted or escalated track to the verifier, within
// the configured rate budget. Escalated tracks go too: the model may still
// name or reject them even without a motion model.
func (p *Pipeline) RunVerify(ctx context.Context) (*percept.StageSummary, error) {
	summary := percept.NewStageSummary(StageVerify, p.cfg.SceneID)

	tracks, err := p.loadTracks()
	if err != nil {
		return summary, err
	}
	fits, escalations, err := p.loadFits()
	if err != nil {
		return summary, err
	}
	_, byID, err := p.loadFrameIndex()
	if err != nil {
		return summary, err
	}

	radius := percept.SceneScaleRadius(allMembers(tracks), p.cfg.Tuning.GetAssociationRadiusFraction())
	var reqs []verify.Request
	for _, track := range tracks {
		fit, fitted := fits[track.TrackID]
		if !fitted && !escalations[track.TrackID] {
			continue
		}
		req := verify.Request{
			TrackID:         track.TrackID,
			Labels:          labelsByFrequency(track),
			CropPaths:       p.safeCropPaths(representativeImages(track, byID)),
			MergeCandidates: nearbyTracks(track, tracks, radius),
		}
		if fitted {
			f := fit
			req.Fit = &f
		}
		reqs = append(reqs, req)
	}
	summary.FramesProcessed = len(reqs)

	outcomeMap, review := verify.VerifyTracks(ctx, p.cfg.Verifier, reqs, verify.RunnerConfig{
		MaxConcurrent: p.cfg.Tuning.GetVerifyMaxConcurrent(),
	})
	for id := range review {
		summary.NeedsReview = append(summary.NeedsReview, id)
	}
	sort.Strings(summary.NeedsReview)

	outcomes := make([]percept.VerificationOutcome, 0, len(outcomeMap))
	for _, o := range outcomeMap {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].TrackID < outcomes[j].TrackID })
	summary.ItemsProcessed = len(outcomes)

	if err := p.publish(StageVerify, summary, "outcomes.json", outcomes); err != nil {
		return summary, err
	}
	opsf("[Pipeline] %s", summary)
	return summary, nil
}

// RunAssemble builds the final scene record. Merged tracks are refitted
// over their combined membership; a refit that fails demotes the merged
// part to needs_review but keeps the original model.
func (p *Pipeline) RunAssemble(ctx context.Context) (*percept.StageSummary, error) {
	summary := percept.NewStageSummary(StageAssemble, p.cfg.SceneID)

	tracks, err := p.loadTracks()
	if err != nil {
		return summary, err
	}
	fits, _, err := p.loadFits()
	if err != nil {
		return summary, err
	}
	var outcomeList []percept.VerificationOutcome
	if err := p.cfg.Store.ReadJSON(StageVerify, "outcomes.json", &outcomeList); err != nil {
		return summary, err
	}

	byID := make(map[string]*percept.Track, len(tracks))
	for _, t := range tracks {
		byID[t.TrackID] = t
	}
	outcomes := make(map[string]percept.VerificationOutcome, len(outcomeList))
	for _, o := range outcomeList {
		outcomes[o.TrackID] = o
	}

	fitPtrs := make(map[string]*percept.ArticulationFit, len(fits))
	for id := range fits {
		f := fits[id]
		fitPtrs[id] = &f
	}

	// Refit merged tracks over the union of their members.
	fitterCfg := p.fitterConfig()
	for id, outcome := range outcomes {
		if len(outcome.AbsorbedTracks) == 0 {
			continue
		}
		base, ok := byID[id]
		if !ok {
			continue
		}
		merged := &percept.Track{TrackID: id, Members: append([]percept.InteractionCandidate(nil), base.Members...), Region: base.Region}
		for _, other := range outcome.AbsorbedTracks {
			t, ok := byID[other]
			if !ok {
				continue
			}
			merged.Members = append(merged.Members, t.Members...)
			merged.Region = merged.Region.Union(t.Region)
		}
		refit, err := percept.FitArticulation(merged, fitterCfg)
		if err != nil {
			diagf("[Pipeline] Refit of merged %s failed: %v", id, err)
			outcome.Status = percept.PartNeedsReview
			outcomes[id] = outcome
			summary.NeedsReview = append(summary.NeedsReview, id)
			continue
		}
		fitPtrs[id] = refit
	}
	sort.Strings(summary.NeedsReview)

	scene, err := percept.AssembleScene(percept.AssembleInput{
		SceneID:  p.cfg.SceneID,
		Tracks:   tracks,
		Fits:     fitPtrs,
		Outcomes: outcomes,
	})
	if err != nil {
		return summary, err
	}
	summary.ItemsProcessed = len(scene.Parts)

	if p.cfg.Sink != nil {
		if err := p.cfg.Sink.SaveParts(p.cfg.SceneID, scene.Parts); err != nil {
			diagf("[Pipeline] Persisting parts: %v", err)
		}
	}
	if err := p.publish(StageAssemble, summary, "scene.json", scene); err != nil {
		return summary, err
	}
	opsf("[Pipeline] %s", summary)
	return summary, nil
}

// RunAll executes every stage in order, stopping at the first fatal error.
func (p *Pipeline) RunAll(ctx context.Context) ([]*percept.StageSummary, error) {
	stages := []func(context.Context) (*percept.StageSummary, error){
		p.RunSample, p.RunDetect, p.RunInteract, p.RunAggregate, p.RunFit, p.RunVerify, p.RunAssemble,
	}
	var summaries []*percept.StageSummary
	for _, stage := range stages {
		summary, err := stage(ctx)
		if summary != nil {
			summaries = append(summaries, summary)
		}
		if err != nil {
			return summaries, err
		}
	}
	return summaries, nil
}

// Scene reads the assembled scene from the latest complete assemble run.
func (p *Pipeline) Scene() (*percept.SceneRecord, error) {
	var scene percept.SceneRecord
	if err := p.cfg.Store.ReadJSON(StageAssemble, "scene.json", &scene); err != nil {
		return nil, err
	}
	return &scene, nil
}

// safeCropPaths drops crop paths that resolve outside the image directory.
// Image paths come from the frame artifact, which is editable on disk, and
// the verifier reads these files and sends their contents to an external
// service.
func (p *Pipeline) safeCropPaths(paths []string) []string {
	root := p.cfg.ImageDir
	if !filepath.IsAbs(root) {
		root = filepath.Join(p.cfg.DataDir, root)
	}
	var out []string
	for _, path := range paths {
		candidate := path
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(p.cfg.DataDir, candidate)
		}
		if err := security.ValidatePathWithinDirectory(candidate, root); err != nil {
			diagf("[Pipeline] Dropping crop path %s: %v", path, err)
			continue
		}
		out = append(out, candidate)
	}
	return out
}

// Tracks reads the aggregated tracks from the latest complete aggregate run.
func (p *Pipeline) Tracks() ([]*percept.Track, error) {
	return p.loadTracks()
}

// Fits reads the fitted models from the latest complete fit run.
func (p *Pipeline) Fits() (map[string]percept.ArticulationFit, error) {
	fits, _, err := p.loadFits()
	return fits, err
}

func (p *Pipeline) fitterConfig() percept.FitterConfig {
	cfg := percept.DefaultFitterConfig()
	cfg.ResidualTolerance = p.cfg.Tuning.GetResidualTolerance()
	cfg.MotionEvidenceSpread = p.cfg.Tuning.GetMotionEvidenceSpread()
	cfg.DefaultRevoluteRange = p.cfg.Tuning.GetDefaultRevoluteRange()
	cfg.DefaultPrismaticRange = p.cfg.Tuning.GetDefaultPrismaticRange()
	return cfg
}

// publish writes the payload and summary into a fresh artifact version.
func (p *Pipeline) publish(stage string, summary *percept.StageSummary, name string, payload any) error {
	v, err := p.cfg.Store.Begin(stage)
	if err != nil {
		return err
	}
	if err := v.WriteJSON(name, payload); err != nil {
		return err
	}
	if err := v.WriteJSON("summary.json", summary); err != nil {
		return err
	}
	return v.Complete(p.cfg.SceneID)
}

func (p *Pipeline) loadFrameIndex() ([]percept.Frame, map[string]percept.Frame, error) {
	var frames []percept.Frame
	if err := p.cfg.Store.ReadJSON(StageSample, "frames.json", &frames); err != nil {
		return nil, nil, err
	}
	byID := make(map[string]percept.Frame, len(frames))
	for _, f := range frames {
		byID[f.FrameID] = f
	}
	return frames, byID, nil
}

func (p *Pipeline) loadTracks() ([]*percept.Track, error) {
	var tracks []*percept.Track
	if err := p.cfg.Store.ReadJSON(StageAggregate, "tracks.json", &tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

func (p *Pipeline) loadFits() (map[string]percept.ArticulationFit, map[string]bool, error) {
	var fits []percept.ArticulationFit
	if err := p.cfg.Store.ReadJSON(StageFit, "fits.json", &fits); err != nil {
		return nil, nil, err
	}
	var escalations []Escalation
	if err := p.cfg.Store.ReadJSON(StageFit, "escalations.json", &escalations); err != nil {
		return nil, nil, err
	}
	fitMap := make(map[string]percept.ArticulationFit, len(fits))
	for _, f := range fits {
		fitMap[f.TrackID] = f
	}
	escMap := make(map[string]bool, len(escalations))
	for _, e := range escalations {
		escMap[e.TrackID] = true
	}
	return fitMap, escMap, nil
}

func allMembers(tracks []*percept.Track) []percept.InteractionCandidate {
	var out []percept.InteractionCandidate
	for _, t := range tracks {
		out = append(out, t.Members...)
	}
	return out
}

func labelsByFrequency(track *percept.Track) []string {
	counts := map[string]int{}
	for _, m := range track.Members {
		if m.Label != "" {
			counts[m.Label]++
		}
	}
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})
	return labels
}

// representativeImages picks up to three member frames spread across the
// track's observation span.
func representativeImages(track *percept.Track, frames map[string]percept.Frame) []string {
	seen := map[string]bool{}
	var ids []string
	for _, m := range track.Members {
		if !seen[m.FrameID] {
			seen[m.FrameID] = true
			ids = append(ids, m.FrameID)
		}
	}
	sort.Strings(ids)
	var pick []string
	switch {
	case len(ids) <= 3:
		pick = ids
	default:
		pick = []string{ids[0], ids[len(ids)/2], ids[len(ids)-1]}
	}
	var paths []string
	for _, id := range pick {
		if f, ok := frames[id]; ok && f.ImagePath != "" {
			paths = append(paths, f.ImagePath)
		}
	}
	return paths
}

func nearbyTracks(track *percept.Track, tracks []*percept.Track, radius float64) []string {
	var out []string
	for _, other := range tracks {
		if other.TrackID == track.TrackID {
			continue
		}
		if track.Region.IoU(other.Region) > 0 || track.Region.CentroidDistance(other.Region) <= radius {
			out = append(out, other.TrackID)
		}
	}
	sort.Strings(out)
	return out
}
