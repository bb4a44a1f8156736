package percept

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// FitterConfig holds the articulation fitting policy.
type FitterConfig struct {
	// ResidualTolerance is the maximum acceptable mean angular deviation
	// (radians) of member axes from the fitted axis. Fits above this
	// return InsufficientEvidence instead of a low-quality model.
	ResidualTolerance float64

	// MotionEvidenceSpread is the minimum spread of member displacements
	// along/about the fitted axis (metres or radians) treated as genuine
	// multi-frame motion evidence rather than estimation noise.
	MotionEvidenceSpread float64

	// Conservative range bounds used when no motion evidence exists. The
	// resulting fit carries RangeVerified=false.
	DefaultRevoluteRange  float64 // radians
	DefaultPrismaticRange float64 // metres

	// MaxIterations bounds the iterative reweighting loop.
	MaxIterations int
}

// DefaultFitterConfig returns production-default fitting parameters.
func DefaultFitterConfig() FitterConfig {
	return FitterConfig{
		ResidualTolerance:     0.26, // ~15 degrees
		MotionEvidenceSpread:  0.02,
		DefaultRevoluteRange:  math.Pi / 2,
		DefaultPrismaticRange: 0.45,
		MaxIterations:         10,
	}
}

// FitArticulation fits a single articulation model to a track's aggregated
// 3D evidence, or returns InsufficientEvidenceError when members disagree
// beyond tolerance.
//
// The axis direction is a robust consensus of member axis proposals,
// weighted by detection confidence and iteratively reweighted so a few
// noisy single-frame estimates cannot drag the fit. Directions are
// aggregated through the weighted outer-product matrix M = Σ w·d·dᵀ whose
// principal eigenvector is the consensus direction; the outer product makes
// the estimate invariant to per-member sign flips (a hinge reported as d
// and as −d is the same hinge).
func FitArticulation(track *Track, cfg FitterConfig) (*ArticulationFit, error) {
	motion := track.DominantMotion()
	if motion == MotionUnknown {
		return nil, &InsufficientEvidenceError{
			TrackID: track.TrackID,
			Reason:  "no member reports a usable motion type",
		}
	}

	// Gather member axis proposals agreeing with the dominant motion type.
	// Members reporting unknown still contribute their axis at half weight.
	var dirs []Vec3
	var weights []float64
	var origins []Vec3
	for _, m := range track.Members {
		d := m.AxisDirection.Normalized()
		if d.Norm() < geometryEpsilon {
			continue
		}
		w := m.Score
		switch m.Motion {
		case motion:
			// full weight
		case MotionUnknown:
			w *= 0.5
		default:
			// Conflicting motion type: the axis geometry is for a
			// different kinematic model, so it is not axis evidence.
			continue
		}
		if w <= 0 {
			continue
		}
		dirs = append(dirs, d)
		weights = append(weights, w)
		origins = append(origins, m.AxisOrigin)
	}
	if len(dirs) == 0 {
		return nil, &InsufficientEvidenceError{
			TrackID: track.TrackID,
			Reason:  "no valid axis proposals among members",
		}
	}

	axis := consensusDirection(dirs, weights, cfg)

	// Residual: confidence-weighted mean angular deviation of all member
	// proposals from the consensus. Deliberately computed with the original
	// weights, not the robust ones, so injected noise shows up
	// monotonically instead of being hidden by downweighting.
	residuals := make([]float64, len(dirs))
	for i, d := range dirs {
		residuals[i] = axis.AngleBetween(d)
	}
	residual := stat.Mean(residuals, weights)

	if residual > cfg.ResidualTolerance {
		return nil, &InsufficientEvidenceError{
			TrackID:  track.TrackID,
			Residual: residual,
		}
	}

	fit := &ArticulationFit{
		TrackID:  track.TrackID,
		Motion:   motion,
		Axis:     axis,
		Residual: residual,
	}

	switch motion {
	case MotionRevolute:
		// The hinge line passes through the weighted centroid of member
		// axis-origin points; with the direction fixed, that centroid
		// minimises the summed squared perpendicular distance.
		fit.Pivot = weightedCentroid(origins, weights)
		fitRevoluteRange(fit, track, cfg)
	case MotionPrismatic:
		fit.Pivot = track.Region.Center()
		fitPrismaticRange(fit, track, cfg)
	}

	diagf("[Fitter] %s: %s axis=(%.3f,%.3f,%.3f) residual=%.4f range=[%.3f,%.3f] verified=%v",
		track.TrackID, fit.Motion, fit.Axis.X, fit.Axis.Y, fit.Axis.Z,
		fit.Residual, fit.RangeMin, fit.RangeMax, fit.RangeVerified)
	return fit, nil
}

// consensusDirection computes the robust weighted consensus of unit
// directions. Each round builds the weighted outer-product matrix,
// extracts its principal eigenvector with gonum, then reweights members by
// a Tukey biweight of their angular deviation so outliers lose influence.
func consensusDirection(dirs []Vec3, weights []float64, cfg FitterConfig) Vec3 {
	iters := cfg.MaxIterations
	if iters < 1 {
		iters = 1
	}
	// Tukey cutoff: proposals deviating beyond this contribute nothing.
	cutoff := cfg.ResidualTolerance * 2
	if cutoff <= 0 {
		cutoff = 0.5
	}

	robust := make([]float64, len(weights))
	copy(robust, weights)

	var axis Vec3
	for iter := 0; iter < iters; iter++ {
		axis = principalDirection(dirs, robust)
		if axis.Norm() < geometryEpsilon {
			// Degenerate weighting; fall back to the plain confidence
			// weighting and stop.
			axis = principalDirection(dirs, weights)
			break
		}

		changed := false
		for i, d := range dirs {
			r := axis.AngleBetween(d)
			var tukey float64
			if r < cutoff {
				u := r / cutoff
				tukey = (1 - u*u) * (1 - u*u)
			}
			next := weights[i] * tukey
			if math.Abs(next-robust[i]) > 1e-9 {
				changed = true
			}
			robust[i] = next
		}
		if !changed {
			break
		}
	}
	return axis
}

// principalDirection returns the principal eigenvector of the weighted
// outer-product matrix Σ w·d·dᵀ.
func principalDirection(dirs []Vec3, weights []float64) Vec3 {
	var m [9]float64
	total := 0.0
	for i, d := range dirs {
		w := weights[i]
		if w <= 0 {
			continue
		}
		total += w
		m[0] += w * d.X * d.X
		m[1] += w * d.X * d.Y
		m[2] += w * d.X * d.Z
		m[4] += w * d.Y * d.Y
		m[5] += w * d.Y * d.Z
		m[8] += w * d.Z * d.Z
	}
	if total < geometryEpsilon {
		return Vec3{}
	}
	m[3], m[6], m[7] = m[1], m[2], m[5]

	sym := mat.NewSymDense(3, []float64{
		m[0], m[1], m[2],
		m[3], m[4], m[5],
		m[6], m[7], m[8],
	})
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return Vec3{}
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// EigenSym returns eigenvalues in ascending order; the principal
	// eigenvector is the last column.
	v := Vec3{X: vecs.At(0, 2), Y: vecs.At(1, 2), Z: vecs.At(2, 2)}
	return v.Normalized()
}

func weightedCentroid(points []Vec3, weights []float64) Vec3 {
	var sum Vec3
	total := 0.0
	for i, p := range points {
		w := weights[i]
		if w <= 0 {
			continue
		}
		sum = sum.Add(p.Scale(w))
		total += w
	}
	if total < geometryEpsilon {
		return Vec3{}
	}
	return sum.Scale(1 / total)
}

// fitRevoluteRange estimates the swing range from the angular spread of
// member region centroids about the hinge line. Panels observed in the same
// pose across all frames have no angular spread; the range then defaults to
// the conservative policy bound and is flagged unverified.
func fitRevoluteRange(fit *ArticulationFit, track *Track, cfg FitterConfig) {
	angles := memberAnglesAboutAxis(track, fit.Axis, fit.Pivot)
	if len(angles) >= 2 {
		minA, maxA := minMax(angles)
		if maxA-minA >= cfg.MotionEvidenceSpread {
			fit.RangeMin = minA
			fit.RangeMax = maxA
			fit.RangeVerified = true
			return
		}
	}
	fit.RangeMin = 0
	fit.RangeMax = cfg.DefaultRevoluteRange
	fit.RangeVerified = false
}

// fitPrismaticRange estimates the slide range from the spread of member
// region centroids projected onto the slide direction.
func fitPrismaticRange(fit *ArticulationFit, track *Track, cfg FitterConfig) {
	projections := make([]float64, 0, len(track.Members))
	for _, m := range track.Members {
		projections = append(projections, m.Region.Center().Dot(fit.Axis))
	}
	if len(projections) >= 2 {
		minP, maxP := minMax(projections)
		if maxP-minP >= cfg.MotionEvidenceSpread {
			fit.RangeMin = 0
			fit.RangeMax = maxP - minP
			fit.RangeVerified = true
			return
		}
	}
	fit.RangeMin = 0
	fit.RangeMax = cfg.DefaultPrismaticRange
	fit.RangeVerified = false
}

// memberAnglesAboutAxis returns each member region centroid's angle about
// the hinge line, measured in the plane perpendicular to the axis and
// relative to the first member.
func memberAnglesAboutAxis(track *Track, axis, pivot Vec3) []float64 {
	d := axis.Normalized()
	if d.Norm() < geometryEpsilon {
		return nil
	}

	// Build an orthonormal basis (u, v) of the plane perpendicular to d.
	ref := Vec3{X: 1}
	if math.Abs(d.X) > 0.9 {
		ref = Vec3{Y: 1}
	}
	u := d.Cross(ref).Normalized()
	v := d.Cross(u)

	angles := make([]float64, 0, len(track.Members))
	for _, m := range track.Members {
		rel := m.Region.Center().Sub(pivot)
		perp := rel.Sub(d.Scale(rel.Dot(d)))
		if perp.Norm() < geometryEpsilon {
			continue
		}
		angles = append(angles, math.Atan2(perp.Dot(v), perp.Dot(u)))
	}
	if len(angles) == 0 {
		return nil
	}

	// Re-reference to the first angle so the spread is not affected by the
	// arbitrary basis orientation, and unwrap across the ±π seam.
	base := angles[0]
	for i := range angles {
		a := angles[i] - base
		for a > math.Pi {
			a -= 2 * math.Pi
		}
		for a < -math.Pi {
			a += 2 * math.Pi
		}
		angles[i] = a
	}
	return angles
}

func minMax(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
