package percept

import (
	"math"
)

// geometryEpsilon is the minimum magnitude treated as non-zero in vector
// normalisation and overlap computations. Values below this are considered
// effectively zero.
const geometryEpsilon = 1e-9

// Vec3 is a 3D vector in metres, world frame unless stated otherwise.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns v + w.
func (v Vec3) Add(w Vec3) Vec3 {
	return Vec3{v.X + w.X, v.Y + w.Y, v.Z + w.Z}
}

// Sub returns v − w.
func (v Vec3) Sub(w Vec3) Vec3 {
	return Vec3{v.X - w.X, v.Y - w.Y, v.Z - w.Z}
}

// Scale returns v scaled by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

// Dot returns the dot product v · w.
func (v Vec3) Dot(w Vec3) float64 {
	return v.X*w.X + v.Y*w.Y + v.Z*w.Z
}

// Cross returns the cross product v × w.
func (v Vec3) Cross(w Vec3) Vec3 {
	return Vec3{
		X: v.Y*w.Z - v.Z*w.Y,
		Y: v.Z*w.X - v.X*w.Z,
		Z: v.X*w.Y - v.Y*w.X,
	}
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Normalized returns v scaled to unit length, or the zero vector when v is
// shorter than geometryEpsilon.
func (v Vec3) Normalized() Vec3 {
	n := v.Norm()
	if n < geometryEpsilon {
		return Vec3{}
	}
	return v.Scale(1 / n)
}

// AngleBetween returns the unsigned angle in radians between v and w,
// treating both as undirected lines: an axis reported as d and one reported
// as −d describe the same articulation, so the result is always in [0, π/2].
func (v Vec3) AngleBetween(w Vec3) float64 {
	a := v.Normalized()
	b := w.Normalized()
	dot := math.Abs(a.Dot(b))
	if dot > 1 {
		dot = 1
	}
	return math.Acos(dot)
}

// Mat4 is a 4x4 rigid transform in row-major order. For camera poses this is
// the camera-to-world transform as written by the reconstruction stage into
// transforms.json.
type Mat4 [16]float64

// IdentityMat4 returns the identity transform.
func IdentityMat4() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// ApplyPoint transforms a point by the full rigid transform (rotation plus
// translation).
func (m Mat4) ApplyPoint(p Vec3) Vec3 {
	return Vec3{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// ApplyDirection transforms a direction by the rotation part only.
func (m Mat4) ApplyDirection(d Vec3) Vec3 {
	return Vec3{
		X: m[0]*d.X + m[1]*d.Y + m[2]*d.Z,
		Y: m[4]*d.X + m[5]*d.Y + m[6]*d.Z,
		Z: m[8]*d.X + m[9]*d.Y + m[10]*d.Z,
	}
}

// Translation returns the translation column of the transform.
func (m Mat4) Translation() Vec3 {
	return Vec3{X: m[3], Y: m[7], Z: m[11]}
}

// IsFinite reports whether every element of the transform is a finite number.
// Poses from the reconstruction collaborator occasionally carry NaN rows for
// frames whose registration failed; those frames must be rejected at load.
func (m Mat4) IsFinite() bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// AABB is an axis-aligned bounding box in the world frame. Interaction
// regions are aggregated as AABBs: door and drawer fronts in a scanned room
// are small relative to the scene, so axis-aligned overlap is a good
// association signal and keeps the greedy aggregator cheap.
type AABB struct {
	Min Vec3 `json:"min"`
	Max Vec3 `json:"max"`
}

// AABBFromPoints returns the tightest box containing all points. An empty
// input yields the zero box.
func AABBFromPoints(points []Vec3) AABB {
	if len(points) == 0 {
		return AABB{}
	}
	box := AABB{Min: points[0], Max: points[0]}
	for _, p := range points[1:] {
		box = box.ExpandToPoint(p)
	}
	return box
}

// ExpandToPoint grows the box to contain p.
func (b AABB) ExpandToPoint(p Vec3) AABB {
	return AABB{
		Min: Vec3{math.Min(b.Min.X, p.X), math.Min(b.Min.Y, p.Y), math.Min(b.Min.Z, p.Z)},
		Max: Vec3{math.Max(b.Max.X, p.X), math.Max(b.Max.Y, p.Y), math.Max(b.Max.Z, p.Z)},
	}
}

// Union returns the smallest box containing both boxes.
func (b AABB) Union(o AABB) AABB {
	return AABB{
		Min: Vec3{math.Min(b.Min.X, o.Min.X), math.Min(b.Min.Y, o.Min.Y), math.Min(b.Min.Z, o.Min.Z)},
		Max: Vec3{math.Max(b.Max.X, o.Max.X), math.Max(b.Max.Y, o.Max.Y), math.Max(b.Max.Z, o.Max.Z)},
	}
}

// Center returns the box centroid.
func (b AABB) Center() Vec3 {
	return Vec3{
		X: (b.Min.X + b.Max.X) / 2,
		Y: (b.Min.Y + b.Max.Y) / 2,
		Z: (b.Min.Z + b.Max.Z) / 2,
	}
}

// Volume returns the box volume; degenerate boxes report zero.
func (b AABB) Volume() float64 {
	dx := b.Max.X - b.Min.X
	dy := b.Max.Y - b.Min.Y
	dz := b.Max.Z - b.Min.Z
	if dx < 0 || dy < 0 || dz < 0 {
		return 0
	}
	return dx * dy * dz
}

// Diagonal returns the length of the box diagonal, used as a scene-scale
// reference for centroid-distance thresholds.
func (b AABB) Diagonal() float64 {
	return b.Max.Sub(b.Min).Norm()
}

// IoU returns the intersection-over-union of two boxes in [0, 1].
//
// Door and drawer panels are thin: the intersection of two observations of
// the same panel from different viewpoints can have near-zero volume even
// when they coincide. Callers should combine IoU with CentroidDistance when
// associating candidates (see Aggregator).
func (b AABB) IoU(o AABB) float64 {
	interMin := Vec3{math.Max(b.Min.X, o.Min.X), math.Max(b.Min.Y, o.Min.Y), math.Max(b.Min.Z, o.Min.Z)}
	interMax := Vec3{math.Min(b.Max.X, o.Max.X), math.Min(b.Max.Y, o.Max.Y), math.Min(b.Max.Z, o.Max.Z)}
	inter := AABB{Min: interMin, Max: interMax}.Volume()
	if inter <= 0 {
		return 0
	}
	union := b.Volume() + o.Volume() - inter
	if union < geometryEpsilon {
		return 0
	}
	return inter / union
}

// CentroidDistance returns the distance between the two box centroids.
func (b AABB) CentroidDistance(o AABB) float64 {
	return b.Center().Sub(o.Center()).Norm()
}

// pointLineDistance returns the perpendicular distance from point p to the
// infinite line through origin with unit direction dir.
func pointLineDistance(p, origin, dir Vec3) float64 {
	d := dir.Normalized()
	if d.Norm() < geometryEpsilon {
		return p.Sub(origin).Norm()
	}
	rel := p.Sub(origin)
	return rel.Sub(d.Scale(rel.Dot(d))).Norm()
}
