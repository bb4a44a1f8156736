package percept

// MotionType classifies how an articulated part moves relative to its
// parent body.
type MotionType string

const (
	MotionRevolute  MotionType = "revolute"  // Rotates about a hinge line
	MotionPrismatic MotionType = "prismatic" // Slides along a direction
	MotionUnknown   MotionType = "unknown"   // Estimator could not decide
)

// PartStatus is the verification outcome recorded on a PartRecord.
type PartStatus string

const (
	PartConfirmed   PartStatus = "confirmed"    // Verified by the LLM stage
	PartNeedsReview PartStatus = "needs_review" // Verification failed closed
	PartRejected    PartStatus = "rejected"     // Verified as a false positive
)

// Intrinsics holds the pinhole camera model for a frame.
type Intrinsics struct {
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// Frame is one posed input view of the scene. Immutable once loaded from
// the reconstruction collaborator's transforms.json.
type Frame struct {
	FrameID    string     `json:"frame_id"`
	CameraPose Mat4       `json:"camera_pose"` // camera-to-world, row-major
	Intrinsics Intrinsics `json:"intrinsics"`
	ImagePath  string     `json:"image_path"`
	DepthPath  string     `json:"depth_path,omitempty"`
}

// PixelRect is a half-open pixel rectangle [X0,X1) × [Y0,Y1).
type PixelRect struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Width returns the rectangle width in pixels.
func (r PixelRect) Width() int { return r.X1 - r.X0 }

// Height returns the rectangle height in pixels.
func (r PixelRect) Height() int { return r.Y1 - r.Y0 }

// Mask is a 2D boolean instance mask stored as run-length encoding over the
// bounding rectangle, row-major, starting with a run of zeros. Full-image
// boolean grids at scan resolution are too large to persist per detection.
type Mask struct {
	BBox PixelRect `json:"bbox"`
	RLE  []int     `json:"rle"`
}

// Area returns the number of set pixels in the mask.
func (m Mask) Area() int {
	area := 0
	for i := 1; i < len(m.RLE); i += 2 {
		area += m.RLE[i]
	}
	return area
}

// Detection is one text-grounded instance mask produced by the
// open-vocabulary detector for one frame. Many detections across frames may
// reference the same physical part.
type Detection struct {
	FrameID string  `json:"frame_id"`
	Label   string  `json:"label"`
	Score   float64 `json:"score"`
	Mask    Mask    `json:"mask"`
}

// InteractionCandidate is the 3D articulation evidence derived from a single
// detection by the object-interaction estimator, lifted to the world frame
// via the source frame's camera pose.
type InteractionCandidate struct {
	FrameID        string     `json:"frame_id"`
	DetectionIndex int        `json:"detection_index"`
	Label          string     `json:"label"`
	Score          float64    `json:"score"`
	Motion         MotionType `json:"motion"`
	AxisDirection  Vec3       `json:"axis_direction"` // unit vector, world frame
	AxisOrigin     Vec3       `json:"axis_origin"`    // point on the axis, world frame
	Contact        Vec3       `json:"contact"`        // interaction/contact point, world frame
	Region         AABB       `json:"region"`         // interaction region, world frame
}

// Track is the provisional 3D identity of one physical part: the set of
// interaction candidates across frames believed to observe the same part.
// Members are appended in frame order and pairwise overlap transitively
// within the association radius; tracks never merge automatically once
// split (merging is an explicit LLM-stage decision).
type Track struct {
	TrackID         string                 `json:"track_id"`
	Members         []InteractionCandidate `json:"members"`
	Region          AABB                   `json:"region"` // union of member regions
	LastUpdateOrder int                    `json:"last_update_order"`

	// HandleRegion is the refined actionable region from the handle
	// sub-detection pass, when one succeeded for this track.
	HandleRegion *AABB `json:"handle_region,omitempty"`
}

// DominantMotion returns the motion type reported by the plurality of
// members, weighted by detection score. Unknown votes carry half weight so
// a single confident revolute/prismatic observation outvotes several
// undecided ones.
func (t *Track) DominantMotion() MotionType {
	votes := map[MotionType]float64{}
	for _, m := range t.Members {
		w := m.Score
		if m.Motion == MotionUnknown {
			w *= 0.5
		}
		votes[m.Motion] += w
	}
	best := MotionUnknown
	bestW := 0.0
	for _, motion := range []MotionType{MotionRevolute, MotionPrismatic, MotionUnknown} {
		if votes[motion] > bestW {
			best = motion
			bestW = votes[motion]
		}
	}
	return best
}

// ArticulationFit is the single kinematic model fitted to a track.
type ArticulationFit struct {
	TrackID string     `json:"track_id"`
	Motion  MotionType `json:"motion"`

	// Axis is the hinge direction (revolute) or slide direction (prismatic),
	// unit length, world frame.
	Axis Vec3 `json:"axis"`

	// Pivot is a point on the hinge line. For prismatic fits it is the
	// aggregated region centroid and carries no kinematic meaning.
	Pivot Vec3 `json:"pivot"`

	// Motion range: radians about the axis for revolute, metres along it
	// for prismatic. When no multi-frame motion evidence exists the range
	// is a conservative policy bound and RangeVerified is false.
	RangeMin      float64 `json:"range_min"`
	RangeMax      float64 `json:"range_max"`
	RangeVerified bool    `json:"range_verified"`

	// Residual is the confidence-weighted mean angular deviation (radians)
	// of member axis proposals from the fitted axis. Fits exceeding the
	// residual tolerance are never emitted; the track escalates instead.
	Residual float64 `json:"residual"`
}

// PartRecord is the final, immutable description of one articulated part as
// written by the scene assembler. SemanticName and merge/split provenance
// are set by the LLM verification stage.
type PartRecord struct {
	PartID         string          `json:"part_id"`
	SemanticName   string          `json:"semantic_name"`
	MeshRef        string          `json:"mesh_ref"`
	Transform      Mat4            `json:"transform"`
	Fit            ArticulationFit `json:"fit"`
	Status         PartStatus      `json:"status"`
	SourceTrackIDs []string        `json:"source_track_ids"`
}
