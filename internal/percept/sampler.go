package percept

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
)

// transformsFile mirrors the nerfstudio-style transforms.json written by the
// reconstruction collaborator: shared pinhole intrinsics at the top level
// with optional per-frame overrides, and one camera-to-world matrix per
// frame as nested 4x4 rows.
type transformsFile struct {
	FlX    float64 `json:"fl_x"`
	FlY    float64 `json:"fl_y"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	Width  int     `json:"w"`
	Height int     `json:"h"`

	Frames []transformsFrame `json:"frames"`
}

type transformsFrame struct {
	FilePath        string      `json:"file_path"`
	DepthFilePath   string      `json:"depth_file_path,omitempty"`
	TransformMatrix [][]float64 `json:"transform_matrix"`

	// Optional per-frame intrinsic overrides.
	FlX *float64 `json:"fl_x,omitempty"`
	FlY *float64 `json:"fl_y,omitempty"`
	Cx  *float64 `json:"cx,omitempty"`
	Cy  *float64 `json:"cy,omitempty"`
}

// SamplerPolicy controls frame selection. Selection is deterministic given
// the same policy: the seed feeds an explicit local RNG, never the global
// one.
type SamplerPolicy struct {
	MaxFrames int
	Stride    int
	Seed      int64
}

// LoadFrames reads and validates transforms.json from dataDir, resolving
// image paths against imageDir. Frames with malformed or non-finite poses
// are skipped and recorded in the summary; a file-level failure is an
// ArtifactMismatchError because the pose file is the upstream artifact
// contract of the whole pipeline.
func LoadFrames(dataDir, imageDir string, summary *StageSummary) ([]Frame, error) {
	path := filepath.Join(dataDir, "transforms.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ArtifactMismatchError{Stage: "sample", Path: path, Reason: err.Error()}
	}

	var tf transformsFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, &ArtifactMismatchError{Stage: "sample", Path: path, Reason: fmt.Sprintf("parse: %v", err)}
	}
	if len(tf.Frames) == 0 {
		return nil, &ArtifactMismatchError{Stage: "sample", Path: path, Reason: "no frames"}
	}

	frames := make([]Frame, 0, len(tf.Frames))
	for i, raw := range tf.Frames {
		frameID := frameIDFromPath(raw.FilePath, i)

		pose, err := poseFromRows(raw.TransformMatrix)
		if err != nil {
			opsf("[Sampler] Skipping frame %s: %v", frameID, err)
			if summary != nil {
				summary.RecordSkippedFrame(frameID, err.Error())
			}
			continue
		}

		intr := Intrinsics{
			Fx:     tf.FlX,
			Fy:     tf.FlY,
			Cx:     tf.Cx,
			Cy:     tf.Cy,
			Width:  tf.Width,
			Height: tf.Height,
		}
		if raw.FlX != nil {
			intr.Fx = *raw.FlX
		}
		if raw.FlY != nil {
			intr.Fy = *raw.FlY
		}
		if raw.Cx != nil {
			intr.Cx = *raw.Cx
		}
		if raw.Cy != nil {
			intr.Cy = *raw.Cy
		}
		if intr.Fx <= 0 || intr.Fy <= 0 {
			opsf("[Sampler] Skipping frame %s: non-positive focal length", frameID)
			if summary != nil {
				summary.RecordSkippedFrame(frameID, "non-positive focal length")
			}
			continue
		}

		frames = append(frames, Frame{
			FrameID:    frameID,
			CameraPose: pose,
			Intrinsics: intr,
			ImagePath:  filepath.Join(imageDir, filepath.Base(raw.FilePath)),
			DepthPath:  raw.DepthFilePath,
		})
	}

	if len(frames) == 0 {
		return nil, &ArtifactMismatchError{Stage: "sample", Path: path, Reason: "all frames rejected"}
	}

	// Keep frames in file order: the aggregator depends on a stable frame
	// ordering for deterministic greedy assignment.
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].FrameID < frames[j].FrameID })

	diagf("[Sampler] Loaded %d valid frames from %s", len(frames), path)
	return frames, nil
}

// SampleFrames selects a deterministic subset of frames per the policy:
// stride first, then a seeded uniform thin-out if the strided set still
// exceeds MaxFrames. The result preserves frame order.
func SampleFrames(frames []Frame, policy SamplerPolicy) []Frame {
	stride := policy.Stride
	if stride < 1 {
		stride = 1
	}

	strided := make([]Frame, 0, (len(frames)+stride-1)/stride)
	for i := 0; i < len(frames); i += stride {
		strided = append(strided, frames[i])
	}

	if policy.MaxFrames <= 0 || len(strided) <= policy.MaxFrames {
		return strided
	}

	// Thin out with an explicit RNG so the same seed always selects the
	// same subset regardless of process state.
	rng := rand.New(rand.NewSource(policy.Seed))
	picked := rng.Perm(len(strided))[:policy.MaxFrames]
	sort.Ints(picked)

	sampled := make([]Frame, 0, policy.MaxFrames)
	for _, idx := range picked {
		sampled = append(sampled, strided[idx])
	}
	diagf("[Sampler] Sampled %d of %d frames (seed=%d)", len(sampled), len(frames), policy.Seed)
	return sampled
}

func frameIDFromPath(filePath string, index int) string {
	base := filepath.Base(filePath)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	if base == "" || base == "." {
		return fmt.Sprintf("frame_%05d", index)
	}
	return base
}

func poseFromRows(rows [][]float64) (Mat4, error) {
	var m Mat4
	if len(rows) != 4 {
		return m, fmt.Errorf("transform_matrix has %d rows, want 4", len(rows))
	}
	for r := 0; r < 4; r++ {
		if len(rows[r]) != 4 {
			return m, fmt.Errorf("transform_matrix row %d has %d columns, want 4", r, len(rows[r]))
		}
		for c := 0; c < 4; c++ {
			m[r*4+c] = rows[r][c]
		}
	}
	if !m.IsFinite() {
		return m, fmt.Errorf("transform_matrix contains non-finite values")
	}
	return m, nil
}
