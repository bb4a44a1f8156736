package percept

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// VerificationOutcome is the per-track result of the verification stage,
// consumed by the assembler. Tracks with no outcome assemble fail-closed as
// needs_review.
type VerificationOutcome struct {
	TrackID      string     `json:"track_id"`
	Status       PartStatus `json:"status"`
	SemanticName string     `json:"semantic_name,omitempty"`

	// AbsorbedTracks lists additional tracks judged to observe the same
	// physical part. Their fits are discarded and their IDs recorded as
	// provenance on the surviving part.
	AbsorbedTracks []string `json:"absorbed_tracks,omitempty"`
}

// SceneRecord is the final output of the pipeline: every articulated part
// of the scanned scene with its fitted kinematic model. Marshalling a
// SceneRecord is byte-reproducible for identical inputs.
type SceneRecord struct {
	SceneID   string       `json:"scene_id"`
	Generator string       `json:"generator"`
	Parts     []PartRecord `json:"parts"`
}

// AssembleInput carries everything the assembler needs for one scene.
type AssembleInput struct {
	SceneID  string
	Tracks   []*Track
	Fits     map[string]*ArticulationFit
	Outcomes map[string]VerificationOutcome

	// MeshRefs maps track IDs to extracted part mesh references. Missing
	// entries leave MeshRef empty; downstream consumers treat that as
	// "use the interaction region box".
	MeshRefs map[string]string
}

// sceneNamespace seeds deterministic part IDs. Part IDs are UUIDv5 over
// the scene ID and sorted source track IDs, so re-running the assembler on
// unchanged inputs reproduces the exact same scene record.
var sceneNamespace = uuid.MustParse("9a1c7e46-52d3-5f08-b7aa-4e1c05d6b90f")

// AssembleScene builds the final scene record from fitted tracks and
// verification outcomes. Every fitted track appears in exactly one part:
// confirmed, rejected, or needs_review. Parts are sorted by part ID and the
// output is independent of map iteration and input track order.
func AssembleScene(in AssembleInput) (*SceneRecord, error) {
	if in.SceneID == "" {
		return nil, &ConfigError{Field: "scene_id", Err: fmt.Errorf("empty")}
	}

	byID := make(map[string]*Track, len(in.Tracks))
	for _, track := range in.Tracks {
		byID[track.TrackID] = track
	}

	// Tracks absorbed by a merge decision do not emit their own part.
	absorbed := make(map[string]string)
	for trackID, outcome := range in.Outcomes {
		for _, other := range outcome.AbsorbedTracks {
			if other == trackID {
				return nil, fmt.Errorf("outcome for %s absorbs itself", trackID)
			}
			if prev, ok := absorbed[other]; ok && prev != trackID {
				return nil, fmt.Errorf("track %s absorbed by both %s and %s", other, prev, trackID)
			}
			absorbed[other] = trackID
		}
	}

	var parts []PartRecord
	for trackID, fit := range in.Fits {
		if _, ok := absorbed[trackID]; ok {
			continue
		}
		if _, ok := byID[trackID]; !ok {
			return nil, fmt.Errorf("fit references unknown track %s", trackID)
		}

		sources := []string{trackID}
		outcome, hasOutcome := in.Outcomes[trackID]
		if hasOutcome {
			sources = append(sources, outcome.AbsorbedTracks...)
		}
		sort.Strings(sources)

		part := PartRecord{
			PartID:         partID(in.SceneID, sources),
			MeshRef:        in.MeshRefs[trackID],
			Transform:      IdentityMat4(),
			Fit:            *fit,
			Status:         PartNeedsReview,
			SourceTrackIDs: sources,
		}
		if hasOutcome {
			part.Status = outcome.Status
			part.SemanticName = outcome.SemanticName
		}
		parts = append(parts, part)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartID < parts[j].PartID })

	diagf("[Assembler] Scene %s: %d parts (%d confirmed, %d needs_review, %d rejected)",
		in.SceneID, len(parts),
		countStatus(parts, PartConfirmed),
		countStatus(parts, PartNeedsReview),
		countStatus(parts, PartRejected))

	return &SceneRecord{
		SceneID:   in.SceneID,
		Generator: "percept",
		Parts:     parts,
	}, nil
}

func partID(sceneID string, sourceTrackIDs []string) string {
	name := sceneID + "/" + strings.Join(sourceTrackIDs, "+")
	return uuid.NewSHA1(sceneNamespace, []byte(name)).String()
}

func countStatus(parts []PartRecord, status PartStatus) int {
	n := 0
	for _, p := range parts {
		if p.Status == status {
			n++
		}
	}
	return n
}

// MarshalScene renders the scene record as indented JSON with a trailing
// newline, the on-disk format.
func MarshalScene(scene *SceneRecord) ([]byte, error) {
	data, err := json.MarshalIndent(scene, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteSceneFile writes the scene record atomically: a temp file in the
// target directory followed by a rename, so readers never observe a
// half-written scene.
func WriteSceneFile(path string, scene *SceneRecord) error {
	data, err := MarshalScene(scene)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".scene-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	opsf("[Assembler] Wrote scene %s with %d parts to %s", scene.SceneID, len(scene.Parts), path)
	return nil
}
