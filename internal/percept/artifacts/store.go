// Package artifacts manages the versioned on-disk outputs of pipeline
// stages. Each stage run writes into a fresh version directory
// (<data_dir>/perception/<stage>/v0001, v0002, ...) and marks it complete
// only after every file and the manifest are durably written. Readers only
// ever see the latest complete version, so a crashed or in-flight run can
// never corrupt downstream stages.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/1e100/drawer/internal/percept"
)

// SchemaVersion is bumped whenever the serialized artifact shapes change
// incompatibly. A stored manifest carrying a different schema version fails
// reads with ArtifactMismatch rather than decoding garbage.
const SchemaVersion = 1

const (
	manifestName   = "manifest.json"
	completeMarker = ".complete"
)

var versionDirPattern = regexp.MustCompile(`^v(\d{4})$`)

// Manifest describes one complete stage version.
type Manifest struct {
	Stage         string    `json:"stage"`
	Version       int       `json:"version"`
	SchemaVersion int       `json:"schema_version"`
	SceneID       string    `json:"scene_id"`
	CreatedAt     time.Time `json:"created_at"`
	Files         []string  `json:"files"`
}

// Store is the root of all stage artifacts for one data directory.
type Store struct {
	root string
}

// NewStore returns a store rooted at <dataDir>/perception.
func NewStore(dataDir string) *Store {
	return &Store{root: filepath.Join(dataDir, "perception")}
}

// Version is one in-progress stage output directory. Files written through
// it become visible to readers only after Complete.
type Version struct {
	stage string
	num   int
	dir   string
	files []string
}

// Begin allocates the next version directory for a stage. Incomplete
// leftovers from crashed runs are skipped over, never reused.
func (s *Store) Begin(stage string) (*Version, error) {
	if stage == "" {
		return nil, errors.New("artifacts: empty stage name")
	}
	stageDir := filepath.Join(s.root, stage)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create stage dir: %w", err)
	}
	next := 1
	if nums, err := versionNumbers(stageDir); err != nil {
		return nil, err
	} else if len(nums) > 0 {
		next = nums[len(nums)-1] + 1
	}

	dir := filepath.Join(stageDir, fmt.Sprintf("v%04d", next))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create version dir: %w", err)
	}
	diagf("[Store] Begin %s v%04d", stage, next)
	return &Version{stage: stage, num: next, dir: dir}, nil
}

// Dir returns the version directory path, for stages that write non-JSON
// payloads (crops, plots) alongside the tracked files.
func (v *Version) Dir() string { return v.dir }

// Number returns the version ordinal.
func (v *Version) Number() int { return v.num }

// WriteJSON writes one named artifact file into the version.
func (v *Version) WriteJSON(name string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("artifacts: marshal %s: %w", name, err)
	}
	path := filepath.Join(v.dir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("artifacts: write %s: %w", name, err)
	}
	v.files = append(v.files, name)
	return nil
}

// Complete writes the manifest and the completion marker, publishing the
// version to readers. The marker goes last.
func (v *Version) Complete(sceneID string) error {
	manifest := Manifest{
		Stage:         v.stage,
		Version:       v.num,
		SchemaVersion: SchemaVersion,
		SceneID:       sceneID,
		CreatedAt:     time.Now().UTC(),
		Files:         append([]string(nil), v.files...),
	}
	sort.Strings(manifest.Files)
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("artifacts: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(v.dir, manifestName), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("artifacts: write manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(v.dir, completeMarker), nil, 0o644); err != nil {
		return fmt.Errorf("artifacts: write completion marker: %w", err)
	}
	opsf("[Store] Completed %s v%04d (%d files)", v.stage, v.num, len(manifest.Files))
	return nil
}

// Latest locates the newest complete version of a stage and returns its
// directory and manifest. A stage with no complete version, or whose
// manifest was written by an incompatible schema, fails with
// ArtifactMismatch so the caller aborts the scene instead of reading
// partial or foreign data.
func (s *Store) Latest(stage string) (string, *Manifest, error) {
	stageDir := filepath.Join(s.root, stage)
	nums, err := versionNumbers(stageDir)
	if err != nil {
		return "", nil, err
	}
	for i := len(nums) - 1; i >= 0; i-- {
		dir := filepath.Join(stageDir, fmt.Sprintf("v%04d", nums[i]))
		if _, err := os.Stat(filepath.Join(dir, completeMarker)); err != nil {
			diagf("[Store] Skipping incomplete %s v%04d", stage, nums[i])
			continue
		}
		manifest, err := readManifest(stage, dir)
		if err != nil {
			return "", nil, err
		}
		return dir, manifest, nil
	}
	return "", nil, &percept.ArtifactMismatchError{
		Stage:  stage,
		Path:   stageDir,
		Reason: "no complete version found",
	}
}

// ReadJSON decodes one artifact file from the latest complete version of a
// stage.
func (s *Store) ReadJSON(stage, name string, out any) error {
	dir, manifest, err := s.Latest(stage)
	if err != nil {
		return err
	}
	found := false
	for _, f := range manifest.Files {
		if f == name {
			found = true
			break
		}
	}
	if !found {
		return &percept.ArtifactMismatchError{
			Stage:  stage,
			Path:   dir,
			Reason: fmt.Sprintf("manifest does not list %s", name),
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("artifacts: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &percept.ArtifactMismatchError{
			Stage:  stage,
			Path:   filepath.Join(dir, name),
			Reason: fmt.Sprintf("decode: %v", err),
		}
	}
	return nil
}

func readManifest(stage, dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, &percept.ArtifactMismatchError{
			Stage:  stage,
			Path:   dir,
			Reason: "complete version has no readable manifest",
		}
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, &percept.ArtifactMismatchError{
			Stage:  stage,
			Path:   dir,
			Reason: fmt.Sprintf("manifest decode: %v", err),
		}
	}
	if manifest.SchemaVersion != SchemaVersion {
		return nil, &percept.ArtifactMismatchError{
			Stage:  stage,
			Path:   dir,
			Reason: fmt.Sprintf("schema version %d, expected %d", manifest.SchemaVersion, SchemaVersion),
		}
	}
	if manifest.Stage != stage {
		return nil, &percept.ArtifactMismatchError{
			Stage:  stage,
			Path:   dir,
			Reason: fmt.Sprintf("manifest names stage %q", manifest.Stage),
		}
	}
	return &manifest, nil
}

func versionNumbers(stageDir string) ([]int, error) {
	entries, err := os.ReadDir(stageDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: read stage dir: %w", err)
	}
	var nums []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := versionDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}
