package artifacts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/1e100/drawer/internal/percept"
)

type payload struct {
	Values []int `json:"values"`
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	v, err := store.Begin("detect")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if v.Number() != 1 {
		t.Fatalf("first version = %d, want 1", v.Number())
	}
	if err := v.WriteJSON("detections.json", payload{Values: []int{1, 2, 3}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := v.Complete("kitchen_07"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	dir, manifest, err := store.Latest("detect")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if dir != v.Dir() {
		t.Errorf("Latest dir = %s, want %s", dir, v.Dir())
	}
	if manifest.SceneID != "kitchen_07" || manifest.Version != 1 {
		t.Errorf("manifest = %+v", manifest)
	}

	var got payload
	if err := store.ReadJSON("detect", "detections.json", &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if len(got.Values) != 3 {
		t.Errorf("round-tripped %v", got.Values)
	}
}

func TestStoreSkipsIncompleteVersions(t *testing.T) {
	store := NewStore(t.TempDir())

	v1, err := store.Begin("fit")
	if err != nil {
		t.Fatalf("Begin v1: %v", err)
	}
	if err := v1.WriteJSON("fits.json", payload{Values: []int{1}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := v1.Complete("scene_a"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// A second run begins writing and crashes before completion.
	v2, err := store.Begin("fit")
	if err != nil {
		t.Fatalf("Begin v2: %v", err)
	}
	if v2.Number() != 2 {
		t.Fatalf("second version = %d, want 2", v2.Number())
	}
	if err := v2.WriteJSON("fits.json", payload{Values: []int{9, 9}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got payload
	if err := store.ReadJSON("fit", "fits.json", &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if len(got.Values) != 1 {
		t.Errorf("read from incomplete version: %v", got.Values)
	}

	// The next Begin must not reuse the crashed directory.
	v3, err := store.Begin("fit")
	if err != nil {
		t.Fatalf("Begin v3: %v", err)
	}
	if v3.Number() != 3 {
		t.Errorf("third version = %d, want 3", v3.Number())
	}
}

func TestStoreNoCompleteVersion(t *testing.T) {
	store := NewStore(t.TempDir())
	_, _, err := store.Latest("interact")
	var mismatch *percept.ArtifactMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want ArtifactMismatchError", err)
	}
	if !percept.IsFatal(err) {
		t.Error("missing upstream artifacts must be fatal")
	}
}

func TestStoreSchemaVersionMismatch(t *testing.T) {
	dataDir := t.TempDir()
	store := NewStore(dataDir)
	v, err := store.Begin("detect")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := v.Complete("scene_a"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Rewrite the manifest as if produced by a future incompatible tool.
	manifestPath := filepath.Join(v.Dir(), "manifest.json")
	data := []byte(`{"stage":"detect","version":1,"schema_version":99,"scene_id":"scene_a","files":[]}`)
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, _, err = store.Latest("detect")
	var mismatch *percept.ArtifactMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want ArtifactMismatchError", err)
	}
}

func TestStoreManifestFileListEnforced(t *testing.T) {
	store := NewStore(t.TempDir())
	v, err := store.Begin("detect")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := v.Complete("scene_a"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var got payload
	err = store.ReadJSON("detect", "detections.json", &got)
	var mismatch *percept.ArtifactMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want ArtifactMismatchError for unlisted file", err)
	}
}
