package sqlite

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/1e100/drawer/internal/db"
	"github.com/1e100/drawer/internal/percept"
)

func setupTestStore(t *testing.T) *SceneStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenes_test.db")
	database, err := db.NewDB(path)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.MigrateUp(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return NewSceneStore(database.DB)
}

func testTrack(id string) *percept.Track {
	return &percept.Track{
		TrackID: id,
		Members: []percept.InteractionCandidate{
			{
				FrameID:       "frame_0001",
				Label:         "drawer",
				Score:         0.8,
				Motion:        percept.MotionPrismatic,
				AxisDirection: percept.Vec3{X: 1},
				Region:        percept.AABB{Min: percept.Vec3{}, Max: percept.Vec3{X: 0.4, Y: 0.4, Z: 0.2}},
			},
		},
		Region: percept.AABB{Min: percept.Vec3{}, Max: percept.Vec3{X: 0.4, Y: 0.4, Z: 0.2}},
	}
}

func testFit(trackID string) percept.ArticulationFit {
	return percept.ArticulationFit{
		TrackID:       trackID,
		Motion:        percept.MotionPrismatic,
		Axis:          percept.Vec3{X: 1},
		Pivot:         percept.Vec3{X: 0.2, Y: 0.2, Z: 0.1},
		RangeMin:      0,
		RangeMax:      0.35,
		RangeVerified: true,
		Residual:      0.04,
	}
}

func TestSaveTracksRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	tracks := []*percept.Track{testTrack("track_001"), testTrack("track_002")}
	if err := store.SaveTracks("scene_a", tracks); err != nil {
		t.Fatalf("SaveTracks failed: %v", err)
	}

	got, err := store.GetTrack("scene_a", "track_002")
	if err != nil {
		t.Fatalf("GetTrack failed: %v", err)
	}
	if got.TrackID != "track_002" {
		t.Errorf("expected track_002, got %s", got.TrackID)
	}
	if len(got.Members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(got.Members))
	}
	if got.Members[0].Label != "drawer" {
		t.Errorf("expected member label drawer, got %s", got.Members[0].Label)
	}
	if got.Region.Max.X != 0.4 {
		t.Errorf("expected region max x 0.4, got %v", got.Region.Max.X)
	}
}

func TestSaveTracksReplacesScene(t *testing.T) {
	store := setupTestStore(t)

	if err := store.SaveTracks("scene_a", []*percept.Track{testTrack("track_001"), testTrack("track_002")}); err != nil {
		t.Fatalf("first SaveTracks failed: %v", err)
	}
	// Second save drops track_002.
	if err := store.SaveTracks("scene_a", []*percept.Track{testTrack("track_001")}); err != nil {
		t.Fatalf("second SaveTracks failed: %v", err)
	}

	if _, err := store.GetTrack("scene_a", "track_002"); err == nil {
		t.Error("expected track_002 gone after replacement save")
	}
	if _, err := store.GetTrack("scene_a", "track_001"); err != nil {
		t.Errorf("track_001 should survive replacement save: %v", err)
	}
}

func TestSaveFitsUpsert(t *testing.T) {
	store := setupTestStore(t)

	fit := testFit("track_001")
	if err := store.SaveFits("scene_a", []percept.ArticulationFit{fit}); err != nil {
		t.Fatalf("SaveFits failed: %v", err)
	}

	// Saving again with a changed residual must update, not duplicate.
	fit.Residual = 0.09
	if err := store.SaveFits("scene_a", []percept.ArticulationFit{fit}); err != nil {
		t.Fatalf("second SaveFits failed: %v", err)
	}
}

func TestSavePartsAndGetParts(t *testing.T) {
	store := setupTestStore(t)

	parts := []percept.PartRecord{
		{
			PartID:         "b-part",
			SemanticName:   "cabinet door",
			MeshRef:        "meshes/b.ply",
			Fit:            testFit("track_002"),
			Status:         percept.PartConfirmed,
			SourceTrackIDs: []string{"track_002"},
		},
		{
			PartID:         "a-part",
			SemanticName:   "drawer",
			MeshRef:        "meshes/a.ply",
			Fit:            testFit("track_001"),
			Status:         percept.PartNeedsReview,
			SourceTrackIDs: []string{"track_001"},
		},
	}
	if err := store.SaveParts("scene_a", parts); err != nil {
		t.Fatalf("SaveParts failed: %v", err)
	}

	got, err := store.GetParts("scene_a", "")
	if err != nil {
		t.Fatalf("GetParts failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(got))
	}
	// Ordered by part ID regardless of insert order.
	if got[0].PartID != "a-part" || got[1].PartID != "b-part" {
		t.Errorf("expected parts ordered by ID, got %s, %s", got[0].PartID, got[1].PartID)
	}
	if math.Abs(got[0].Fit.RangeMax-0.35) > 1e-12 {
		t.Errorf("expected fit range max 0.35, got %v", got[0].Fit.RangeMax)
	}

	confirmed, err := store.GetParts("scene_a", string(percept.PartConfirmed))
	if err != nil {
		t.Fatalf("GetParts with status filter failed: %v", err)
	}
	if len(confirmed) != 1 || confirmed[0].PartID != "b-part" {
		t.Errorf("expected only b-part confirmed, got %+v", confirmed)
	}
}

func TestListScenes(t *testing.T) {
	store := setupTestStore(t)

	partsA := []percept.PartRecord{
		{PartID: "p1", SemanticName: "drawer", Fit: testFit("t1"), Status: percept.PartConfirmed, SourceTrackIDs: []string{"t1"}},
		{PartID: "p2", SemanticName: "door", Fit: testFit("t2"), Status: percept.PartNeedsReview, SourceTrackIDs: []string{"t2"}},
	}
	partsB := []percept.PartRecord{
		{PartID: "p3", SemanticName: "door", Fit: testFit("t3"), Status: percept.PartRejected, SourceTrackIDs: []string{"t3"}},
	}
	if err := store.SaveParts("scene_a", partsA); err != nil {
		t.Fatalf("SaveParts scene_a failed: %v", err)
	}
	if err := store.SaveParts("scene_b", partsB); err != nil {
		t.Fatalf("SaveParts scene_b failed: %v", err)
	}

	rows, err := store.ListScenes()
	if err != nil {
		t.Fatalf("ListScenes failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(rows))
	}
	if rows[0].SceneID != "scene_a" || rows[0].Parts != 2 || rows[0].Confirmed != 1 || rows[0].NeedsReview != 1 {
		t.Errorf("unexpected scene_a summary: %+v", rows[0])
	}
	if rows[1].SceneID != "scene_b" || rows[1].Rejected != 1 {
		t.Errorf("unexpected scene_b summary: %+v", rows[1])
	}
}
