// Package sqlite mirrors pipeline outputs into SQLite so scenes can be
// inspected with plain SQL (and through the debug SQL UI) without parsing
// artifact JSON. The artifact store remains the source of truth; rows here
// are replaceable projections keyed by scene.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/1e100/drawer/internal/percept"
)

// SceneStore persists tracks, fits and parts for assembled scenes. It
// implements the pipeline's persistence sink.
type SceneStore struct {
	db *sql.DB
}

// NewSceneStore wraps an open database handle.
func NewSceneStore(db *sql.DB) *SceneStore {
	return &SceneStore{db: db}
}

// SaveTracks replaces the stored tracks for a scene.
func (s *SceneStore) SaveTracks(sceneID string, tracks []*percept.Track) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save tracks: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM scene_tracks WHERE scene_id = ?`, sceneID); err != nil {
		return fmt.Errorf("clear tracks: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO scene_tracks (
			scene_id, track_id, member_count, motion,
			region_min_x, region_min_y, region_min_z,
			region_max_x, region_max_y, region_max_z,
			members_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare track insert: %w", err)
	}
	defer stmt.Close()

	for _, track := range tracks {
		members, err := json.Marshal(track.Members)
		if err != nil {
			return fmt.Errorf("marshal members of %s: %w", track.TrackID, err)
		}
		_, err = stmt.Exec(
			sceneID,
			track.TrackID,
			len(track.Members),
			string(track.DominantMotion()),
			track.Region.Min.X, track.Region.Min.Y, track.Region.Min.Z,
			track.Region.Max.X, track.Region.Max.Y, track.Region.Max.Z,
			string(members),
		)
		if err != nil {
			return fmt.Errorf("insert track %s: %w", track.TrackID, err)
		}
	}
	return tx.Commit()
}

// SaveFits replaces the stored articulation fits for a scene.
func (s *SceneStore) SaveFits(sceneID string, fits []percept.ArticulationFit) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save fits: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM scene_fits WHERE scene_id = ?`, sceneID); err != nil {
		return fmt.Errorf("clear fits: %w", err)
	}
	for _, fit := range fits {
		_, err := tx.Exec(`
			INSERT INTO scene_fits (
				scene_id, track_id, motion,
				axis_x, axis_y, axis_z,
				pivot_x, pivot_y, pivot_z,
				range_min, range_max, range_verified, residual
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(scene_id, track_id) DO UPDATE SET
				motion = excluded.motion,
				axis_x = excluded.axis_x, axis_y = excluded.axis_y, axis_z = excluded.axis_z,
				pivot_x = excluded.pivot_x, pivot_y = excluded.pivot_y, pivot_z = excluded.pivot_z,
				range_min = excluded.range_min, range_max = excluded.range_max,
				range_verified = excluded.range_verified, residual = excluded.residual
		`,
			sceneID, fit.TrackID, string(fit.Motion),
			fit.Axis.X, fit.Axis.Y, fit.Axis.Z,
			fit.Pivot.X, fit.Pivot.Y, fit.Pivot.Z,
			fit.RangeMin, fit.RangeMax, fit.RangeVerified, fit.Residual,
		)
		if err != nil {
			return fmt.Errorf("insert fit %s: %w", fit.TrackID, err)
		}
	}
	return tx.Commit()
}

// SaveParts replaces the stored assembled parts for a scene.
func (s *SceneStore) SaveParts(sceneID string, parts []percept.PartRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save parts: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM scene_parts WHERE scene_id = ?`, sceneID); err != nil {
		return fmt.Errorf("clear parts: %w", err)
	}
	for _, part := range parts {
		sources, err := json.Marshal(part.SourceTrackIDs)
		if err != nil {
			return fmt.Errorf("marshal sources of %s: %w", part.PartID, err)
		}
		fit, err := json.Marshal(part.Fit)
		if err != nil {
			return fmt.Errorf("marshal fit of %s: %w", part.PartID, err)
		}
		_, err = tx.Exec(`
			INSERT INTO scene_parts (
				scene_id, part_id, semantic_name, mesh_ref,
				status, motion, source_tracks_json, fit_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(scene_id, part_id) DO UPDATE SET
				semantic_name = excluded.semantic_name,
				mesh_ref = excluded.mesh_ref,
				status = excluded.status,
				motion = excluded.motion,
				source_tracks_json = excluded.source_tracks_json,
				fit_json = excluded.fit_json
		`,
			sceneID, part.PartID, part.SemanticName, part.MeshRef,
			string(part.Status), string(part.Fit.Motion), string(sources), string(fit),
		)
		if err != nil {
			return fmt.Errorf("insert part %s: %w", part.PartID, err)
		}
	}
	return tx.Commit()
}

// GetParts returns the stored parts of a scene ordered by part ID,
// optionally filtered by status.
func (s *SceneStore) GetParts(sceneID string, status string) ([]percept.PartRecord, error) {
	query := `
		SELECT part_id, semantic_name, mesh_ref, status, source_tracks_json, fit_json
		FROM scene_parts WHERE scene_id = ?
	`
	args := []any{sceneID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY part_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query parts: %w", err)
	}
	defer rows.Close()

	var parts []percept.PartRecord
	for rows.Next() {
		var part percept.PartRecord
		var statusCol, sources, fit string
		if err := rows.Scan(&part.PartID, &part.SemanticName, &part.MeshRef, &statusCol, &sources, &fit); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		part.Status = percept.PartStatus(statusCol)
		if err := json.Unmarshal([]byte(sources), &part.SourceTrackIDs); err != nil {
			return nil, fmt.Errorf("decode sources of %s: %w", part.PartID, err)
		}
		if err := json.Unmarshal([]byte(fit), &part.Fit); err != nil {
			return nil, fmt.Errorf("decode fit of %s: %w", part.PartID, err)
		}
		part.Transform = percept.IdentityMat4()
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

// GetTrack returns one stored track with its full membership.
func (s *SceneStore) GetTrack(sceneID, trackID string) (*percept.Track, error) {
	row := s.db.QueryRow(`
		SELECT track_id, members_json,
			region_min_x, region_min_y, region_min_z,
			region_max_x, region_max_y, region_max_z
		FROM scene_tracks WHERE scene_id = ? AND track_id = ?
	`, sceneID, trackID)

	var track percept.Track
	var members string
	err := row.Scan(&track.TrackID, &members,
		&track.Region.Min.X, &track.Region.Min.Y, &track.Region.Min.Z,
		&track.Region.Max.X, &track.Region.Max.Y, &track.Region.Max.Z)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("track %s not found in scene %s", trackID, sceneID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan track: %w", err)
	}
	if err := json.Unmarshal([]byte(members), &track.Members); err != nil {
		return nil, fmt.Errorf("decode members of %s: %w", trackID, err)
	}
	return &track, nil
}

// SceneSummaryRow aggregates part counts for one scene in the CLI listing.
type SceneSummaryRow struct {
	SceneID     string
	Parts       int
	Confirmed   int
	NeedsReview int
	Rejected    int
}

// ListScenes returns stored scenes with their part status breakdown.
func (s *SceneStore) ListScenes() ([]SceneSummaryRow, error) {
	rows, err := s.db.Query(`
		SELECT scene_id,
			COUNT(*),
			SUM(CASE WHEN status = 'confirmed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'needs_review' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END)
		FROM scene_parts GROUP BY scene_id ORDER BY scene_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query scenes: %w", err)
	}
	defer rows.Close()

	var out []SceneSummaryRow
	for rows.Next() {
		var r SceneSummaryRow
		if err := rows.Scan(&r.SceneID, &r.Parts, &r.Confirmed, &r.NeedsReview, &r.Rejected); err != nil {
			return nil, fmt.Errorf("scan scene summary: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
