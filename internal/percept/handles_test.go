package percept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAttachHandles tests assignment of handle candidates to existing tracks.
func TestAttachHandles(t *testing.T) {
	t.Parallel()

	t.Run("handle refines the overlapping track", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(testAggregatorConfig())
		agg.ObserveFrame("f1", []InteractionCandidate{
			candidateAt("f1", 0, "drawer", Vec3{X: 0, Y: 0, Z: 0}, Vec3{X: 1, Y: 1, Z: 1}),
		})

		handle := candidateAt("f2", 0, "handle", Vec3{X: 0.4, Y: 0.4, Z: 0.4}, Vec3{X: 0.6, Y: 0.6, Z: 0.6})
		agg.AttachHandles([]InteractionCandidate{handle})

		tracks := agg.Tracks()
		require.Len(t, tracks, 1)
		require.NotNil(t, tracks[0].HandleRegion)
		assert.InDelta(t, 0.5, tracks[0].HandleRegion.Center().X, 1e-9)
	})

	t.Run("handle with no nearby track is dropped", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(testAggregatorConfig())
		agg.ObserveFrame("f1", []InteractionCandidate{
			candidateAt("f1", 0, "drawer", Vec3{X: 0, Y: 0, Z: 0}, Vec3{X: 1, Y: 1, Z: 1}),
		})

		far := candidateAt("f2", 0, "handle", Vec3{X: 50, Y: 50, Z: 50}, Vec3{X: 50.2, Y: 50.2, Z: 50.2})
		agg.AttachHandles([]InteractionCandidate{far})

		tracks := agg.Tracks()
		require.Len(t, tracks, 1)
		assert.Nil(t, tracks[0].HandleRegion)
	})

	t.Run("larger handle region wins on conflict", func(t *testing.T) {
		t.Parallel()
		agg := NewAggregator(testAggregatorConfig())
		agg.ObserveFrame("f1", []InteractionCandidate{
			candidateAt("f1", 0, "drawer", Vec3{X: 0, Y: 0, Z: 0}, Vec3{X: 1, Y: 1, Z: 1}),
		})

		small := candidateAt("f2", 0, "handle", Vec3{X: 0.45, Y: 0.45, Z: 0.45}, Vec3{X: 0.55, Y: 0.55, Z: 0.55})
		large := candidateAt("f3", 0, "handle", Vec3{X: 0.3, Y: 0.3, Z: 0.3}, Vec3{X: 0.7, Y: 0.7, Z: 0.7})
		agg.AttachHandles([]InteractionCandidate{small, large})

		tracks := agg.Tracks()
		require.Len(t, tracks, 1)
		require.NotNil(t, tracks[0].HandleRegion)
		assert.InDelta(t, large.Region.Volume(), tracks[0].HandleRegion.Volume(), 1e-9)

		// A later, smaller handle must not replace the larger one.
		agg.AttachHandles([]InteractionCandidate{small})
		assert.InDelta(t, large.Region.Volume(), agg.Tracks()[0].HandleRegion.Volume(), 1e-9)
	})
}
