package index

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/types"
)

func austinPoint() []any { return []any{float64(-97.7431), float64(30.2672)} }
func dallasPoint() []any { return []any{float64(-96.7970), float64(32.7767)} }
func tokyoPoint() []any  { return []any{float64(139.6917), float64(35.6895)} }

func TestGeoIndexNearReturnsAscendingByDistance(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 12, CollectionID: 1, Name: "loc", Kind: types.IndexGeo, Fields: []string{"loc"}}

	applyMutate(t, b, def, "austin", nil, types.Document{"loc": austinPoint()})
	applyMutate(t, b, def, "dallas", nil, types.Document{"loc": dallasPoint()})
	applyMutate(t, b, def, "tokyo", nil, types.Document{"loc": tokyoPoint()})

	results, err := Near(b, def, 30.2672, -97.7431, 500_000, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "austin", results[0].Key)
	assert.Equal(t, "dallas", results[1].Key)
	assert.Less(t, results[0].Score, results[1].Score)
}

func TestGeoIndexNearRespectsLimit(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 13, CollectionID: 1, Name: "loc", Kind: types.IndexGeo, Fields: []string{"loc"}}

	applyMutate(t, b, def, "austin", nil, types.Document{"loc": austinPoint()})
	applyMutate(t, b, def, "dallas", nil, types.Document{"loc": dallasPoint()})

	results, err := Near(b, def, 30.2672, -97.7431, 500_000, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "austin", results[0].Key)
}

func TestGeoIndexWithinFindsPointInsidePolygon(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 14, CollectionID: 1, Name: "loc", Kind: types.IndexGeo, Fields: []string{"loc"}}

	applyMutate(t, b, def, "austin", nil, types.Document{"loc": austinPoint()})
	applyMutate(t, b, def, "tokyo", nil, types.Document{"loc": tokyoPoint()})

	texasBox := orb.Polygon{orb.Ring{
		{-107, 25}, {-93, 25}, {-93, 37}, {-107, 37}, {-107, 25},
	}}

	keys, err := Within(b, def, texasBox)
	require.NoError(t, err)
	assert.Equal(t, []string{"austin"}, keys)
}

func TestGeoIndexMutateRemovesOldCellEntryOnMove(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 15, CollectionID: 1, Name: "loc", Kind: types.IndexGeo, Fields: []string{"loc"}}

	old := types.Document{"loc": austinPoint()}
	cur := types.Document{"loc": tokyoPoint()}
	applyMutate(t, b, def, "traveler", nil, old)
	applyMutate(t, b, def, "traveler", old, cur)

	nearAustin, err := Near(b, def, 30.2672, -97.7431, 100_000, 0)
	require.NoError(t, err)
	assert.Empty(t, nearAustin)

	nearTokyo, err := Near(b, def, 35.6895, 139.6917, 100_000, 0)
	require.NoError(t, err)
	require.Len(t, nearTokyo, 1)
	assert.Equal(t, "traveler", nearTokyo[0].Key)
}
