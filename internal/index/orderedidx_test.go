package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/types"
)

func TestOrderedIndexRangeScanReturnsKeysInRange(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 2, CollectionID: 1, Name: "by_age", Kind: types.IndexOrdered, Fields: []string{"age"}}

	ages := map[string]int64{"p1": 10, "p2": 25, "p3": 42, "p4": 70}
	for k, age := range ages {
		applyMutate(t, b, def, k, nil, types.Document{"age": age})
	}

	keys, err := RangeScan(b, def, []any{int64(20)}, []any{int64(50)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p2", "p3"}, keys)
}

func TestOrderedIndexRangeScanUnboundedWhenNilEndpoints(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 2, CollectionID: 1, Name: "by_age", Kind: types.IndexOrdered, Fields: []string{"age"}}

	applyMutate(t, b, def, "p1", nil, types.Document{"age": int64(10)})
	applyMutate(t, b, def, "p2", nil, types.Document{"age": int64(20)})

	keys, err := RangeScan(b, def, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, keys)
}

func TestOrderedIndexPrefixScanMatchesLeftmostComposite(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 3, CollectionID: 1, Name: "by_country_city", Kind: types.IndexOrdered, Fields: []string{"country", "city"}}

	applyMutate(t, b, def, "a1", nil, types.Document{"country": "us", "city": "austin"})
	applyMutate(t, b, def, "a2", nil, types.Document{"country": "us", "city": "boston"})
	applyMutate(t, b, def, "a3", nil, types.Document{"country": "ca", "city": "toronto"})

	keys, err := PrefixScan(b, def, []any{"us"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2"}, keys)
}

func TestOrderedIndexPrefixScanUnaffectedByVaryingStringLengths(t *testing.T) {
	// Regression: a leading tuple-length marker would corrupt range order
	// whenever two tuples' encoded byte lengths differ (e.g. "ab" vs
	// "abc" prefixes sharing no common leading field value). The entry
	// layout instead places a trailing docKey-length marker, so tuple
	// bytes sit immediately after a constant-width prefix.
	b := newTestBackend(t)
	def := types.IndexDef{ID: 4, CollectionID: 1, Name: "by_tag", Kind: types.IndexOrdered, Fields: []string{"tag"}}

	applyMutate(t, b, def, "short-doc-key", nil, types.Document{"tag": "ab"})
	applyMutate(t, b, def, "a-much-longer-document-key-here", nil, types.Document{"tag": "ab"})
	applyMutate(t, b, def, "z", nil, types.Document{"tag": "abc"})

	keys, err := PrefixScan(b, def, []any{"ab"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"short-doc-key", "a-much-longer-document-key-here"}, keys)
}

func TestOrderedIndexUniqueRejectsDuplicateTuple(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 5, CollectionID: 1, Name: "by_slug", Kind: types.IndexOrdered, Unique: true, Fields: []string{"slug"}}

	applyMutate(t, b, def, "post1", nil, types.Document{"slug": "hello-world"})

	err := CheckUnique(b, def, "post2", types.Document{"slug": "hello-world"})
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindUniqueViolation))
}
