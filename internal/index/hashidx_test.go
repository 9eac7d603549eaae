package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/kv/memkv"
	"github.com/solidb-io/solidb/internal/types"
)

func newTestBackend(t *testing.T) *memkv.Backend {
	t.Helper()
	b := memkv.New()
	require.NoError(t, b.Open(t.TempDir()))
	return b
}

func applyMutate(t *testing.T, b *memkv.Backend, def types.IndexDef, docKey string, old, cur types.Document) {
	t.Helper()
	batch := b.NewBatch()
	require.NoError(t, Mutate(batch, def, docKey, old, cur))
	require.NoError(t, b.Write(batch))
}

func TestHashIndexLookupFindsExactMatch(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 1, CollectionID: 1, Name: "by_email", Kind: types.IndexHash, Fields: []string{"email"}}

	applyMutate(t, b, def, "u1", nil, types.Document{"email": "a@example.com"})
	applyMutate(t, b, def, "u2", nil, types.Document{"email": "b@example.com"})

	keys, err := Lookup(b, def, []any{"a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, keys)
}

func TestHashIndexUniqueRejectsDuplicateValue(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 1, CollectionID: 1, Name: "by_email", Kind: types.IndexHash, Unique: true, Fields: []string{"email"}}

	applyMutate(t, b, def, "u1", nil, types.Document{"email": "a@example.com"})

	err := CheckUnique(b, def, "u2", types.Document{"email": "a@example.com"})
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindUniqueViolation))

	// Same docKey re-asserting its own value is not a collision (update path).
	err = CheckUnique(b, def, "u1", types.Document{"email": "a@example.com"})
	assert.NoError(t, err)
}

func TestHashIndexSparseSkipsMissingField(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 1, CollectionID: 1, Name: "by_nick", Kind: types.IndexHash, Sparse: true, Fields: []string{"nickname"}}

	applyMutate(t, b, def, "u1", nil, types.Document{"name": "no nickname here"})

	keys, err := Lookup(b, def, []any{nil})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestHashIndexMutateRemovesOldEntryOnUpdate(t *testing.T) {
	b := newTestBackend(t)
	def := types.IndexDef{ID: 1, CollectionID: 1, Name: "by_status", Kind: types.IndexHash, Fields: []string{"status"}}

	old := types.Document{"status": "pending"}
	cur := types.Document{"status": "done"}
	applyMutate(t, b, def, "t1", nil, old)
	applyMutate(t, b, def, "t1", old, cur)

	pending, err := Lookup(b, def, []any{"pending"})
	require.NoError(t, err)
	assert.Empty(t, pending)

	done, err := Lookup(b, def, []any{"done"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, done)
}
