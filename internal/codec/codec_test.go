package codec

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/types"
)

func TestValueRoundTrip(t *testing.T) {
	cases := []types.Document{
		{"_key": "k1", "_rev": int64(1), "name": "Alice", "age": int64(30)},
		{"nested": map[string]any{"a": int64(1), "b": []any{"x", "y"}}},
		{"nullable": nil, "flag": true, "pi": 3.14},
		{},
	}
	for i, doc := range cases {
		enc, err := EncodeValue(doc)
		require.NoError(t, err)
		dec, err := DecodeValue(enc)
		require.NoError(t, err)
		assert.Equal(t, map[string]any(doc), map[string]any(dec), "case %d", i)
	}
}

func TestDocKeyOrderPreservesKeyOrder(t *testing.T) {
	keys := []string{"a", "b", "aa", "z", "0001"}
	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		encoded[i] = DocKey(7, k)
	}
	sorted := append([][]byte(nil), encoded...)
	sort.Slice(sorted, func(i, j int) bool { return string(sorted[i]) < string(sorted[j]) })

	var gotKeys []string
	for _, enc := range sorted {
		k, ok := SplitDocKey(7, enc)
		require.True(t, ok)
		gotKeys = append(gotKeys, k)
	}

	wantKeys := append([]string(nil), keys...)
	sort.Strings(wantKeys)
	assert.Equal(t, wantKeys, gotKeys)
}

func TestIndexEntryKeyRoundTrip(t *testing.T) {
	tuple := EncodeOrderedTuple([]any{int64(42), "hello"})
	full := IndexEntryKey(3, 9, tuple, "doc-1")
	gotTuple, gotKey, ok := SplitIndexEntryKey(3, 9, full)
	require.True(t, ok)
	assert.Equal(t, tuple, gotTuple)
	assert.Equal(t, "doc-1", gotKey)
}

func TestIndexEntryKeyOrdersByTupleNotByDocKeyLength(t *testing.T) {
	// Two different document keys sharing the same tuple must sort
	// adjacently (same tuple prefix) regardless of their own length; two
	// different tuples must sort in tuple order even when their encoded
	// byte lengths differ (e.g. different string field lengths), which a
	// leading tuple-length marker would break.
	tupleA := EncodeOrderedTuple([]any{"ab"})
	tupleB := EncodeOrderedTuple([]any{"abc"})

	keyA1 := IndexEntryKey(1, 1, tupleA, "short")
	keyA2 := IndexEntryKey(1, 1, tupleA, "a-much-longer-document-key")
	keyB := IndexEntryKey(1, 1, tupleB, "z")

	prefixA := IndexTuplePrefix(1, 1, tupleA)
	assert.True(t, bytes.HasPrefix(keyA1, prefixA))
	assert.True(t, bytes.HasPrefix(keyA2, prefixA))
	assert.True(t, string(keyA1) < string(keyB) || string(keyA2) < string(keyB))
	assert.True(t, string(tupleA) < string(tupleB))
}

func TestPrefixEndBoundsExactlyThePrefix(t *testing.T) {
	prefix := DocKeyPrefix(7)
	end := PrefixEnd(prefix)

	inside := DocKey(7, "zzz")
	outsideBefore := DocKeyPrefix(6)
	outsideAfter := DocKeyPrefix(8)

	assert.True(t, string(prefix) < string(inside))
	assert.True(t, string(inside) < string(end))
	assert.True(t, string(outsideBefore) < string(prefix))
	assert.True(t, string(end) <= string(outsideAfter))
}

func TestEncodeOrderedTuplePreservesNumericOrder(t *testing.T) {
	nums := []int64{-100, -1, 0, 1, 2, 100, 1000}
	encoded := make([][]byte, len(nums))
	for i, n := range nums {
		encoded[i] = EncodeOrderedTuple([]any{n})
	}
	for i := 1; i < len(encoded); i++ {
		assert.True(t, string(encoded[i-1]) < string(encoded[i]), "expected %d < %d in encoded order", nums[i-1], nums[i])
	}
}
