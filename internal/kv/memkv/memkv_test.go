package memkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidb-io/solidb/internal/kv"
)

func TestPutGetDelete(t *testing.T) {
	b := New()
	require.NoError(t, b.Open(t.TempDir()))

	bt := b.NewBatch()
	bt.Put("docs", []byte("a"), []byte("1"))
	bt.Put("docs", []byte("b"), []byte("2"))
	require.NoError(t, b.Write(bt))

	v, err := b.Get("docs", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = b.Get("docs", []byte("missing"))
	assert.ErrorIs(t, err, kv.ErrNotFound)

	bt2 := b.NewBatch()
	bt2.Delete("docs", []byte("a"))
	require.NoError(t, b.Write(bt2))
	_, err = b.Get("docs", []byte("a"))
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestScanOrderedAndRanged(t *testing.T) {
	b := New()
	require.NoError(t, b.Open(t.TempDir()))
	bt := b.NewBatch()
	for _, k := range []string{"c", "a", "b", "d"} {
		bt.Put("docs", []byte(k), []byte(k))
	}
	require.NoError(t, b.Write(bt))

	it, err := b.Scan("docs", []byte("b"), []byte("d"))
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestDeleteRange(t *testing.T) {
	b := New()
	require.NoError(t, b.Open(t.TempDir()))
	bt := b.NewBatch()
	for _, k := range []string{"a", "b", "c", "d"} {
		bt.Put("docs", []byte(k), []byte(k))
	}
	require.NoError(t, b.Write(bt))

	require.NoError(t, b.DeleteRange("docs", []byte("b"), []byte("d")))

	it, err := b.Scan("docs", nil, nil)
	require.NoError(t, err)
	defer it.Close()
	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	assert.Equal(t, []string{"a", "d"}, got)
}

func TestSnapshotIsolatedFromLaterWrites(t *testing.T) {
	b := New()
	require.NoError(t, b.Open(t.TempDir()))
	bt := b.NewBatch()
	bt.Put("docs", []byte("a"), []byte("1"))
	require.NoError(t, b.Write(bt))

	snap, err := b.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	bt2 := b.NewBatch()
	bt2.Put("docs", []byte("a"), []byte("2"))
	bt2.Put("docs", []byte("b"), []byte("3"))
	require.NoError(t, b.Write(bt2))

	v, err := snap.Get("docs", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = snap.Get("docs", []byte("b"))
	assert.ErrorIs(t, err, kv.ErrNotFound)
}
