package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutGetDelete(t *testing.T) {
	e := openTestEngine(t)

	require.NoError(t, e.Put(FamilyVector, 7, []byte("v7")))

	got, err := e.Get(FamilyVector, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("v7"), got)

	// Families are disjoint namespaces.
	_, err = e.Get(FamilyMeta, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.Delete(FamilyVector, 7))
	_, err = e.Get(FamilyVector, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again reports not-found rather than silently succeeding.
	assert.ErrorIs(t, e.Delete(FamilyVector, 7), ErrNotFound)
}

func TestPutPairAtomicity(t *testing.T) {
	e := openTestEngine(t)

	require.NoError(t, e.PutPair(1, []byte("vec"), []byte("meta")))

	v, err := e.Get(FamilyVector, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("vec"), v)

	m, err := e.Get(FamilyMeta, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("meta"), m)

	require.NoError(t, e.DeletePair(1))
	_, err = e.Get(FamilyVector, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Get(FamilyMeta, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, e.DeletePair(1), ErrNotFound)
}

func TestScanOrderAndResume(t *testing.T) {
	e := openTestEngine(t)

	// Insert out of order, including ids that differ only in high bytes.
	for _, id := range []uint64{300, 2, 1 << 40, 5, 100} {
		require.NoError(t, e.Put(FamilyVector, id, []byte{byte(id)}))
	}

	var seen []uint64
	require.NoError(t, e.Scan(FamilyVector, 0, func(id uint64, _ []byte) error {
		seen = append(seen, id)
		return nil
	}))
	assert.Equal(t, []uint64{2, 5, 100, 300, 1 << 40}, seen, "ascending id order")

	// Resume from a cursor.
	seen = seen[:0]
	require.NoError(t, e.Scan(FamilyVector, 100, func(id uint64, _ []byte) error {
		seen = append(seen, id)
		return nil
	}))
	assert.Equal(t, []uint64{100, 300, 1 << 40}, seen)
}

func TestScanStopAndError(t *testing.T) {
	e := openTestEngine(t)
	for id := uint64(1); id <= 10; id++ {
		require.NoError(t, e.Put(FamilyMeta, id, []byte("m")))
	}

	n := 0
	require.NoError(t, e.Scan(FamilyMeta, 0, func(uint64, []byte) error {
		n++
		if n == 3 {
			return ErrStop
		}
		return nil
	}))
	assert.Equal(t, 3, n, "ErrStop ends the scan without error")

	boom := errors.New("boom")
	err := e.Scan(FamilyMeta, 0, func(uint64, []byte) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestHasAndCount(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.PutPair(9, []byte("v"), []byte("m")))

	ok, err := e.Has(FamilyVector, 9)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Has(FamilyVector, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := e.Count(FamilyVector)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
