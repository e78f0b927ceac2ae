package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annexdb/annex/pkg/core/types"
)

func ids(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func newPopulatedFilterIndex() *filterIndex {
	fi := newFilterIndex()
	fi.Add(1, types.Document{"genre": "rock", "year": 1969, "live": true})
	fi.Add(2, types.Document{"genre": "rock", "year": 1991})
	fi.Add(3, types.Document{"genre": "jazz", "year": 1959})
	fi.Add(4, types.Document{"genre": "jazz", "year": 2015, "rating": 4.5})
	return fi
}

func TestFilterEquality(t *testing.T) {
	fi := newPopulatedFilterIndex()

	set, err := fi.Eval("genre=rock")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, ids(set))

	set, err = fi.Eval("year=1959")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{3}, ids(set))

	set, err = fi.Eval("live=true")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1}, ids(set))

	// Unknown key or value matches nothing, not an error.
	set, err = fi.Eval("genre=polka")
	require.NoError(t, err)
	assert.Empty(t, set)
	set, err = fi.Eval("label=emi")
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestFilterRanges(t *testing.T) {
	fi := newPopulatedFilterIndex()

	cases := []struct {
		expr string
		want []uint64
	}{
		{"year<1969", []uint64{3}},
		{"year<=1969", []uint64{1, 3}},
		{"year>1991", []uint64{4}},
		{"year>=1991", []uint64{2, 4}},
		{"rating>=4", []uint64{4}},
	}
	for _, tc := range cases {
		set, err := fi.Eval(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.ElementsMatch(t, tc.want, ids(set), tc.expr)
	}
}

func TestFilterBooleanCombinators(t *testing.T) {
	fi := newPopulatedFilterIndex()

	set, err := fi.Eval("genre=rock AND year>=1990")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{2}, ids(set))

	set, err = fi.Eval("genre=jazz OR year=1969")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 3, 4}, ids(set))

	// OR binds loosest: (rock AND <1970) OR (jazz AND >2000).
	set, err = fi.Eval("genre=rock AND year<1970 OR genre=jazz AND year>2000")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 4}, ids(set))

	// Combinators are case-insensitive.
	set, err = fi.Eval("genre=rock and year>=1990")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{2}, ids(set))
}

func TestFilterRemove(t *testing.T) {
	fi := newPopulatedFilterIndex()
	fi.Remove(2, types.Document{"genre": "rock", "year": 1991})

	set, err := fi.Eval("genre=rock")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1}, ids(set))

	set, err = fi.Eval("year>=1990")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{4}, ids(set))
}

func TestFilterInvalidExpressions(t *testing.T) {
	fi := newPopulatedFilterIndex()

	for _, expr := range []string{
		"",
		"   ",
		"genre",
		"year>rock",
		"=rock",
		"genre=",
	} {
		_, err := fi.Eval(expr)
		assert.ErrorIs(t, err, ErrInvalidFilter, "expr %q", expr)
	}
}
