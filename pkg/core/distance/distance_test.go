package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    Metric
		wantErr bool
	}{
		{"euclidean", Euclidean, false},
		{"Cosine", Cosine, false},
		{" DOT ", Dot, false},
		{"manhattan", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestEuclidean(t *testing.T) {
	fn, err := For(Euclidean)
	require.NoError(t, err)

	d, err := fn([]float32{0, 0}, []float32{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d, 1e-6)

	d, err = fn([]float32{1, 2, 3}, []float32{1, 2, 3})
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestCosineOnNormalizedVectors(t *testing.T) {
	fn, err := For(Cosine)
	require.NoError(t, err)

	a := []float32{1, 0}
	b := []float32{0, 1}
	d, err := fn(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, d, 1e-6, "orthogonal unit vectors")

	d, err = fn(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d, 1e-6, "identical unit vectors")
}

func TestDotIsNegatedProduct(t *testing.T) {
	fn, err := For(Dot)
	require.NoError(t, err)

	// Larger dot product must yield smaller distance.
	q := []float32{1, 1}
	near, err := fn(q, []float32{2, 2})
	require.NoError(t, err)
	far, err := fn(q, []float32{0.1, 0.1})
	require.NoError(t, err)
	assert.Less(t, near, far)
}

func TestLengthMismatch(t *testing.T) {
	for _, m := range []Metric{Euclidean, Cosine, Dot} {
		fn, err := For(m)
		require.NoError(t, err)
		_, err = fn([]float32{1}, []float32{1, 2})
		assert.ErrorIs(t, err, ErrLengthMismatch, "metric %s", m)
	}
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)

	// Zero vectors must not produce NaN.
	z := []float32{0, 0}
	Normalize(z)
	assert.Equal(t, []float32{0, 0}, z)
}

func TestNeedsNormalization(t *testing.T) {
	assert.True(t, NeedsNormalization(Cosine))
	assert.False(t, NeedsNormalization(Euclidean))
	assert.False(t, NeedsNormalization(Dot))
}
