package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annexdb/annex/pkg/core/types"
)

func TestVectorRoundTripFloat32(t *testing.T) {
	v := []float32{0.5, -1.25, 3.75, 0}
	data, err := EncodeVector(v, LayoutFloat32)
	require.NoError(t, err)
	assert.Len(t, data, 5+4*4)

	got, err := DecodeVector(data, 4)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestVectorRoundTripFloat16(t *testing.T) {
	v := []float32{0.5, -1.25, 2.0}
	data, err := EncodeVector(v, LayoutFloat16)
	require.NoError(t, err)
	assert.Len(t, data, 5+3*2)

	got, err := DecodeVector(data, 3)
	require.NoError(t, err)
	// These values are exactly representable in binary16.
	assert.Equal(t, v, got)
}

func TestVectorDecodeFailures(t *testing.T) {
	data, err := EncodeVector([]float32{1, 2, 3}, LayoutFloat32)
	require.NoError(t, err)

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := DecodeVector(data, 4)
		assert.ErrorContains(t, err, "dimension")
	})

	t.Run("truncated payload", func(t *testing.T) {
		_, err := DecodeVector(data[:len(data)-2], 3)
		assert.ErrorIs(t, err, ErrShortRecord)
	})

	t.Run("empty record", func(t *testing.T) {
		_, err := DecodeVector(nil, 3)
		assert.ErrorIs(t, err, ErrShortRecord)
	})

	t.Run("unknown layout tag", func(t *testing.T) {
		bad := append([]byte{}, data...)
		bad[0] = 0x7f
		_, err := DecodeVector(bad, 3)
		assert.ErrorIs(t, err, ErrUnknownLayout)
	})
}

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout("")
	require.NoError(t, err)
	assert.Equal(t, LayoutFloat32, l)

	l, err = ParseLayout("float16")
	require.NoError(t, err)
	assert.Equal(t, LayoutFloat16, l)

	_, err = ParseLayout("int8")
	assert.Error(t, err)
}

func TestDocumentRoundTrip(t *testing.T) {
	doc := types.Document{
		"category": "A",
		"price":    float64(19.5),
		"tags":     []any{"red", "blue"},
	}
	data, err := EncodeDocument(doc)
	require.NoError(t, err)

	got, err := DecodeDocument(data)
	require.NoError(t, err)
	assert.Equal(t, "A", got["category"])
	assert.EqualValues(t, 19.5, got["price"])
	assert.Len(t, got["tags"], 2)
}

func TestDocumentDecodeGarbage(t *testing.T) {
	_, err := DecodeDocument([]byte{0xc1, 0xff, 0x00})
	assert.Error(t, err)
}
