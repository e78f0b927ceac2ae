// Package codec serializes the two record families the storage engine holds:
// vectors as fixed-width binary records and metadata as self-describing
// msgpack documents.
//
// The vector layout is: [layout tag u8][dimension u32 LE][components].
// Components are little-endian float32 (LayoutFloat32) or IEEE 754 binary16
// (LayoutFloat16). The half-precision layout halves the on-disk footprint at
// the cost of precision; decoding always yields []float32. Decode failures
// are reported, never papered over with zero-filled vectors.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/x448/float16"

	"github.com/annexdb/annex/pkg/core/types"
)

// Layout selects the on-disk encoding of vector components.
type Layout uint8

const (
	// LayoutFloat32 stores each component as a little-endian float32.
	LayoutFloat32 Layout = 0x01
	// LayoutFloat16 stores each component as an IEEE 754 binary16.
	LayoutFloat16 Layout = 0x02
)

const headerSize = 5 // tag u8 + dim u32

var (
	// ErrShortRecord indicates a truncated or empty vector record.
	ErrShortRecord = errors.New("codec: vector record truncated")
	// ErrUnknownLayout indicates an unrecognized layout tag, typically a
	// record written by a newer version or plain corruption.
	ErrUnknownLayout = errors.New("codec: unknown vector layout")
)

// ParseLayout converts a configuration string into a Layout.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "float32":
		return LayoutFloat32, nil
	case "float16":
		return LayoutFloat16, nil
	default:
		return 0, fmt.Errorf("unknown vector layout %q (want float32 or float16)", s)
	}
}

// String returns the configuration name of the layout.
func (l Layout) String() string {
	switch l {
	case LayoutFloat32:
		return "float32"
	case LayoutFloat16:
		return "float16"
	default:
		return fmt.Sprintf("layout(0x%02x)", uint8(l))
	}
}

func (l Layout) componentSize() int {
	if l == LayoutFloat16 {
		return 2
	}
	return 4
}

// EncodeVector serializes v using the given layout.
func EncodeVector(v []float32, layout Layout) ([]byte, error) {
	size := layout.componentSize()
	if size == 4 && layout != LayoutFloat32 {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownLayout, uint8(layout))
	}

	buf := make([]byte, headerSize+len(v)*size)
	buf[0] = byte(layout)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(v)))

	off := headerSize
	switch layout {
	case LayoutFloat32:
		for _, x := range v {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(x))
			off += 4
		}
	case LayoutFloat16:
		for _, x := range v {
			binary.LittleEndian.PutUint16(buf[off:], float16.Fromfloat32(x).Bits())
			off += 2
		}
	}
	return buf, nil
}

// DecodeVector deserializes a vector record. wantDim is the collection
// dimensionality; a stored record of any other width is a hard error.
func DecodeVector(data []byte, wantDim int) ([]float32, error) {
	if len(data) < headerSize {
		return nil, ErrShortRecord
	}

	layout := Layout(data[0])
	dim := int(binary.LittleEndian.Uint32(data[1:5]))
	if dim != wantDim {
		return nil, fmt.Errorf("codec: stored vector has dimension %d, collection expects %d", dim, wantDim)
	}

	size := layout.componentSize()
	switch layout {
	case LayoutFloat32, LayoutFloat16:
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownLayout, uint8(layout))
	}
	if len(data) != headerSize+dim*size {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrShortRecord, len(data), headerSize+dim*size)
	}

	v := make([]float32, dim)
	off := headerSize
	switch layout {
	case LayoutFloat32:
		for i := range v {
			v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
	case LayoutFloat16:
		for i := range v {
			v[i] = float16.Frombits(binary.LittleEndian.Uint16(data[off:])).Float32()
			off += 2
		}
	}
	return v, nil
}

// EncodeDocument serializes a metadata document to msgpack.
func EncodeDocument(doc types.Document) ([]byte, error) {
	data, err := msgpack.Marshal(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("codec: encode document: %w", err)
	}
	return data, nil
}

// DecodeDocument deserializes a msgpack metadata document.
func DecodeDocument(data []byte) (types.Document, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("codec: decode document: %w", err)
	}
	return types.Document(m), nil
}
