package engine

import "errors"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine: closed")
	// ErrDimensionMismatch is returned when a vector's dimensionality does
	// not match the engine's configured dimension.
	ErrDimensionMismatch = errors.New("engine: vector dimension mismatch")
	// ErrDuplicateID is returned by Insert for an id that already exists.
	ErrDuplicateID = errors.New("engine: id already exists")
	// ErrNotFound is returned by Delete and Get for an unknown id.
	ErrNotFound = errors.New("engine: id not found")
	// ErrInvalidFilter is returned for filter expressions that fail to
	// parse or use an operator on an incompatible value type.
	ErrInvalidFilter = errors.New("engine: invalid filter expression")
)
