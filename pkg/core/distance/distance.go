// Package distance provides the pluggable distance strategies used by the
// graph: Euclidean, cosine and dot product over float32 vectors.
//
// A metric is selected once at collection creation and fixed thereafter. The
// heavy lifting (dot products) is delegated to Gonum's BLAS implementation,
// which dispatches to SIMD kernels internally.
package distance

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/blas/gonum"
)

// Metric identifies the distance calculation used by an index.
type Metric string

const (
	// Euclidean is the L2 distance (with square root, so distances are in
	// the same unit as the vector components).
	Euclidean Metric = "euclidean"
	// Cosine is 1 - cosine similarity. The graph normalizes vectors at
	// insert time, so the function itself assumes unit-length inputs.
	Cosine Metric = "cosine"
	// Dot is the inner product framed as a distance: larger dot product
	// means more similar, so the function returns the negated product and
	// ascending order still ranks best-first. Values may be negative.
	Dot Metric = "dot"
)

// ErrLengthMismatch is returned when two vectors of different lengths are
// compared. The engine validates dimensionality up front, so hitting this
// inside a search indicates a caller bug.
var ErrLengthMismatch = errors.New("distance: vectors must have the same length")

// Func computes the distance between two vectors of equal length.
// Smaller is always closer, for every metric.
type Func func(a, b []float32) (float64, error)

var blasEngine = gonum.Implementation{}

// Parse converts a user-supplied metric name into a Metric.
func Parse(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case Euclidean:
		return Euclidean, nil
	case Cosine:
		return Cosine, nil
	case Dot:
		return Dot, nil
	default:
		return "", fmt.Errorf("unknown distance metric %q (want euclidean, cosine or dot)", s)
	}
}

// For returns the distance function implementing the given metric.
func For(m Metric) (Func, error) {
	switch m {
	case Euclidean:
		return euclideanDistance, nil
	case Cosine:
		return cosineDistance, nil
	case Dot:
		return dotDistance, nil
	default:
		return nil, fmt.Errorf("metric %q not supported", m)
	}
}

// NeedsNormalization reports whether vectors must be normalized to unit
// length before they are stored in an index using this metric.
func NeedsNormalization(m Metric) bool {
	return m == Cosine
}

func euclideanDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrLengthMismatch
	}
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(float64(sum)), nil
}

// cosineDistance assumes unit-length inputs, in which case the cosine
// similarity reduces to the dot product.
func cosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrLengthMismatch
	}
	dot := blasEngine.Sdot(len(a), a, 1, b, 1)
	return 1.0 - float64(dot), nil
}

func dotDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrLengthMismatch
	}
	dot := blasEngine.Sdot(len(a), a, 1, b, 1)
	return -float64(dot), nil
}

// Normalize scales v to unit length in place. Zero vectors are left as-is.
func Normalize(v []float32) {
	var normSq float32
	for _, x := range v {
		normSq += x * x
	}
	if normSq > 0 {
		inv := 1.0 / float32(math.Sqrt(float64(normSq)))
		for i := range v {
			v[i] *= inv
		}
	}
}
