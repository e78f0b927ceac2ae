package hnsw

import "github.com/annexdb/annex/pkg/core/types"

// Value-semantics binary heaps over search candidates. Two orderings are
// needed during traversal: a min-heap for the exploration frontier (closest
// candidate first) and a max-heap for the bounded result set (farthest kept
// result on top, cheap to evict). Both are plain slices so they can live in
// a sync.Pool and be reset without freeing their backing arrays.

type minHeap []types.Candidate

func newMinHeap(capacity int) *minHeap {
	h := make(minHeap, 0, capacity)
	return &h
}

func (h *minHeap) Len() int { return len(*h) }

func (h *minHeap) Push(c types.Candidate) {
	*h = append(*h, c)
	s := *h
	i := len(s) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if s[parent].Distance <= s[i].Distance {
			break
		}
		s[parent], s[i] = s[i], s[parent]
		i = parent
	}
}

func (h *minHeap) Pop() types.Candidate {
	s := *h
	top := s[0]
	last := len(s) - 1
	s[0] = s[last]
	*h = s[:last]
	h.siftDown(0)
	return top
}

func (h *minHeap) siftDown(i int) {
	s := *h
	n := len(s)
	for {
		smallest := i
		if l := 2*i + 1; l < n && s[l].Distance < s[smallest].Distance {
			smallest = l
		}
		if r := 2*i + 2; r < n && s[r].Distance < s[smallest].Distance {
			smallest = r
		}
		if smallest == i {
			return
		}
		s[i], s[smallest] = s[smallest], s[i]
		i = smallest
	}
}

type maxHeap []types.Candidate

func newMaxHeap(capacity int) *maxHeap {
	h := make(maxHeap, 0, capacity)
	return &h
}

func (h *maxHeap) Len() int { return len(*h) }

// Peek returns the farthest kept result without removing it.
func (h *maxHeap) Peek() types.Candidate { return (*h)[0] }

func (h *maxHeap) Push(c types.Candidate) {
	*h = append(*h, c)
	s := *h
	i := len(s) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if s[parent].Distance >= s[i].Distance {
			break
		}
		s[parent], s[i] = s[i], s[parent]
		i = parent
	}
}

func (h *maxHeap) Pop() types.Candidate {
	s := *h
	top := s[0]
	last := len(s) - 1
	s[0] = s[last]
	*h = s[:last]
	h.siftDown(0)
	return top
}

func (h *maxHeap) siftDown(i int) {
	s := *h
	n := len(s)
	for {
		largest := i
		if l := 2*i + 1; l < n && s[l].Distance > s[largest].Distance {
			largest = l
		}
		if r := 2*i + 2; r < n && s[r].Distance > s[largest].Distance {
			largest = r
		}
		if largest == i {
			return
		}
		s[i], s[largest] = s[largest], s[i]
		i = largest
	}
}
