package hnsw

// bitSet tracks visited internal ids during a layer search. Internal ids are
// dense arena slots, so a flat bit array beats a map both in allocation and
// lookup cost. Instances are pooled and cleared between searches.
type bitSet struct {
	buckets []uint64
}

func newBitSet(capacity uint32) *bitSet {
	return &bitSet{buckets: make([]uint64, (capacity>>6)+1)}
}

func (bs *bitSet) EnsureCapacity(maxID uint32) {
	needed := (maxID >> 6) + 1
	if uint32(len(bs.buckets)) < needed {
		grown := make([]uint64, needed)
		copy(grown, bs.buckets)
		bs.buckets = grown
	}
}

func (bs *bitSet) Add(n uint32) {
	bucket := n >> 6
	if bucket >= uint32(len(bs.buckets)) {
		bs.EnsureCapacity(n)
	}
	bs.buckets[bucket] |= 1 << (n & 63)
}

func (bs *bitSet) Has(n uint32) bool {
	bucket := n >> 6
	if bucket >= uint32(len(bs.buckets)) {
		return false
	}
	return bs.buckets[bucket]&(1<<(n&63)) != 0
}

func (bs *bitSet) Clear() {
	for i := range bs.buckets {
		bs.buckets[i] = 0
	}
}
