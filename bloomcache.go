package blockalloc

import "github.com/bits-and-blooms/bloom/v3"

// baseFilter is a fast, safe-by-construction pre-check for free(ptr)
// on the linked-list and tree engines, used as an existence check.
// Reserved-run bases are only ever added,
// never removed, so a bloom filter never produces a false negative for
// a base that was genuinely a run's base at some point: "definitely
// not known" lets free() skip the O(N) / O(log N) structural search
// outright, and "maybe known" simply falls through to the real,
// authoritative lookup.
type baseFilter struct {
	f *bloom.BloomFilter
}

func newBaseFilter(bits uint) *baseFilter {
	if bits == 0 {
		return nil
	}
	return &baseFilter{f: bloom.New(bits, 4)}
}

func (bf *baseFilter) record(base uint64) {
	if bf == nil {
		return
	}
	bf.f.Add(encodeBase(base))
}

func (bf *baseFilter) maybeKnown(base uint64) bool {
	if bf == nil {
		return true
	}
	return bf.f.Test(encodeBase(base))
}

func encodeBase(base uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(base >> (8 * i))
	}
	return b[:]
}
