// Package visited provides a reusable visited-node set backed by a
// bitset with a dirty list for cheap reset between searches.
package visited

// Set tracks visited node ids.
type Set struct {
	bits  []uint64
	dirty []uint32
}

// New creates a set sized for the given number of nodes.
func New(capacity int) *Set {
	return &Set{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks id as visited.
func (s *Set) Visit(id uint32) {
	word := int(id >> 6)
	mask := uint64(1) << (id & 63)

	if word >= len(s.bits) {
		s.grow(word + 1)
	}

	if s.bits[word]&mask == 0 {
		s.bits[word] |= mask
		s.dirty = append(s.dirty, id)
	}
}

// Visited reports whether id has been visited.
func (s *Set) Visited(id uint32) bool {
	word := int(id >> 6)
	if word >= len(s.bits) {
		return false
	}
	return s.bits[word]&(uint64(1)<<(id&63)) != 0
}

// Reset clears only the bits touched since the last reset.
func (s *Set) Reset() {
	for _, id := range s.dirty {
		s.bits[id>>6] &^= uint64(1) << (id & 63)
	}
	s.dirty = s.dirty[:0]
}

func (s *Set) grow(newLen int) {
	newCap := len(s.bits) * 2
	if newCap < newLen {
		newCap = newLen
	}
	newBits := make([]uint64, newCap)
	copy(newBits, s.bits)
	s.bits = newBits
}
