package trunkline

import (
	"math/bits"

	"github.com/telopt/trunkline/pkg/wire"
)

// callNoAllocator hands out 15-bit local call numbers from a bitmap.
// Allocation is round-robin from a moving cursor so released numbers are
// not reused immediately.
type callNoAllocator struct {
	words [(wire.MaxCallNo + 1 + 63) / 64]uint64
	next  uint16
	used  int
}

// callNoStart is the lowest call number ever allocated. Zero is invalid
// on the wire and a mini frame from call number 1 is indistinguishable
// from the meta trunk marker 0x00 0x01.
const callNoStart = 2

func newCallNoAllocator() *callNoAllocator {
	a := &callNoAllocator{next: callNoStart}
	for n := uint16(0); n < callNoStart; n++ {
		a.set(n)
	}
	return a
}

func (a *callNoAllocator) isSet(n uint16) bool {
	return a.words[n/64]&(1<<(n%64)) != 0
}

func (a *callNoAllocator) set(n uint16) {
	a.words[n/64] |= 1 << (n % 64)
}

func (a *callNoAllocator) clear(n uint16) {
	a.words[n/64] &^= 1 << (n % 64)
}

// allocate returns the next free call number, or 0 when the table is
// full.
func (a *callNoAllocator) allocate() uint16 {
	if a.used >= wire.MaxCallNo-callNoStart+1 {
		return 0
	}
	n := a.next
	for i := 0; i <= wire.MaxCallNo; i++ {
		if n < callNoStart || n > wire.MaxCallNo {
			n = callNoStart
		}
		if !a.isSet(n) {
			a.set(n)
			a.used++
			a.next = n + 1
			return n
		}
		n++
	}
	return 0
}

// release frees a previously allocated call number.
func (a *callNoAllocator) release(n uint16) {
	if n < callNoStart || n > wire.MaxCallNo || !a.isSet(n) {
		return
	}
	a.clear(n)
	a.used--
}

// inUse returns the number of allocated call numbers.
func (a *callNoAllocator) inUse() int {
	return a.used
}

// setBits counts the allocated bits directly from the bitmap, excluding
// the reserved slots.
func (a *callNoAllocator) setBits() int {
	total := 0
	for _, w := range a.words {
		total += bits.OnesCount64(w)
	}
	return total - callNoStart
}
