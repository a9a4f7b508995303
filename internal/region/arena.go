package region

import "sync"

// Arena is a bump-pointer allocator over a growable byte buffer, handing
// out region-relative offsets instead of pointers. The rest of the
// engine does not allocate from it: mpool and lockmgr keep their state
// in Go maps and lists addressed by pointer.
type Arena struct {
	mu    sync.Mutex
	buf   []byte
	free  []span
	grown int
}

type span struct {
	offset, size int
}

// NewArena creates an arena with an initial backing size. The arena grows
// on demand; initialSize is only a sizing hint.
func NewArena(initialSize int) *Arena {
	if initialSize <= 0 {
		initialSize = 4096
	}
	return &Arena{buf: make([]byte, 0, initialSize)}
}

// Alloc reserves size bytes aligned to align (a power of two) and returns
// the region-relative offset of the start of the allocation.
func (a *Arena) Alloc(size, align int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if align <= 0 {
		align = 1
	}

	// First-fit over the free list before growing the arena.
	for i, s := range a.free {
		aligned := alignUp(s.offset, align)
		pad := aligned - s.offset
		if s.size-pad >= size {
			a.free = append(a.free[:i], a.free[i+1:]...)
			if pad > 0 {
				a.free = append(a.free, span{s.offset, pad})
			}
			if rem := s.size - pad - size; rem > 0 {
				a.free = append(a.free, span{aligned + size, rem})
			}
			return aligned
		}
	}

	offset := alignUp(len(a.buf), align)
	needed := offset + size
	if needed > cap(a.buf) {
		grown := make([]byte, len(a.buf), needed*2)
		copy(grown, a.buf)
		a.buf = grown
		a.grown++
	}
	a.buf = a.buf[:needed]
	return offset
}

// Free releases a previously allocated span back to the arena's free list.
func (a *Arena) Free(offset, size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, span{offset, size})
}

// Bytes returns the byte slice backing a previously allocated span. The
// returned slice aliases the arena's buffer; callers must not retain it
// past a Free of the same span.
func (a *Arena) Bytes(offset, size int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf[offset : offset+size]
}

// Grows reports how many times the backing buffer has been reallocated,
// exposed for tests and capacity tuning.
func (a *Arena) Grows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grown
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}
