package engine

// handle addresses a slab slot. The generation makes handles to released
// slots detectably stale even after the slot is reused.
type handle struct {
	index uint32
	gen   uint32
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// slab stores values in reusable slots with O(1) insert, lookup and removal.
// It is owned by the event loop and not safe for concurrent use.
type slab[T any] struct {
	slots []slot[T]
	free  []uint32
	n     int
}

func (s *slab[T]) insert(v T) handle {
	var i uint32
	if k := len(s.free); k > 0 {
		i = s.free[k-1]
		s.free = s.free[:k-1]
	} else {
		s.slots = append(s.slots, slot[T]{})
		i = uint32(len(s.slots) - 1)
	}
	sl := &s.slots[i]
	sl.live = true
	sl.val = v
	s.n++
	return handle{index: i, gen: sl.gen}
}

func (s *slab[T]) get(h handle) (T, bool) {
	var zero T
	if int(h.index) >= len(s.slots) {
		return zero, false
	}
	sl := &s.slots[h.index]
	if !sl.live || sl.gen != h.gen {
		return zero, false
	}
	return sl.val, true
}

// remove releases the slot h points at. Stale handles are ignored.
func (s *slab[T]) remove(h handle) bool {
	if _, ok := s.get(h); !ok {
		return false
	}
	var zero T
	sl := &s.slots[h.index]
	sl.live = false
	sl.val = zero
	sl.gen++
	s.free = append(s.free, h.index)
	s.n--
	return true
}

func (s *slab[T]) len() int { return s.n }

// handles appends the handles of all live slots to dst.
func (s *slab[T]) handles(dst []handle) []handle {
	for i := range s.slots {
		if s.slots[i].live {
			dst = append(dst, handle{index: uint32(i), gen: s.slots[i].gen})
		}
	}
	return dst
}
