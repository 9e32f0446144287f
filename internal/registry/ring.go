package registry

import "hyperhive/pkg/types"

// ring is a fixed-capacity activity buffer. Once full, each push overwrites
// the oldest element.
type ring struct {
	buf  []types.Activity
	next int
	full bool
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]types.Activity, capacity)}
}

func (r *ring) push(a types.Activity) {
	r.buf[r.next] = a
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// newest returns up to limit elements, most recent first. limit <= 0 means
// everything retained.
func (r *ring) newest(limit int) []types.Activity {
	n := r.len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.Activity, 0, limit)
	idx := r.next - 1
	for i := 0; i < limit; i++ {
		if idx < 0 {
			idx += len(r.buf)
		}
		out = append(out, r.buf[idx])
		idx--
	}
	return out
}
