package merge

import "github.com/wesm/shardvault/internal/shard"

// head is a buffered record and the index of the cursor that produced it.
type head struct {
	rec shard.Record
	src int
}

// frontier is a binary heap stored in a flat slice and addressed by
// position. The top is the next record to emit for the configured order.
type frontier struct {
	items []head
	caps  shard.Capabilities
	desc  bool
}

func newFrontier(n int, caps shard.Capabilities, order shard.Order) *frontier {
	return &frontier{
		items: make([]head, 0, n),
		caps:  caps,
		desc:  order == shard.Descending,
	}
}

// before reports whether a must be emitted before b. Equal keys fall back to
// the source index so ties resolve the same way on every run; descending
// order is the exact reverse of ascending.
func (f *frontier) before(a, b *head) bool {
	c := shard.Compare(a.rec.Key(), b.rec.Key(), f.caps)
	if c == 0 {
		c = cmpInt(a.src, b.src)
	}
	if f.desc {
		return c > 0
	}
	return c < 0
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (f *frontier) len() int { return len(f.items) }

func (f *frontier) push(h head) {
	f.items = append(f.items, h)
	f.up(len(f.items) - 1)
}

func (f *frontier) pop() head {
	n := len(f.items) - 1
	top := f.items[0]
	f.items[0] = f.items[n]
	f.items[n] = head{}
	f.items = f.items[:n]
	if n > 0 {
		f.down(0)
	}
	return top
}

func (f *frontier) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !f.before(&f.items[i], &f.items[parent]) {
			return
		}
		f.items[i], f.items[parent] = f.items[parent], f.items[i]
		i = parent
	}
}

func (f *frontier) down(i int) {
	n := len(f.items)
	for {
		best := i
		l, r := 2*i+1, 2*i+2
		if l < n && f.before(&f.items[l], &f.items[best]) {
			best = l
		}
		if r < n && f.before(&f.items[r], &f.items[best]) {
			best = r
		}
		if best == i {
			return
		}
		f.items[i], f.items[best] = f.items[best], f.items[i]
		i = best
	}
}
