// Package pool provides a dense slot allocator whose freed identifiers are
// reused most-recently-freed first.
package pool

import "errors"

var ErrFull = errors.New("pool: table is full")

type slot uint8

const (
	slotFree slot = iota
	slotUsed
	slotReserved
)

// Table maps small integer IDs to items. The zero value is ready to use.
// A Table is not safe for concurrent use; callers provide their own locking.
type Table[T any] struct {
	items []T
	state []slot
	free  []int
	count int
	limit int
}

type Option func(*options)

type options struct {
	limit    int
	capacity int
}

// WithLimit bounds the number of slots TryAdd may use, reserved slots included.
func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// WithCapacity preallocates backing storage.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

func New[T any](opts ...Option) *Table[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Table[T]{
		items: make([]T, 0, o.capacity),
		state: make([]slot, 0, o.capacity),
		limit: o.limit,
	}
}

// Add stores item in the most recently freed slot, or a new one, and returns
// its ID. It panics when the table limit is reached; use TryAdd when the limit
// is expected to be hit.
func (t *Table[T]) Add(item T) int {
	id, err := t.TryAdd(item)
	if err != nil {
		panic(err)
	}
	return id
}

func (t *Table[T]) TryAdd(item T) (int, error) {
	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		t.items[id] = item
		t.state[id] = slotUsed
		t.count++
		return id, nil
	}
	if t.limit > 0 && len(t.state) >= t.limit {
		return -1, ErrFull
	}
	t.items = append(t.items, item)
	t.state = append(t.state, slotUsed)
	t.count++
	return len(t.state) - 1, nil
}

// Set stores item under id, growing the table as needed and overwriting any
// previous occupant. It reports whether a previous item was replaced.
func (t *Table[T]) Set(id int, item T) bool {
	if id < 0 {
		return false
	}
	t.grow(id)
	replaced := t.state[id] == slotUsed
	switch t.state[id] {
	case slotFree:
		t.unfree(id)
		t.count++
	case slotReserved:
		t.count++
	}
	t.items[id] = item
	t.state[id] = slotUsed
	return replaced
}

// Reserve keeps id out of circulation. Get never reports a reserved slot.
func (t *Table[T]) Reserve(id int) {
	if id < 0 {
		return
	}
	t.grow(id)
	switch t.state[id] {
	case slotFree:
		t.unfree(id)
	case slotUsed:
		t.count--
	}
	var zero T
	t.items[id] = zero
	t.state[id] = slotReserved
}

// Unreserve returns a reserved slot to the free list.
func (t *Table[T]) Unreserve(id int) bool {
	if id < 0 || id >= len(t.state) || t.state[id] != slotReserved {
		return false
	}
	t.state[id] = slotFree
	t.free = append(t.free, id)
	return true
}

// Remove frees id. It reports false if the slot was not occupied.
func (t *Table[T]) Remove(id int) bool {
	if id < 0 || id >= len(t.state) || t.state[id] != slotUsed {
		return false
	}
	var zero T
	t.items[id] = zero
	t.state[id] = slotFree
	t.free = append(t.free, id)
	t.count--
	return true
}

func (t *Table[T]) Get(id int) (T, bool) {
	if id < 0 || id >= len(t.state) || t.state[id] != slotUsed {
		var zero T
		return zero, false
	}
	return t.items[id], true
}

func (t *Table[T]) Has(id int) bool {
	return id >= 0 && id < len(t.state) && t.state[id] == slotUsed
}

// Capacity is the length of the backing arrays and the upper bound for a full
// scan. Slots below it may be empty.
func (t *Table[T]) Capacity() int {
	return len(t.state)
}

// Len is the number of occupied slots.
func (t *Table[T]) Len() int {
	return t.count
}

// Each calls fn for every occupied slot in ID order until fn returns false.
// fn may remove the current item.
func (t *Table[T]) Each(fn func(id int, item T) bool) {
	for id := 0; id < len(t.state); id++ {
		if t.state[id] != slotUsed {
			continue
		}
		if !fn(id, t.items[id]) {
			return
		}
	}
}

// Clear frees every occupied slot. Reserved slots stay reserved.
func (t *Table[T]) Clear() {
	for id := len(t.state) - 1; id >= 0; id-- {
		if t.state[id] == slotUsed {
			t.Remove(id)
		}
	}
}

func (t *Table[T]) grow(id int) {
	if id < len(t.state) {
		return
	}
	from := len(t.state)
	for len(t.state) <= id {
		var zero T
		t.items = append(t.items, zero)
		t.state = append(t.state, slotFree)
	}
	// gap slots go on the free list highest first so the lowest is reused first
	for gap := id - 1; gap >= from; gap-- {
		t.free = append(t.free, gap)
	}
}

func (t *Table[T]) unfree(id int) {
	for i := len(t.free) - 1; i >= 0; i-- {
		if t.free[i] == id {
			t.free = append(t.free[:i], t.free[i+1:]...)
			return
		}
	}
}
