package events

// ring keeps the last cap values inserted.
type ring[T any] struct {
	data  []T
	next  int
	count int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{data: make([]T, capacity)}
}

func (r *ring[T]) insert(v T) {
	r.data[r.next] = v
	r.next = (r.next + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// iterate visits values from oldest to newest until fn returns false.
func (r *ring[T]) iterate(fn func(T) bool) {
	start := (r.next - r.count + len(r.data)) % len(r.data)
	for i := 0; i < r.count; i++ {
		if !fn(r.data[(start+i)%len(r.data)]) {
			return
		}
	}
}
