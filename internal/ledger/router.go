package ledger

import (
	"sort"
	"time"

	"opsledger/internal/model"
)

// Router maps timestamps onto live partitions. It is not safe for concurrent
// mutation; owners guard it with their index lock.
type Router struct {
	parts []model.Partition // live only, sorted by Start
}

// NewRouter builds a router from a catalog snapshot, ignoring dropped partitions.
func NewRouter(parts []model.Partition) *Router {
	r := &Router{}
	for _, p := range parts {
		r.Put(p)
	}
	return r
}

// Put inserts or replaces p by name. A dropped p is removed.
func (r *Router) Put(p model.Partition) {
	for i := range r.parts {
		if r.parts[i].Name == p.Name {
			r.parts = append(r.parts[:i], r.parts[i+1:]...)
			break
		}
	}
	if !p.Live() {
		return
	}
	i := sort.Search(len(r.parts), func(i int) bool { return !r.parts[i].Start.Before(p.Start) })
	r.parts = append(r.parts, model.Partition{})
	copy(r.parts[i+1:], r.parts[i:])
	r.parts[i] = p
}

// Route returns the live partition covering t.
func (r *Router) Route(t time.Time) (model.Partition, bool) {
	i := sort.Search(len(r.parts), func(i int) bool { return r.parts[i].End.After(t) })
	if i < len(r.parts) && r.parts[i].Covers(t) {
		return r.parts[i], true
	}
	return model.Partition{}, false
}

// Overlapping returns live partitions intersecting [from, to).
func (r *Router) Overlapping(from, to time.Time) []model.Partition {
	var out []model.Partition
	for _, p := range r.parts {
		if p.Start.Before(to) && p.End.After(from) {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of live partitions.
func (r *Router) Len() int { return len(r.parts) }
