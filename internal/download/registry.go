package download

import (
	"fmt"
	"sort"
)

// Registry maps identifiers to items. It holds no lock of its own; the Scheduler
// that owns it serializes every call.
type Registry struct {
	items map[string]*item
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*item)}
}

func (r *Registry) Insert(it *item) error {
	if _, ok := r.items[it.id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, it.id)
	}

	r.items[it.id] = it

	return nil
}

func (r *Registry) Find(id string) (*item, error) {
	it, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return it, nil
}

// Remove deletes the identifier; removing an unknown identifier is a no-op.
func (r *Registry) Remove(id string) {
	delete(r.items, id)
}

func (r *Registry) Len() int {
	return len(r.items)
}

// Items returns the registered items in enqueue order.
func (r *Registry) Items() []*item {
	out := make([]*item, 0, len(r.items))
	for _, it := range r.items {
		out = append(out, it)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })

	return out
}
