package memory

import "context"

// View is a Store bound to one namespace. Stages only ever receive a View,
// so they cannot address another session's items.
type View struct {
	store     Store
	namespace string
}

// Bind returns a View of store scoped to namespace.
func Bind(store Store, namespace string) *View {
	return &View{store: store, namespace: namespace}
}

// Namespace returns the bound namespace.
func (v *View) Namespace() string { return v.namespace }

// Store writes an item produced by producer.
func (v *View) Store(ctx context.Context, producer, itemType, content string) (string, error) {
	return v.store.Store(ctx, v.namespace, Item{Content: content, Producer: producer, ItemType: itemType})
}

// Search queries the bound namespace.
func (v *View) Search(ctx context.Context, query string, filters Filters, k int) ([]Item, error) {
	return v.store.Search(ctx, v.namespace, query, filters, k)
}
