package qc

import (
	"sync"

	"github.com/mkarppi/telegram-qc-bot/internal/product"
)

// Repository is the in-memory product collection, keyed by owner. It is the
// single shared mutable resource of the orchestrator: every mutation goes
// through a guarded update closure under the lock, which serializes
// per-product updates and lets stale async callbacks check existence and
// expected status before applying anything.
type Repository struct {
	mu      sync.RWMutex
	byOwner map[int64][]*product.Product
	loaded  map[int64]bool
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		byOwner: make(map[int64][]*product.Product),
		loaded:  make(map[int64]bool),
	}
}

// Loaded reports whether the owner's products have been hydrated from the
// store.
func (r *Repository) Loaded(ownerID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded[ownerID]
}

// SetAll replaces the owner's collection wholesale (hydration from the
// store) and marks the owner loaded.
func (r *Repository) SetAll(ownerID int64, products []*product.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byOwner[ownerID] = products
	r.loaded[ownerID] = true
}

// Insert prepends a product to its owner's list (newest first).
func (r *Repository) Insert(p *product.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byOwner[p.OwnerID] = append([]*product.Product{p}, r.byOwner[p.OwnerID]...)
}

// Get returns a snapshot copy of a product. The copy shares report slices,
// which are immutable once created.
func (r *Repository) Get(ownerID int64, id string) (product.Product, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := r.find(ownerID, id); p != nil {
		return *p, true
	}
	return product.Product{}, false
}

// List returns snapshot copies of the owner's products, newest first.
func (r *Repository) List(ownerID int64) []product.Product {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]product.Product, 0, len(r.byOwner[ownerID]))
	for _, p := range r.byOwner[ownerID] {
		out = append(out, *p)
	}
	return out
}

// Update applies fn to the product under the lock. Returns false when the
// product no longer exists, in which case fn is not called.
func (r *Repository) Update(ownerID int64, id string, fn func(*product.Product)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.find(ownerID, id)
	if p == nil {
		return false
	}
	fn(p)
	return true
}

// UpdateIfStatus applies fn only when the product still exists AND is in the
// expected processing status. This is the guard that keeps the progress
// ticker and stale AI callbacks from resurrecting deleted products or
// overwriting terminal transitions.
func (r *Repository) UpdateIfStatus(ownerID int64, id string, expected product.ProcessingStatus, fn func(*product.Product)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.find(ownerID, id)
	if p == nil || p.Status != expected {
		return false
	}
	fn(p)
	return true
}

// Delete removes a product from the collection.
func (r *Repository) Delete(ownerID int64, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byOwner[ownerID]
	for i, p := range list {
		if p.ID == id {
			r.byOwner[ownerID] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Repository) find(ownerID int64, id string) *product.Product {
	for _, p := range r.byOwner[ownerID] {
		if p.ID == id {
			return p
		}
	}
	return nil
}
