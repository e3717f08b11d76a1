package qc

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mkarppi/telegram-qc-bot/internal/product"
)

// Store is the persistence boundary of the orchestrator.
type Store interface {
	SaveProduct(p *product.Product) error
	LoadProducts(ownerID int64) ([]*product.Product, error)
	DeleteProducts(ids []string) error
}

// Notifier surfaces non-fatal persistence problems to the user. May be nil.
type Notifier func(ownerID int64, message string)

type saveOp struct {
	ownerID  int64
	snapshot *product.Product // nil means delete
}

// saver serializes persistence writes per product id with single-flight
// semantics: while a write is in flight, only the latest enqueued operation
// for that id is kept, and it executes after the in-flight one completes.
// This prevents a slow early write from clobbering a newer state at the
// store, and orders deletes after any write that preceded them.
type saver struct {
	mu       sync.Mutex
	store    Store
	notify   Notifier
	inflight map[string]bool
	pending  map[string]saveOp
	wg       sync.WaitGroup
}

func newSaver(store Store, notify Notifier) *saver {
	return &saver{
		store:    store,
		notify:   notify,
		inflight: make(map[string]bool),
		pending:  make(map[string]saveOp),
	}
}

// EnqueueSave schedules a persistence write of the given snapshot.
func (s *saver) EnqueueSave(snapshot product.Product) {
	s.enqueue(snapshot.ID, saveOp{ownerID: snapshot.OwnerID, snapshot: &snapshot})
}

// EnqueueDelete schedules removal of the product from the store, ordered
// after any write already in flight for the same id.
func (s *saver) EnqueueDelete(ownerID int64, id string) {
	s.enqueue(id, saveOp{ownerID: ownerID})
}

func (s *saver) enqueue(id string, op saveOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		s.pending[id] = op
		return
	}
	s.inflight[id] = true
	s.wg.Add(1)
	go s.run(id, op)
}

func (s *saver) run(id string, op saveOp) {
	defer s.wg.Done()
	for {
		s.execute(id, op)

		s.mu.Lock()
		next, ok := s.pending[id]
		if !ok {
			delete(s.inflight, id)
			s.mu.Unlock()
			return
		}
		delete(s.pending, id)
		s.mu.Unlock()
		op = next
	}
}

func (s *saver) execute(id string, op saveOp) {
	var err error
	if op.snapshot == nil {
		err = s.store.DeleteProducts([]string{id})
	} else {
		err = s.store.SaveProduct(op.snapshot)
	}
	if err == nil {
		return
	}

	// Unique-constraint races between overlapping saves are benign: the
	// upsert semantics mean whichever write landed is a valid snapshot.
	if strings.Contains(err.Error(), "UNIQUE constraint") {
		log.Debug().Err(err).Str("productID", id).Msg("ignoring unique constraint race on save")
		return
	}

	log.Error().Err(err).Str("productID", id).Msg("persistence write failed")
	if s.notify != nil {
		s.notify(op.ownerID, "Saving your product data failed; recent changes may not survive a restart.")
	}
}

// Wait blocks until all in-flight and pending writes have completed.
// Used on shutdown and by tests.
func (s *saver) Wait() {
	s.wg.Wait()
}
