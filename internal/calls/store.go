package calls

import (
	"sort"
	"sync"
)

// Store is the in-memory table of call records keyed by conversation.
//
// Concurrency:
// - the map itself is guarded by mu;
// - each record has its own lock, so Update calls for one conversation are
//   serialized while different conversations proceed concurrently.
//
// Records live only for the lifetime of the process.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// byCarrier indexes carrier call id -> conversation id.
	byCarrier map[string]string
}

type entry struct {
	mu      sync.Mutex
	rec     CallRecord
	removed bool
}

func NewStore() *Store {
	return &Store{entries: map[string]*entry{}, byCarrier: map[string]string{}}
}

// Create inserts a new record. It fails with ErrCallAlreadyActive if the
// conversation already has a non-terminal record; a terminal record still
// waiting for cleanup is replaced.
func (s *Store) Create(rec CallRecord) error {
	if rec.ConversationID == "" || rec.CarrierCallID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[rec.ConversationID]; ok {
		old.mu.Lock()
		active := !old.removed && !old.rec.Terminal()
		if !active {
			old.removed = true
			if s.byCarrier[old.rec.CarrierCallID] == rec.ConversationID {
				delete(s.byCarrier, old.rec.CarrierCallID)
			}
		}
		old.mu.Unlock()
		if active {
			return ErrCallAlreadyActive
		}
	}

	s.entries[rec.ConversationID] = &entry{rec: rec}
	s.byCarrier[rec.CarrierCallID] = rec.ConversationID
	return nil
}

// HasActive reports whether the conversation has a non-terminal record.
func (s *Store) HasActive(conversationID string) bool {
	rec, err := s.Get(conversationID)
	return err == nil && !rec.Terminal()
}

// Get returns a snapshot of the record for a conversation.
func (s *Store) Get(conversationID string) (CallRecord, error) {
	e := s.lookup(conversationID)
	if e == nil {
		return CallRecord{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return CallRecord{}, ErrNotFound
	}
	return e.rec, nil
}

// GetByCarrierCallID resolves a carrier call id to its record.
func (s *Store) GetByCarrierCallID(carrierCallID string) (CallRecord, error) {
	s.mu.RLock()
	convID, ok := s.byCarrier[carrierCallID]
	s.mu.RUnlock()
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	rec, err := s.Get(convID)
	if err != nil {
		return CallRecord{}, err
	}
	if rec.CarrierCallID != carrierCallID {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

// Update applies mutator to a copy of the record while holding the record lock.
// The copy is committed only if mutator returns nil. The committed record is returned.
// ConversationID and CarrierCallID cannot be changed by a mutator.
func (s *Store) Update(conversationID string, mutator func(*CallRecord) error) (CallRecord, error) {
	e := s.lookup(conversationID)
	if e == nil {
		return CallRecord{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return CallRecord{}, ErrNotFound
	}

	next := e.rec
	if err := mutator(&next); err != nil {
		return e.rec, err
	}
	next.ConversationID = e.rec.ConversationID
	next.CarrierCallID = e.rec.CarrierCallID
	e.rec = next
	return next, nil
}

// Remove deletes the conversation's record regardless of its state.
func (s *Store) Remove(conversationID string) bool {
	return s.remove(conversationID, "")
}

// RemoveIf deletes the conversation's record only if it still belongs to carrierCallID.
// It is used by delayed cleanup so a newer call for the same conversation survives.
func (s *Store) RemoveIf(conversationID, carrierCallID string) bool {
	if carrierCallID == "" {
		return false
	}
	return s.remove(conversationID, carrierCallID)
}

func (s *Store) remove(conversationID, carrierCallID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[conversationID]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if carrierCallID != "" && e.rec.CarrierCallID != carrierCallID {
		return false
	}
	e.removed = true
	delete(s.entries, conversationID)
	if s.byCarrier[e.rec.CarrierCallID] == conversationID {
		delete(s.byCarrier, e.rec.CarrierCallID)
	}
	return true
}

// ListActive returns snapshots of all non-terminal records, oldest first.
func (s *Store) ListActive() []CallRecord {
	s.mu.RLock()
	es := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		es = append(es, e)
	}
	s.mu.RUnlock()

	out := make([]CallRecord, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		if !e.removed && !e.rec.Terminal() {
			out = append(out, e.rec)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of stored records, terminal ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) lookup(conversationID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[conversationID]
}
