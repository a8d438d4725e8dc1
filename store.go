package chatsync

import (
	"sync"
)

// ============================================================================
// Store
// ============================================================================

// Store is the local message timeline for one chat: an ordered, newest-first
// sequence plus an id index for O(1) reconciliation. All mutation goes through
// InsertOptimistic, Reconcile, and UpdateAttachment; reconciliation patches a
// message in place so its position never changes.
//
// Invariant: at most one entry holds a given id at any time. A temp id is
// replaced, never duplicated, once the server confirms it.
type Store struct {
	mu       sync.RWMutex
	timeline []*Message          // newest first
	byID     map[string]*Message // shares pointers with timeline
}

// NewStore creates an empty timeline.
func NewStore() *Store {
	return &Store{
		byID: make(map[string]*Message),
	}
}

// LoadHistory replaces the timeline with bootstrap history (newest first).
func (s *Store) LoadHistory(msgs []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline = s.timeline[:0]
	s.byID = make(map[string]*Message, len(msgs))
	for _, m := range msgs {
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		s.timeline = append(s.timeline, m)
		s.byID[m.ID] = m
	}
}

// InsertOptimistic prepends a pending message to the head of the timeline.
func (s *Store) InsertOptimistic(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Pending = true
	s.timeline = append([]*Message{msg}, s.timeline...)
	s.byID[msg.ID] = msg
}

// Reconcile applies a server-confirmed message. When tempID matches a stored
// entry that entry is patched in place (id swapped to the server id, pending
// cleared, attachment finalized), preserving its timeline position. Otherwise
// the incoming message is prepended (a message from the counterpart).
// Returns true when an existing entry was patched.
func (s *Store) Reconcile(incoming *Message, tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tempID != "" {
		if existing, ok := s.byID[tempID]; ok {
			delete(s.byID, tempID)
			existing.ID = incoming.ID
			existing.Pending = false
			if incoming.Text != "" {
				existing.Text = incoming.Text
			}
			if incoming.Attachment != nil {
				existing.Attachment = incoming.Attachment
			}
			if !incoming.CreatedAt.IsZero() {
				existing.CreatedAt = incoming.CreatedAt
			}
			s.byID[existing.ID] = existing
			return true
		}
	}

	// Delivery can repeat across reconnects; an id already present is the
	// same message again, not a new entry.
	if _, ok := s.byID[incoming.ID]; ok {
		return false
	}

	incoming.Pending = false
	s.timeline = append([]*Message{incoming}, s.timeline...)
	s.byID[incoming.ID] = incoming
	return false
}

// UpdateAttachment patches only the attachment of a pending message, used
// when an upload finishes before the socket round-trip completes.
func (s *Store) UpdateAttachment(tempID string, att *Attachment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[tempID]
	if !ok {
		return false
	}
	msg.Attachment = att
	return true
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Messages returns a snapshot of the timeline, newest first.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.timeline))
	for i, m := range s.timeline {
		out[i] = *m
	}
	return out
}

// Len returns the number of timeline entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timeline)
}

// indexOf returns the timeline position of an id, or -1.
func (s *Store) indexOf(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, m := range s.timeline {
		if m.ID == id {
			return i
		}
	}
	return -1
}
