package livechat

import (
	"iter"
	"slices"
	"sync"
	"time"
)

// MessageStore is the identity map behind a session's conversation view.
// Every message lives under exactly one key: its server id once confirmed,
// or "local-<correlation>" while pending.
//
// The store is goroutine-safe; within a session all writes additionally run
// on the session queue.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	seq      uint64
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[string]*Message)}
}

// Upsert inserts or replaces a message and reports whether the visible
// content changed. A confirmed message carrying the correlation id of a
// pending entry replaces that entry in place.
func (s *MessageStore) Upsert(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(m)
}

func (s *MessageStore) upsertLocked(m Message) bool {
	key := m.Key()
	var pending *Message
	if m.ID != "" && m.CorrelationID != "" {
		localKey := "local-" + m.CorrelationID
		if p, ok := s.messages[localKey]; ok {
			pending = p
			delete(s.messages, localKey)
		}
	}

	if existing, ok := s.messages[key]; ok {
		m.seq = existing.seq
		if *existing == m && pending == nil {
			return false
		}
		*existing = m
		return true
	}

	if pending != nil {
		m.seq = pending.seq
		s.messages[key] = &m
		return true
	}

	s.seq++
	m.seq = s.seq
	s.messages[key] = &m
	return true
}

// Tombstone replaces the content of a known message with the tombstone
// marker. Unknown ids are ignored.
func (s *MessageStore) Tombstone(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Deleted() {
		return false
	}
	m.Content = Tombstone
	m.State = MessageConfirmed
	return true
}

// Edit replaces content, and timestamp when ts is set, of a known message.
func (s *MessageStore) Edit(id, content string, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false
	}
	if m.Content == content && (ts.IsZero() || ts.Equal(m.Timestamp)) {
		return false
	}
	m.Content = content
	if !ts.IsZero() {
		m.Timestamp = ts
	}
	return true
}

// Has reports whether a message is stored under id.
func (s *MessageStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[id]
	return ok
}

// Get returns a copy of the message stored under id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Pending returns the optimistic message for a correlation id.
func (s *MessageStore) Pending(correlationID string) (Message, bool) {
	return s.Get("local-" + correlationID)
}

// MatchPending finds the oldest unconfirmed message from senderID with
// exactly this content. Used when the server echo carries no correlation id.
func (s *MessageStore) MatchPending(senderID, content string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found Message
		ok    bool
	)
	for _, m := range s.messages {
		if m.State == MessageConfirmed || m.SenderID != senderID || m.Content != content {
			continue
		}
		if !ok || m.seq < found.seq {
			found, ok = *m, true
		}
	}
	return found, ok
}

// MarkFailed moves a pending message to Failed.
func (s *MessageStore) MarkFailed(correlationID string) bool {
	return s.setPendingState(correlationID, MessagePending, MessageFailed, time.Time{})
}

// Requeue moves a failed message back to Pending with a fresh timestamp.
func (s *MessageStore) Requeue(correlationID string, ts time.Time) bool {
	return s.setPendingState(correlationID, MessageFailed, MessagePending, ts)
}

func (s *MessageStore) setPendingState(correlationID string, from, to MessageState, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages["local-"+correlationID]
	if !ok || m.State != from {
		return false
	}
	m.State = to
	if !ts.IsZero() {
		m.Timestamp = ts
	}
	return true
}

// Discard removes an optimistic message that never got confirmed.
// Confirmed history is never removed.
func (s *MessageStore) Discard(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := "local-" + correlationID
	m, ok := s.messages[key]
	if !ok || m.State == MessageConfirmed {
		return false
	}
	delete(s.messages, key)
	return true
}

// Len returns the number of stored messages, tombstones included.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Snapshot returns the messages in display order.
func (s *MessageStore) Snapshot() []Message {
	s.mu.RLock()
	result := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		result = append(result, *m)
	}
	s.mu.RUnlock()

	slices.SortFunc(result, func(a, b Message) int {
		switch {
		case a.less(b):
			return -1
		case b.less(a):
			return 1
		}
		return 0
	})
	return result
}

// All yields the messages in display order. Each iteration takes a fresh
// snapshot, so the sequence can be ranged over repeatedly.
func (s *MessageStore) All() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, m := range s.Snapshot() {
			if !yield(m) {
				return
			}
		}
	}
}

// Clear drops every message.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]*Message)
}
