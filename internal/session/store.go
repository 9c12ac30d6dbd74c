package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/yourorg/checkout-orchestrator/internal/gateway"
)

// ErrSessionExists is returned by Put when the order already has a session,
// live or terminal. A terminal session must be reset before a fresh initiate;
// this is what prevents a silent duplicate charge attempt.
var ErrSessionExists = fmt.Errorf("session: order already has a session")

// ErrSessionNotFound is returned when no session is registered for the order.
var ErrSessionNotFound = fmt.Errorf("session: no session for order")

// JournalEntry records one session status transition for reporting and the
// per-order history view.
type JournalEntry struct {
	Time      time.Time      `json:"time"`
	SessionID string         `json:"sessionId"`
	OrderID   string         `json:"orderId"`
	Method    gateway.Method `json:"method"`
	From      Status         `json:"from"`
	To        Status         `json:"to"`
	Reason    string         `json:"reason,omitempty"`
	Amount    int64          `json:"amount"`
	// Anomaly marks an outcome that was rejected downstream, e.g. a payment
	// result arriving for an order already in a terminal status.
	Anomaly bool `json:"anomaly,omitempty"`
}

// Store keeps at most one session per order and the transition journal.
// Everything is process-local; nothing is persisted.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	journal  []JournalEntry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Put registers a session for its order. It fails if any session, live or
// terminal, is still registered for that order.
func (st *Store) Put(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.OrderID]; ok {
		return ErrSessionExists
	}
	st.sessions[s.OrderID] = s
	return nil
}

// Get returns the session registered for the order, if any.
func (st *Store) Get(orderID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[orderID]
	return s, ok
}

// Remove discards the order's session. Only terminal sessions may be removed.
func (st *Store) Remove(orderID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[orderID]
	if !ok {
		return ErrSessionNotFound
	}
	if !s.Status().Terminal() {
		return fmt.Errorf("session: cannot remove live session for order %s", orderID)
	}
	delete(st.sessions, orderID)
	return nil
}

// Record appends a journal entry.
func (st *Store) Record(e JournalEntry) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.journal = append(st.journal, e)
}

// History returns the journal entries for one order, oldest first.
func (st *Store) History(orderID string) []JournalEntry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []JournalEntry
	for _, e := range st.journal {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

// Journal returns a copy of the full transition journal.
func (st *Store) Journal() []JournalEntry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]JournalEntry, len(st.journal))
	copy(out, st.journal)
	return out
}
