package sessions

import (
	"sync"
)

// CloseHook is invoked exactly once when a session is torn down, before the
// session record is removed. Hooks release resources owned by other layers
// (pending elicitations, open streams).
type CloseHook func(connID string)

// Store is the process-wide table of live sessions keyed by connection id.
// Unrelated sessions share no state, so only the table itself is locked.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	hooks    []CloseHook
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// OnClose registers a teardown hook. Must be called before serving.
func (st *Store) OnClose(hook CloseHook) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.hooks = append(st.hooks, hook)
}

// Create registers a fresh session for connID, replacing nothing: a duplicate
// connID is a transport bug and the previous session is torn down first.
func (st *Store) Create(connID string, w MessageWriter) *Session {
	if prev := st.Get(connID); prev != nil {
		st.Close(connID)
	}

	sess := New(connID, w)
	st.mu.Lock()
	st.sessions[connID] = sess
	st.mu.Unlock()
	return sess
}

// Get returns the session for connID, or nil.
func (st *Store) Get(connID string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[connID]
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Close tears down the session for connID: runs the close hooks exactly once
// and removes the record. Safe to call repeatedly.
func (st *Store) Close(connID string) {
	st.mu.Lock()
	sess := st.sessions[connID]
	delete(st.sessions, connID)
	hooks := st.hooks
	st.mu.Unlock()

	if sess == nil || !sess.markClosed() {
		return
	}
	for _, hook := range hooks {
		hook(connID)
	}
}
