package token

import (
	"strings"
	"sync"
)

// Set is a backend-issued access/refresh token pair. Sets are replaced
// wholesale, never mutated field by field.
type Set struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (s Set) Empty() bool {
	return strings.TrimSpace(s.Access) == ""
}

// Store is the single source of truth for the current backend token pair
// and the provider session token. Channel connects and the edge gate read
// it; only the sign-in/sign-out/refresh flows write it.
type Store struct {
	mu              sync.RWMutex
	set             Set
	providerSession string
}

func NewStore() *Store {
	return &Store{}
}

func (st *Store) Replace(set Set) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.set = set
}

func (st *Store) SetProviderSession(sessionToken string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.providerSession = strings.TrimSpace(sessionToken)
}

// Access returns the current access token. Callers must re-read at each
// connect attempt rather than capture the value once, so a refresh that
// landed while disconnected is picked up on the next attempt.
func (st *Store) Access() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.set.Access
}

func (st *Store) Snapshot() Set {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.set
}

func (st *Store) ProviderSession() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.providerSession
}

func (st *Store) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.set = Set{}
	st.providerSession = ""
}
