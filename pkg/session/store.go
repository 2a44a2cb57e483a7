package session

import (
	"sync"

	"github.com/milan604/rtl433dp-console/pkg/auth/oidc"
	"github.com/milan604/rtl433dp-console/pkg/permissions"
)

// Profile is the identity shown to the operator.
type Profile struct {
	Subject           string `json:"subject"`
	PreferredUsername string `json:"preferredUsername,omitempty"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
}

// ProfileOf copies the identity claims of a credential.
func ProfileOf(p oidc.Profile) Profile {
	return Profile{
		Subject:           p.Subject,
		PreferredUsername: p.PreferredUsername,
		Name:              p.Name,
		Email:             p.Email,
	}
}

// State is the authentication state of one browser session.
//
// IsAuthenticated implies AccessToken and Profile are set. Permissions is
// always Extract(AccessToken).
type State struct {
	IsLoading       bool
	IsAuthenticated bool
	AccessToken     string
	Profile         *Profile
	Permissions     permissions.Set
}

// View is the part of State that may leave the server.
type View struct {
	IsLoading       bool     `json:"isLoading"`
	IsAuthenticated bool     `json:"isAuthenticated"`
	Profile         *Profile `json:"profile"`
	Permissions     []string `json:"permissions"`
}

func (s State) View() View {
	return View{
		IsLoading:       s.IsLoading,
		IsAuthenticated: s.IsAuthenticated,
		Profile:         s.Profile,
		Permissions:     s.Permissions.Sorted(),
	}
}

// Anonymous reports a settled, signed out state.
func (s State) Anonymous() bool {
	return !s.IsLoading && !s.IsAuthenticated
}

func (s State) clone() State {
	out := s
	if s.Profile != nil {
		p := *s.Profile
		out.Profile = &p
	}
	out.Permissions = s.Permissions.Clone()
	return out
}

// Store holds the State of one browser session. It starts loading and
// unauthenticated. Only the session controller and the API layer's 401
// handling write to it.
type Store struct {
	mu      sync.RWMutex
	state   State
	gen     uint64
	nextSub uint64
	subs    map[uint64]chan State
}

func NewStore() *Store {
	return &Store{
		state: State{IsLoading: true, Permissions: permissions.Set{}},
		subs:  map[uint64]chan State{},
	}
}

// SetLoading begins or ends a loading phase.
func (s *Store) SetLoading(loading bool) {
	s.update(func(st *State) { st.IsLoading = loading })
}

// SetAuthenticated installs a session for accessToken. Permissions are
// derived from the token. An empty token clears the session instead.
func (s *Store) SetAuthenticated(accessToken string, profile Profile) {
	s.update(authenticate(accessToken, profile))
}

// SetAuthenticatedAt is SetAuthenticated applied only while the store is
// still at generation gen. It reports whether the write happened.
func (s *Store) SetAuthenticatedAt(gen uint64, accessToken string, profile Profile) bool {
	return s.updateAt(gen, authenticate(accessToken, profile))
}

// ClearAt is Clear applied only while the store is still at generation gen.
func (s *Store) ClearAt(gen uint64) bool {
	return s.updateAt(gen, clearState)
}

func authenticate(accessToken string, profile Profile) func(*State) {
	if accessToken == "" {
		return clearState
	}
	perms := permissions.Extract(accessToken)
	return func(st *State) {
		st.IsAuthenticated = true
		st.AccessToken = accessToken
		st.Profile = &profile
		st.Permissions = perms
	}
}

func clearState(st *State) {
	st.IsAuthenticated = false
	st.AccessToken = ""
	st.Profile = nil
	st.Permissions = permissions.Set{}
}

// Clear drops the session. The loading flag is left as is.
func (s *Store) Clear() {
	s.update(clearState)
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// AccessToken returns the current bearer token, empty when signed out.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.AccessToken
}

// Generation increases with every write.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Subscribe returns a channel that receives the state after each write. A
// slow reader skips intermediate states but always gets the latest one.
func (s *Store) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	ch := make(chan State, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Store) update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLocked(fn)
}

func (s *Store) updateAt(gen uint64, fn func(*State)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.updateLocked(fn)
	return true
}

func (s *Store) updateLocked(fn func(*State)) {
	fn(&s.state)
	s.gen++
	if len(s.subs) == 0 {
		return
	}
	snap := s.state.clone()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// closeSubscribers ends every subscription.
func (s *Store) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
