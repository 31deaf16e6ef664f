package session

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/okcvm/okcvm/internal/common/logger"
	"github.com/okcvm/okcvm/internal/config"
	"github.com/okcvm/okcvm/internal/llm"
)

// Store maps client identities to their sessions. Sessions are created
// lazily and held for the process lifetime; concurrent first requests for
// the same client share one provisioning call.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*SessionState
	group    singleflight.Group

	storageRoot string
	previewBase string
	runtime     *config.Runtime
	driver      llm.Driver
	log         *logger.Logger
}

// StoreOptions configures the session store.
type StoreOptions struct {
	StorageRoot    string
	PreviewBaseURL string
	Runtime        *config.Runtime
	// Driver overrides the config-derived chat driver for every session,
	// used by tests.
	Driver llm.Driver
	Logger *logger.Logger
}

// NewStore creates an empty session store.
func NewStore(opts StoreOptions) *Store {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		sessions:    make(map[string]*SessionState),
		storageRoot: opts.StorageRoot,
		previewBase: opts.PreviewBaseURL,
		runtime:     opts.Runtime,
		driver:      opts.Driver,
		log:         log,
	}
}

// Get returns the session for the client, provisioning it on first use.
func (s *Store) Get(clientID string) (*SessionState, error) {
	if clientID == "" {
		clientID = "default"
	}

	s.mu.RLock()
	existing, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if ok {
		return existing, nil
	}

	value, err, _ := s.group.Do(clientID, func() (any, error) {
		s.mu.RLock()
		cached, ok := s.sessions[clientID]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}

		state, err := New(Options{
			ClientID:       clientID,
			StorageRoot:    s.storageRoot,
			PreviewBaseURL: s.previewBase,
			Runtime:        s.runtime,
			Driver:         s.driver,
			Logger:         s.log,
		})
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.sessions[clientID] = state
		s.mu.Unlock()
		return state, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*SessionState), nil
}

// Peek returns the session without provisioning one.
func (s *Store) Peek(clientID string) (*SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[clientID]
	return state, ok
}

// Drop removes the session from the map. The caller is responsible for
// cleaning the session's workspace first.
func (s *Store) Drop(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
