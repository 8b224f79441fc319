package store

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"

	"quickapi/internal/client/models"
)

// ErrNotFound is returned when a client does not exist.
var ErrNotFound = errors.New("client not found")

// InMemoryStore keeps clients in process memory. Used for development and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	clients map[string]*models.Client
}

// NewInMemoryStore creates a store holding clients.
func NewInMemoryStore(clients ...*models.Client) *InMemoryStore {
	s := &InMemoryStore{clients: make(map[string]*models.Client, len(clients))}
	for _, c := range clients {
		if c != nil {
			s.clients[c.ID] = clone(c)
		}
	}
	return s
}

// FindByID returns a copy of the client, or ErrNotFound.
func (s *InMemoryStore) FindByID(_ context.Context, id string) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// List returns every client ordered by ID.
func (s *InMemoryStore) List(_ context.Context) ([]*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Client, 0, len(s.clients))
	for _, id := range slices.Sorted(maps.Keys(s.clients)) {
		out = append(out, clone(s.clients[id]))
	}
	return out, nil
}

// Save inserts or replaces c.
func (s *InMemoryStore) Save(_ context.Context, c *models.Client) error {
	if err := validate(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = clone(c)
	return nil
}

// Delete removes the client. Missing clients are ignored.
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
	return nil
}

func validate(c *models.Client) error {
	if c == nil {
		return errors.New("client is required")
	}
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("client id is required")
	}
	return nil
}

// clone copies c deeply enough that callers cannot mutate stored state.
func clone(c *models.Client) *models.Client {
	cp := *c
	cp.APIs = make(map[string]models.APIConfig, len(c.APIs))
	for k, v := range c.APIs {
		v.AllowedHosts = slices.Clone(v.AllowedHosts)
		cp.APIs[k] = v
	}
	return &cp
}
