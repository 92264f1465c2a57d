package recording

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// ErrNotFound is returned when a recording ID is unknown.
var ErrNotFound = errors.New("recording not found")

// Store keeps recordings in memory in arrival order.
type Store struct {
	mu         sync.RWMutex
	recordings []*Recording
	byID       map[string]*Recording
	limit      int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLimit caps the number of recordings kept; the oldest are evicted first.
// Zero means unlimited.
func WithLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{byID: make(map[string]*Recording)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add appends r, evicting the oldest recording when the store is full.
func (s *Store) Add(r *Recording) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limit > 0 && len(s.recordings) >= s.limit {
		oldest := s.recordings[0]
		delete(s.byID, oldest.ID)
		s.recordings = s.recordings[1:]
	}
	s.recordings = append(s.recordings, r)
	s.byID[r.ID] = r
}

// Get returns a recording by ID.
func (s *Store) Get(id string) (*Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// Len returns the number of stored recordings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recordings)
}

// Clear removes every recording.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings = nil
	s.byID = make(map[string]*Recording)
}

// Filter specifies criteria for listing recordings.
type Filter struct {
	URLContains string
	FailedOnly  bool
	Limit       int
	Offset      int
}

// List returns recordings matching filter in arrival order, along with the
// total number of matches before paging.
func (s *Store) List(filter Filter) ([]*Recording, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*Recording
	for _, r := range s.recordings {
		if filter.URLContains != "" && !strings.Contains(r.URL, filter.URLContains) {
			continue
		}
		if filter.FailedOnly && !r.Failed() {
			continue
		}
		all = append(all, r)
	}

	total := len(all)
	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return nil, total
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, total
}

// Export writes every recording as an indented JSON array.
func (s *Store) Export(w io.Writer) error {
	s.mu.RLock()
	recordings := make([]*Recording, len(s.recordings))
	copy(recordings, s.recordings)
	s.mu.RUnlock()

	if recordings == nil {
		recordings = []*Recording{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(recordings); err != nil {
		return fmt.Errorf("encoding recordings: %w", err)
	}
	return nil
}

// SaveFile exports the store to path.
func (s *Store) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := s.Export(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads recordings previously written by SaveFile.
func LoadFile(path string) ([]*Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var recordings []*Recording
	if err := json.Unmarshal(data, &recordings); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return recordings, nil
}
