package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps both collections in process memory. It backs tests and
// single-node setups that do not need durability.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]*UserRecord
	searches []*SearchRecord
	ids      map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*UserRecord),
		ids:   make(map[string]struct{}),
	}
}

func (s *MemoryStore) UpsertUser(_ context.Context, u UserUpsert) (*UserRecord, error) {
	if err := prepareUpsert(&u); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[u.Key]
	if !ok {
		rec = &UserRecord{Key: u.Key, FirstSeen: u.SeenAt, LastSeen: u.SeenAt}
		s.users[u.Key] = rec
	}
	rec.Count++
	if u.SeenAt.After(rec.LastSeen) {
		rec.LastSeen = u.SeenAt
	}
	if u.Name != "" {
		rec.Name = u.Name
	}
	if u.Email != "" {
		rec.Email = u.Email
	}

	cpy := *rec
	return &cpy, nil
}

func (s *MemoryStore) InsertSearch(_ context.Context, rec *SearchRecord) (string, error) {
	if err := prepareSearch(rec); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[rec.UserKey]; !ok {
		return "", ErrNotFound
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	// A repeated id is a retry of a write that already landed.
	if _, dup := s.ids[rec.ID]; dup {
		return rec.ID, nil
	}
	s.ids[rec.ID] = struct{}{}
	cpy := *rec
	s.searches = append(s.searches, &cpy)
	return rec.ID, nil
}

func (s *MemoryStore) GetUser(_ context.Context, key string) (*UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[key]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *rec
	return &cpy, nil
}

func (s *MemoryStore) ListSearches(_ context.Context, filter SearchFilter) ([]*SearchRecord, error) {
	filter = filter.normalized()

	s.mu.Lock()
	matched := make([]*SearchRecord, 0, len(s.searches))
	for _, rec := range s.searches {
		if filter.matches(rec) {
			cpy := *rec
			matched = append(matched, &cpy)
		}
	}
	s.mu.Unlock()

	// Newest first
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filter.Offset >= len(matched) {
		return []*SearchRecord{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
