package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// MemoryStore is an in-process Store. Writes are serialized by one mutex, so
// subscribers see the same total order of versions. Disconnect and Reconnect
// simulate connectivity loss.
type MemoryStore struct {
	clock clockwork.Clock

	mu     sync.Mutex
	docs   map[string]*Document
	subs   map[string]map[int]*Feed
	nextID int
	down   bool
}

// NewMemoryStore creates an empty store stamped with the real clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clockwork.NewRealClock())
}

// NewMemoryStoreWithClock creates an empty store stamped with clock.
func NewMemoryStoreWithClock(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock: clock,
		docs:  make(map[string]*Document),
		subs:  make(map[string]map[int]*Feed),
	}
}

func (s *MemoryStore) Read(ctx context.Context, key string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return nil, ErrUnavailable
	}
	doc, ok := s.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Write(ctx context.Context, key string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return ErrUnavailable
	}
	_, err := s.applyLocked(key, fields)
	return err
}

func (s *MemoryStore) WriteIf(ctx context.Context, key string, fields Fields, version uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return 0, ErrUnavailable
	}

	var current uint64
	if doc, ok := s.docs[key]; ok {
		current = doc.Version
	}
	if current != version {
		return 0, fmt.Errorf("%w: key %s at version %d, expected %d", ErrConflict, key, current, version)
	}
	return s.applyLocked(key, fields)
}

func (s *MemoryStore) applyLocked(key string, fields Fields) (uint64, error) {
	doc, ok := s.docs[key]
	if !ok {
		doc = &Document{Key: key, Fields: Fields{}}
	}
	next := doc.Clone()
	if err := Merge(next.Fields, fields); err != nil {
		return 0, err
	}
	next.Version++
	next.UpdatedAt = s.clock.Now()
	s.docs[key] = next

	for _, feed := range s.subs[key] {
		feed.Push(next)
	}
	return next.Version, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, key string, fn func(*Document)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return nil, ErrUnavailable
	}

	s.nextID++
	id := s.nextID
	feed := NewFeed(fn, func() {
		s.mu.Lock()
		delete(s.subs[key], id)
		if len(s.subs[key]) == 0 {
			delete(s.subs, key)
		}
		s.mu.Unlock()
	})

	if s.subs[key] == nil {
		s.subs[key] = make(map[int]*Feed)
	}
	s.subs[key][id] = feed

	if doc, ok := s.docs[key]; ok {
		feed.Push(doc)
	}

	go func() {
		select {
		case <-ctx.Done():
			feed.Close(nil)
		case <-feed.Done():
		}
	}()

	log.Debug().Str("key", key).Int("subscription_id", id).Msg("memory subscription opened")
	return feed, nil
}

// Disconnect fails every open subscription with ErrUnavailable and makes all
// operations fail until Reconnect.
func (s *MemoryStore) Disconnect() {
	s.mu.Lock()
	s.down = true
	var feeds []*Feed
	for _, byID := range s.subs {
		for _, feed := range byID {
			feeds = append(feeds, feed)
		}
	}
	s.mu.Unlock()

	// Close runs onClose, which takes the lock.
	for _, feed := range feeds {
		feed.Close(fmt.Errorf("%w: disconnected", ErrUnavailable))
	}
}

// Reconnect restores service after Disconnect.
func (s *MemoryStore) Reconnect() {
	s.mu.Lock()
	s.down = false
	s.mu.Unlock()
}

// Subscribers returns the number of open subscriptions on key.
func (s *MemoryStore) Subscribers(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[key])
}

// Seed replaces a document outright, bumping its version. Intended for tests
// and local tools.
func (s *MemoryStore) Seed(key string, fields Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version uint64
	if doc, ok := s.docs[key]; ok {
		version = doc.Version
	}
	doc := &Document{Key: key, Version: version + 1, Fields: Fields{}, UpdatedAt: s.clock.Now()}
	for k, v := range fields {
		doc.Fields[k] = append([]byte(nil), v...)
	}
	s.docs[key] = doc
	for _, feed := range s.subs[key] {
		feed.Push(doc)
	}
}

var _ Store = (*MemoryStore)(nil)
