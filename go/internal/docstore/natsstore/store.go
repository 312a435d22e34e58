// Package natsstore backs the document store with a JetStream key-value
// bucket. Revisions serve as document versions and KV watches as push.
package natsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/irfan38431/nerf-showdown/go/internal/docstore"
)

// Config holds configuration for the KV-backed store
type Config struct {
	URL              string
	Bucket           string
	MaxReconnects    int
	ReconnectWait    time.Duration
	MaxWriteAttempts int // optimistic merge retries on revision conflicts
}

// DefaultConfig returns default KV store configuration
func DefaultConfig() Config {
	return Config{
		URL:              nats.DefaultURL,
		Bucket:           "SCOREBOARD",
		MaxReconnects:    -1, // Infinite
		ReconnectWait:    2 * time.Second,
		MaxWriteAttempts: 5,
	}
}

// Store implements docstore.Store on a JetStream KeyValue bucket.
type Store struct {
	nc  *nats.Conn
	kv  jetstream.KeyValue
	cfg Config

	mu     sync.Mutex
	feeds  map[int]*docstore.Feed
	nextID int
}

// New connects to NATS and creates or updates the bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	s := &Store{
		cfg:   cfg,
		feeds: make(map[int]*docstore.Feed),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			s.closeFeeds(fmt.Errorf("%w: NATS connection closed", docstore.ErrUnavailable))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to NATS: %v", docstore.ErrUnavailable, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Live scoreboard documents",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("url", nc.ConnectedUrl()).
		Msg("using JetStream key-value bucket")

	s.nc = nc
	s.kv = kv
	return s, nil
}

func (s *Store) Read(ctx context.Context, key string) (*docstore.Document, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, s.classify(fmt.Errorf("get %s: %w", key, err))
	}
	return entryToDocument(entry)
}

func (s *Store) Write(ctx context.Context, key string, fields docstore.Fields) error {
	attempts := s.cfg.MaxWriteAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		current, err := s.Read(ctx, key)
		var version uint64
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			current = &docstore.Document{Key: key, Fields: docstore.Fields{}}
		case err != nil:
			return err
		default:
			version = current.Version
		}

		_, err = s.put(ctx, current, fields, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return err
		}
		lastErr = err
		log.Debug().Str("key", key).Int("attempt", attempt+1).Msg("revision moved under merge, retrying")
	}
	return fmt.Errorf("write %s failed after %d attempts: %w", key, attempts, lastErr)
}

func (s *Store) WriteIf(ctx context.Context, key string, fields docstore.Fields, version uint64) (uint64, error) {
	current, err := s.Read(ctx, key)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		current = &docstore.Document{Key: key, Fields: docstore.Fields{}}
	case err != nil:
		return 0, err
	}
	if current.Version != version {
		return 0, fmt.Errorf("%w: key %s at revision %d, expected %d", docstore.ErrConflict, key, current.Version, version)
	}
	return s.put(ctx, current, fields, version)
}

// put merges fields into current and stores it, guarded by revision.
func (s *Store) put(ctx context.Context, current *docstore.Document, fields docstore.Fields, revision uint64) (uint64, error) {
	merged := current.Clone().Fields
	if err := docstore.Merge(merged, fields); err != nil {
		return 0, err
	}
	value, err := json.Marshal(merged)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", current.Key, err)
	}

	var next uint64
	if revision == 0 {
		next, err = s.kv.Create(ctx, current.Key, value)
	} else {
		next, err = s.kv.Update(ctx, current.Key, value, revision)
	}
	if err != nil {
		if isConflict(err) {
			return 0, fmt.Errorf("%w: key %s moved past revision %d", docstore.ErrConflict, current.Key, revision)
		}
		return 0, s.classify(fmt.Errorf("put %s: %w", current.Key, err))
	}
	return next, nil
}

func (s *Store) Subscribe(ctx context.Context, key string, fn func(*docstore.Document)) (docstore.Subscription, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := s.kv.Watch(watchCtx, key)
	if err != nil {
		cancel()
		return nil, s.classify(fmt.Errorf("watch %s: %w", key, err))
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	feed := docstore.NewFeed(fn, func() {
		cancel()
		if err := watcher.Stop(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Debug().Err(err).Str("key", key).Msg("failed to stop watcher")
		}
		s.mu.Lock()
		delete(s.feeds, id)
		s.mu.Unlock()
	})
	s.feeds[id] = feed
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-watchCtx.Done():
				feed.Close(nil)
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					if watchCtx.Err() != nil {
						feed.Close(nil)
					} else {
						feed.Close(fmt.Errorf("%w: watch on %s ended", docstore.ErrUnavailable, key))
					}
					return
				}
				// nil marks the end of the initial values
				if entry == nil || entry.Operation() != jetstream.KeyValuePut {
					continue
				}
				doc, err := entryToDocument(entry)
				if err != nil {
					log.Error().Err(err).Str("key", key).Msg("skipping undecodable entry")
					continue
				}
				feed.Push(doc)
			}
		}
	}()

	return feed, nil
}

// Close drains the NATS connection; open subscriptions end with ErrUnavailable.
func (s *Store) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

// Connected reports the NATS connection state.
func (s *Store) Connected() bool {
	return s.nc != nil && s.nc.IsConnected()
}

func (s *Store) closeFeeds(err error) {
	s.mu.Lock()
	feeds := make([]*docstore.Feed, 0, len(s.feeds))
	for _, feed := range s.feeds {
		feeds = append(feeds, feed)
	}
	s.mu.Unlock()

	for _, feed := range feeds {
		feed.Close(err)
	}
}

func (s *Store) classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
	case s.nc != nil && !s.nc.IsConnected():
		return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
	default:
		return err
	}
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func entryToDocument(entry jetstream.KeyValueEntry) (*docstore.Document, error) {
	fields := docstore.Fields{}
	if err := json.Unmarshal(entry.Value(), &fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", entry.Key(), err)
	}
	return &docstore.Document{
		Key:       entry.Key(),
		Version:   entry.Revision(),
		Fields:    fields,
		UpdatedAt: entry.Created(),
	}, nil
}

var _ docstore.Store = (*Store)(nil)
