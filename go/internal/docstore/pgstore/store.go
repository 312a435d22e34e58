// Package pgstore backs the document store with a Postgres jsonb table.
// Change notification rides on LISTEN/NOTIFY: a trigger notifies the key on
// every insert or update and the listener re-reads the row.
package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/irfan38431/nerf-showdown/go/internal/docstore"
	"github.com/irfan38431/nerf-showdown/go/internal/sqlutil"
)

//go:embed schema.sql
var schemaSQL string

// NotifyChannel is the channel the schema trigger notifies on.
const NotifyChannel = "scoreboard_documents"

type Config struct {
	DatabaseURL          string        // Postgres DSN for LISTEN/NOTIFY
	MinReconnectInterval time.Duration // listener backoff floor
	MaxReconnectInterval time.Duration // listener backoff ceiling
	PingInterval         time.Duration
	ResyncInterval       time.Duration // how often to re-read subscribed keys for missed notifications
	MaxWriteAttempts     int           // create races retried before giving up
}

func DefaultConfig() Config {
	return Config{
		MinReconnectInterval: 10 * time.Second,
		MaxReconnectInterval: time.Minute,
		PingInterval:         90 * time.Second,
		ResyncInterval:       30 * time.Second,
		MaxWriteAttempts:     3,
	}
}

// Store implements docstore.Store on Postgres.
type Store struct {
	db       *sql.DB
	queries  *Queries
	listener *pq.Listener
	cfg      Config

	mu          sync.Mutex
	subs        map[string]map[int]*docstore.Feed
	lastVersion map[string]uint64
	nextID      int

	cancel context.CancelFunc
	done   chan struct{}
}

var errCreateRaced = errors.New("document created concurrently")

// New opens the notification listener and starts dispatching. The caller
// owns db; Close stops the listener but does not close db.
func New(ctx context.Context, db *sql.DB, cfg Config) (*Store, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnectInterval,
		cfg.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("document listener event")
			}
			if ev == pq.ListenerEventReconnected {
				log.Info().Msg("document listener reconnected")
			}
		},
	)
	if err := l.Listen(NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Store{
		db:          db,
		queries:     newQueries(db),
		listener:    l,
		cfg:         cfg,
		subs:        make(map[string]map[int]*docstore.Feed),
		lastVersion: make(map[string]uint64),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go s.run(runCtx)

	log.Info().
		Str("channel", NotifyChannel).
		Msg("listening for document notifications")

	return s, nil
}

// EnsureSchema creates the documents table and its notify trigger.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return classify(fmt.Errorf("apply schema: %w", err))
	}
	return nil
}

func (s *Store) Read(ctx context.Context, key string) (*docstore.Document, error) {
	row, err := s.queries.GetDocument(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("read %s: %w", key, err))
	}
	return rowToDocument(row)
}

func (s *Store) Write(ctx context.Context, key string, fields docstore.Fields) error {
	_, err := s.mutate(ctx, key, fields, nil)
	return err
}

func (s *Store) WriteIf(ctx context.Context, key string, fields docstore.Fields, version uint64) (uint64, error) {
	return s.mutate(ctx, key, fields, &version)
}

// mutate merges fields under a row lock. Missing rows are inserted; losing
// an insert race retries the whole transaction unless a version was expected.
func (s *Store) mutate(ctx context.Context, key string, fields docstore.Fields, expect *uint64) (uint64, error) {
	attempts := s.cfg.MaxWriteAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		var version uint64
		err := sqlutil.Run(ctx, s.db, nil, newTxQueries, func(q *Queries) error {
			body := docstore.Fields{}
			var current uint64

			row, err := q.GetDocumentForUpdate(ctx, key)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return err
			default:
				current = uint64(row.Version)
				existing, err := decodeBody(row.Body)
				if err != nil {
					return err
				}
				body = existing
			}

			if expect != nil && *expect != current {
				return fmt.Errorf("%w: key %s at version %d, expected %d", docstore.ErrConflict, key, current, *expect)
			}
			if err := docstore.Merge(body, fields); err != nil {
				return err
			}
			encoded, err := json.Marshal(body)
			if err != nil {
				return err
			}

			if current == 0 {
				n, err := q.InsertDocument(ctx, key, encoded)
				if err != nil {
					return err
				}
				if n == 0 {
					return errCreateRaced
				}
				version = 1
				return nil
			}

			next, err := q.UpdateDocument(ctx, key, encoded)
			if err != nil {
				return err
			}
			version = uint64(next)
			return nil
		})

		switch {
		case err == nil:
			return version, nil
		case errors.Is(err, errCreateRaced):
			if expect != nil {
				return 0, fmt.Errorf("%w: key %s created concurrently", docstore.ErrConflict, key)
			}
			lastErr = err
			log.Debug().Str("key", key).Int("attempt", attempt+1).Msg("document create raced, retrying")
			continue
		case errors.Is(err, docstore.ErrConflict):
			return 0, err
		default:
			return 0, classify(fmt.Errorf("write %s: %w", key, err))
		}
	}
	return 0, fmt.Errorf("write %s failed after %d attempts: %w", key, attempts, lastErr)
}

func (s *Store) Subscribe(ctx context.Context, key string, fn func(*docstore.Document)) (docstore.Subscription, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	feed := docstore.NewFeed(fn, func() {
		s.mu.Lock()
		delete(s.subs[key], id)
		if len(s.subs[key]) == 0 {
			delete(s.subs, key)
			delete(s.lastVersion, key)
		}
		s.mu.Unlock()
	})
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]*docstore.Feed)
	}
	s.subs[key][id] = feed
	s.mu.Unlock()

	doc, err := s.Read(ctx, key)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
	case err != nil:
		feed.Close(err)
		return nil, err
	default:
		// dispatch may already have pushed a newer row to this feed; the
		// feed drops this one then.
		s.mu.Lock()
		feed.Push(doc)
		if doc.Version > s.lastVersion[key] {
			s.lastVersion[key] = doc.Version
		}
		s.mu.Unlock()
	}

	go func() {
		select {
		case <-ctx.Done():
			feed.Close(nil)
		case <-feed.Done():
		}
	}()

	return feed, nil
}

func (s *Store) run(ctx context.Context) {
	defer close(s.done)

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	resyncTicker := time.NewTicker(s.cfg.ResyncInterval)
	defer pingTicker.Stop()
	defer resyncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("document listener shutting down")
			return
		case note := <-s.listener.Notify:
			if note == nil {
				// nil notification means the connection was re-established; anything
				// sent in between is lost, so re-read every subscribed key.
				s.resync(ctx)
				continue
			}
			s.dispatch(ctx, note.Extra)
		case <-resyncTicker.C:
			s.resync(ctx)
		case <-pingTicker.C:
			if err := s.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// dispatch re-reads key and pushes it to its subscribers if it is newer than
// what they have already seen.
func (s *Store) dispatch(ctx context.Context, key string) {
	s.mu.Lock()
	_, watched := s.subs[key]
	s.mu.Unlock()
	if !watched {
		return
	}

	doc, err := s.Read(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to fetch notified document")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Version <= s.lastVersion[key] {
		return
	}
	s.lastVersion[key] = doc.Version
	for _, feed := range s.subs[key] {
		feed.Push(doc)
	}
}

func (s *Store) resync(ctx context.Context) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.subs))
	for key := range s.subs {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.dispatch(ctx, key)
	}
}

// Close stops the listener and ends every subscription.
func (s *Store) Close() error {
	s.cancel()
	<-s.done

	s.mu.Lock()
	var feeds []*docstore.Feed
	for _, byID := range s.subs {
		for _, feed := range byID {
			feeds = append(feeds, feed)
		}
	}
	s.mu.Unlock()
	for _, feed := range feeds {
		feed.Close(nil)
	}

	return s.listener.Close()
}

func rowToDocument(row documentRow) (*docstore.Document, error) {
	fields, err := decodeBody(row.Body)
	if err != nil {
		return nil, err
	}
	return &docstore.Document{
		Key:       row.Key,
		Version:   uint64(row.Version),
		Fields:    fields,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// classify marks connection-level failures as docstore.ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	var pqErr *pq.Error
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
	case errors.As(err, &netErr):
	case errors.As(err, &pqErr) && pqErr.Code.Class() == "08":
	default:
		return err
	}
	return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
}

var _ docstore.Store = (*Store)(nil)
