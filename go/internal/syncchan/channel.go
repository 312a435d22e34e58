// Package syncchan bridges one client's view of the match to the shared
// document store: it creates the record on first sight, keeps a push
// subscription open and sends partial updates.
package syncchan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/irfan38431/nerf-showdown/go/internal/docstore"
	"github.com/irfan38431/nerf-showdown/go/internal/match"
)

var (
	// ErrStoreUnavailable is returned when the store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrWriteFailed is reported when a publish did not reach the store.
	ErrWriteFailed = errors.New("write failed")
)

// DefaultKey is the match identifier of the single shared game.
const DefaultKey = "nerf-war"

// Config holds configuration for a synchronization channel
type Config struct {
	Key           string        // document key of the match
	RetryDelay    time.Duration // base delay for subscription retries, multiplied by attempt
	MaxRetryDelay time.Duration // cap for subscription retry delay
	WriteTimeout  time.Duration // per-publish timeout
}

// DefaultConfig returns default channel configuration
func DefaultConfig() Config {
	return Config{
		Key:           DefaultKey,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

// Option customizes a Channel.
type Option func(*Channel)

// WithClock replaces the real clock, used for retry backoff.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Channel) { c.clock = clock }
}

// WithWriteErrorHandler receives every failed publish. It runs on the
// channel's writer goroutine and must not block.
func WithWriteErrorHandler(fn func(error)) Option {
	return func(c *Channel) { c.onWriteError = fn }
}

// Channel is one client's link to the shared match record.
type Channel struct {
	store        docstore.Store
	cfg          Config
	clock        clockwork.Clock
	onWriteError func(error)

	mu      sync.Mutex
	pending []match.Update
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	leaseMu     sync.Mutex
	leaseSeen   uint64
	leaseSeenAt time.Time
}

// New creates a channel and starts its publish writer.
func New(store docstore.Store, cfg Config, opts ...Option) *Channel {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	c := &Channel{
		store: store,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.writer()
	return c
}

// Key returns the match document key.
func (c *Channel) Key() string { return c.cfg.Key }

// EnsureInitialized writes the default match when the record is missing.
// Several clients may race here; the default is identical whoever wins, so
// losing the creation race counts as success.
func (c *Channel) EnsureInitialized(ctx context.Context) error {
	_, err := c.store.Read(ctx, c.cfg.Key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docstore.ErrNotFound):
	default:
		return c.wrapRead(err)
	}

	fields, err := match.Default().Fields()
	if err != nil {
		return err
	}
	_, err = c.store.WriteIf(ctx, c.cfg.Key, fields, 0)
	switch {
	case err == nil:
		log.Info().Str("key", c.cfg.Key).Msg("created default match")
		return nil
	case errors.Is(err, docstore.ErrConflict):
		log.Debug().Str("key", c.cfg.Key).Msg("match created concurrently by another client")
		return nil
	default:
		return c.wrapRead(err)
	}
}

// Publish queues a partial update and returns immediately. Updates from one
// channel reach the store in call order. Failures go to the write error
// handler as ErrWriteFailed and are not retried, since re-sending a stale
// delta could overwrite a newer value.
func (c *Channel) Publish(u match.Update) {
	if u.IsEmpty() {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.reportWriteError(fmt.Errorf("%w: channel closed", ErrWriteFailed))
		return
	}
	c.pending = append(c.pending, u)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Write sends a partial update and waits for the store to acknowledge it.
func (c *Channel) Write(ctx context.Context, u match.Update) error {
	fields, err := u.Fields()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if err := c.store.Write(ctx, c.cfg.Key, fields); err != nil {
		if errors.Is(err, docstore.ErrUnavailable) {
			return fmt.Errorf("%w: %w: %w", ErrWriteFailed, ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// Close flushes queued publishes and stops the writer.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	<-c.done
}

func (c *Channel) writer() {
	defer close(c.done)
	for {
		<-c.wake
		for {
			c.mu.Lock()
			if len(c.pending) == 0 {
				closed := c.closed
				c.mu.Unlock()
				if closed {
					return
				}
				break
			}
			u := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
			err := c.Write(ctx, u)
			cancel()
			if err != nil {
				c.reportWriteError(err)
			}
		}
	}
}

func (c *Channel) reportWriteError(err error) {
	log.Error().Err(err).Str("key", c.cfg.Key).Msg("failed to publish match update")
	if c.onWriteError != nil {
		c.onWriteError(err)
	}
}

func (c *Channel) wrapRead(err error) error {
	if errors.Is(err, docstore.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

// Tick writes timeLeft = next only if the stored match is still running at
// expect. It reports false when the record has moved on, e.g. a reset or a
// tick from another writer landed first. The write is conditional on the
// version read, so a reset racing the tick wins.
func (c *Channel) Tick(ctx context.Context, expect, next int) (bool, error) {
	doc, err := c.store.Read(ctx, c.cfg.Key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrWriteFailed, c.wrapRead(err))
	}
	current, err := match.Decode(doc.Fields)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if !current.IsRunning || current.TimeLeft != expect {
		return false, nil
	}

	fields, err := match.SetTimeLeft(next).Fields()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	_, err = c.store.WriteIf(ctx, c.cfg.Key, fields, doc.Version)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, docstore.ErrConflict):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %w", ErrWriteFailed, c.wrapRead(err))
	}
}
