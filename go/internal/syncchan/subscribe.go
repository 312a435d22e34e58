package syncchan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/irfan38431/nerf-showdown/go/internal/docstore"
	"github.com/irfan38431/nerf-showdown/go/internal/match"
)

// Subscribe delivers every decoded snapshot of the match to onChange, in
// store order. Undecodable snapshots are logged and skipped. When the store
// drops the subscription for connectivity reasons it is reopened with a
// linear backoff; onChange simply sees no calls until then.
//
// The returned cancel releases the store subscription and waits for the
// supervisor to exit. It is safe to call more than once.
func (c *Channel) Subscribe(ctx context.Context, onChange func(match.State)) (func(), error) {
	deliver := func(doc *docstore.Document) {
		state, err := match.Decode(doc.Fields)
		if err != nil {
			log.Warn().Err(err).
				Str("key", doc.Key).
				Uint64("version", doc.Version).
				Msg("skipping undecodable match snapshot")
			return
		}
		onChange(state)
	}

	sub, err := c.store.Subscribe(ctx, c.cfg.Key, deliver)
	if err != nil {
		return nil, c.wrapRead(err)
	}

	subCtx, stop := context.WithCancel(ctx)
	s := &supervisor{
		ch:      c,
		current: sub,
		deliver: deliver,
		done:    make(chan struct{}),
	}
	go s.run(subCtx)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			s.release()
			<-s.done
		})
	}
	return cancel, nil
}

type supervisor struct {
	ch      *Channel
	deliver func(*docstore.Document)
	done    chan struct{}

	mu      sync.Mutex
	current docstore.Subscription
}

func (s *supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.release()

	key := s.ch.cfg.Key
	for {
		sub := s.subscription()
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
		}

		err := sub.Err()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, docstore.ErrUnavailable) {
			log.Error().Err(err).Str("key", key).Msg("match subscription ended")
			return
		}
		log.Warn().Err(err).Str("key", key).Msg("match subscription lost, reconnecting")

		next, ok := s.reopen(ctx)
		if !ok {
			return
		}
		s.mu.Lock()
		s.current = next
		s.mu.Unlock()
		log.Info().Str("key", key).Msg("match subscription restored")
	}
}

// reopen retries Subscribe until it succeeds or ctx ends.
func (s *supervisor) reopen(ctx context.Context) (docstore.Subscription, bool) {
	cfg := s.ch.cfg
	for attempt := 1; ; attempt++ {
		delay := backoff(cfg.RetryDelay, cfg.MaxRetryDelay, attempt)
		select {
		case <-ctx.Done():
			return nil, false
		case <-s.ch.clock.After(delay):
		}

		sub, err := s.ch.store.Subscribe(ctx, cfg.Key, s.deliver)
		if err == nil {
			return sub, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		log.Debug().Err(err).
			Str("key", cfg.Key).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("resubscribe failed")
	}
}

func (s *supervisor) subscription() docstore.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *supervisor) release() {
	if sub := s.subscription(); sub != nil {
		sub.Unsubscribe()
	}
}

// backoff grows linearly with attempt and is capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base * time.Duration(attempt)
	if max > 0 && d > max {
		return max
	}
	return d
}
