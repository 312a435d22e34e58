// Package scoreboard is one participant in a shared match: it keeps the local
// view, applies the mutation operations and runs its share of the countdown.
package scoreboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/irfan38431/nerf-showdown/go/internal/countdown"
	"github.com/irfan38431/nerf-showdown/go/internal/docstore"
	"github.com/irfan38431/nerf-showdown/go/internal/match"
	"github.com/irfan38431/nerf-showdown/go/internal/syncchan"
)

// Config holds configuration for a scoreboard client
type Config struct {
	Channel   syncchan.Config
	Countdown countdown.Config
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		Channel:   syncchan.DefaultConfig(),
		Countdown: countdown.DefaultConfig(),
	}
}

type options struct {
	id           string
	clock        clockwork.Clock
	onWriteError func(error)
}

// Option customizes a Client.
type Option func(*options)

// WithID names the client; it doubles as the countdown lease holder.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithClock replaces the real clock for the channel and countdown.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithWriteErrorHandler receives publishes that did not reach the store.
func WithWriteErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onWriteError = fn }
}

// Client is one participant in the shared match.
type Client struct {
	id   string
	ch   *syncchan.Channel
	auth *countdown.Authority

	mu        sync.RWMutex
	state     match.State
	synced    bool
	listeners map[int]func(match.State)
	nextID    int
}

// New creates a client over store. Nothing touches the store until Run.
func New(store docstore.Store, cfg Config, opts ...Option) *Client {
	o := options{
		id:    uuid.New().String()[:8],
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		id:        o.id,
		state:     match.Default(),
		listeners: make(map[int]func(match.State)),
	}

	chOpts := []syncchan.Option{syncchan.WithClock(o.clock)}
	if o.onWriteError != nil {
		chOpts = append(chOpts, syncchan.WithWriteErrorHandler(o.onWriteError))
	}
	c.ch = syncchan.New(store, cfg.Channel, chOpts...)
	c.auth = countdown.New(c.ch, cfg.Countdown, countdown.WithClock(o.clock), countdown.WithHolder(o.id))
	return c
}

// ID returns the client name.
func (c *Client) ID() string { return c.id }

// Run initializes the match if needed, subscribes to it and runs the
// countdown until ctx is done. The subscription is released on every exit.
func (c *Client) Run(ctx context.Context) error {
	defer c.ch.Close()

	if err := c.ch.EnsureInitialized(ctx); err != nil {
		return fmt.Errorf("initialize match %s: %w", c.ch.Key(), err)
	}

	cancel, err := c.ch.Subscribe(ctx, c.observe)
	if err != nil {
		return fmt.Errorf("subscribe to match %s: %w", c.ch.Key(), err)
	}
	defer cancel()

	log.Info().Str("client", c.id).Str("key", c.ch.Key()).Msg("scoreboard client running")
	return c.auth.Run(ctx)
}

// observe replaces the local view with a store snapshot.
func (c *Client) observe(s match.State) {
	c.mu.Lock()
	c.state = s
	c.synced = true
	c.mu.Unlock()

	c.auth.Observe(s)
	c.notify(s)
}

// State returns a copy of the local view.
func (c *Client) State() match.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// View returns the UI projection of the local view.
func (c *Client) View() match.View {
	return match.Project(c.State())
}

// Synced reports whether at least one snapshot has arrived from the store.
func (c *Client) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// TimerPhase reports the local countdown phase.
func (c *Client) TimerPhase() countdown.Phase {
	return c.auth.Phase()
}

// OnChange registers fn for every local view change, optimistic or from the
// store. fn runs on the goroutine that made the change and must not block.
// The returned func removes the listener.
func (c *Client) OnChange(fn func(match.State)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) notify(s match.State) {
	c.mu.RLock()
	fns := make([]func(match.State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(s.Clone())
	}
}

// AdjustScore adds delta to one player's score, flooring at zero, and
// publishes that team's whole score array.
func (c *Client) AdjustScore(team match.Team, slot, delta int) error {
	if _, err := match.ParseTeam(string(team)); err != nil {
		return err
	}

	c.mu.Lock()
	slots := c.state.Scores[team]
	if slot < 0 || slot >= len(slots) {
		c.mu.Unlock()
		return fmt.Errorf("%w: slot %d out of range for team %s with %d players", match.ErrInvalidInput, slot, team, len(slots))
	}
	next := append([]int(nil), slots...)
	next[slot] = max(0, next[slot]+delta)
	u := match.Update{Scores: map[match.Team][]int{team: next}}
	s := c.applyLocked(u)
	c.mu.Unlock()

	c.publish(u, s)
	return nil
}

// ResetScores zeroes every slot of both teams.
func (c *Client) ResetScores() {
	c.mu.Lock()
	u := match.Update{Scores: match.ZeroScores(c.state.Mode)}
	s := c.applyLocked(u)
	c.mu.Unlock()

	c.publish(u, s)
}

// ResetTimer stops the countdown and puts it back to the full match length.
func (c *Client) ResetTimer() {
	c.auth.Reset()
	c.update(match.TimerReset())
}

// SetMode switches the team format. Scores are zeroed for the new roster and
// the timer is reset in the same write.
func (c *Client) SetMode(mode match.Mode) error {
	if _, err := match.ParseMode(string(mode)); err != nil {
		return err
	}
	c.auth.Reset()
	c.update(match.ModeSwitch(mode))
	return nil
}

// ToggleRunning starts or pauses the countdown.
func (c *Client) ToggleRunning() {
	c.mu.Lock()
	u := match.SetRunning(!c.state.IsRunning)
	s := c.applyLocked(u)
	c.mu.Unlock()

	c.publish(u, s)
}

func (c *Client) update(u match.Update) {
	c.mu.Lock()
	s := c.applyLocked(u)
	c.mu.Unlock()

	c.publish(u, s)
}

func (c *Client) applyLocked(u match.Update) match.State {
	c.state = u.Apply(c.state)
	return c.state.Clone()
}

func (c *Client) publish(u match.Update, s match.State) {
	c.notify(s)
	c.ch.Publish(u)
}
