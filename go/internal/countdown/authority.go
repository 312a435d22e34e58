// Package countdown turns the shared isRunning/timeLeft pair into one
// authoritative second-by-second progression. Every client runs an
// Authority; under the lease policy only the lease holder ticks and writes,
// the rest observe and take over when the holder's lease lapses.
package countdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/irfan38431/nerf-showdown/go/internal/match"
)

// Phase is the authority's position in the countdown state machine.
type Phase int

const (
	Idle Phase = iota
	Active
	Expired
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Policy selects how concurrent clients share the countdown.
type Policy string

const (
	// PolicyLease lets only the holder of the authority lease write ticks.
	PolicyLease Policy = "lease"
	// PolicyIndependent makes every running client tick and write on its
	// own schedule. Clients drift apart and overwrite each other; kept for
	// single-client deployments.
	PolicyIndependent Policy = "independent"
)

// ParsePolicy converts a config value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyLease, PolicyIndependent:
		return Policy(s), nil
	case "":
		return PolicyLease, nil
	default:
		return "", fmt.Errorf("unknown countdown policy %q", s)
	}
}

// Channel is the part of the synchronization channel the authority writes
// through.
type Channel interface {
	Write(ctx context.Context, u match.Update) error
	Tick(ctx context.Context, expect, next int) (bool, error)
	AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, holder string) error
}

// Config holds configuration for the countdown authority
type Config struct {
	TickInterval time.Duration
	LeaseTTL     time.Duration // must exceed TickInterval so a live holder renews in time
	Policy       Policy
	WriteTimeout time.Duration
}

// DefaultConfig returns default countdown configuration
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		LeaseTTL:     3 * time.Second,
		Policy:       PolicyLease,
		WriteTimeout: 2 * time.Second,
	}
}

// Option customizes an Authority.
type Option func(*Authority)

// WithClock replaces the real clock. In tests, a FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(a *Authority) { a.clock = clock }
}

// WithHolder sets the lease holder name, a random short ID by default.
func WithHolder(holder string) Option {
	return func(a *Authority) { a.holder = holder }
}

// Authority runs one client's share of the countdown.
type Authority struct {
	ch     Channel
	cfg    Config
	clock  clockwork.Clock
	holder string
	wakeCh chan struct{}

	mu       sync.Mutex
	phase    Phase
	timeLeft int
	leased   bool
}

// New creates an authority in the Idle phase.
func New(ch Channel, cfg Config, opts ...Option) *Authority {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.LeaseTTL <= cfg.TickInterval {
		cfg.LeaseTTL = 3 * cfg.TickInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyLease
	}
	a := &Authority{
		ch:       ch,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		holder:   uuid.New().String()[:8],
		wakeCh:   make(chan struct{}, 1),
		timeLeft: match.StartTime,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Holder returns the name this authority takes the lease under.
func (a *Authority) Holder() string { return a.holder }

// Phase returns the current phase.
func (a *Authority) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// TimeLeft returns the local countdown value.
func (a *Authority) TimeLeft() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeLeft
}

// Observe feeds a snapshot from the store. The snapshot replaces the local
// countdown value and drives the phase transitions.
func (a *Authority) Observe(s match.State) {
	a.mu.Lock()
	prev := a.phase
	a.timeLeft = s.TimeLeft
	switch {
	case s.IsRunning && s.TimeLeft > 0:
		a.phase = Active
	case s.IsRunning:
		a.phase = Expired
	case s.TimeLeft > 0:
		a.phase = Idle
	case a.phase == Active:
		a.phase = Idle
	}
	next := a.phase
	a.mu.Unlock()

	if prev != next {
		log.Debug().
			Str("holder", a.holder).
			Stringer("from", prev).
			Stringer("to", next).
			Int("time_left", s.TimeLeft).
			Msg("countdown phase changed")
	}
	a.wake()
}

// Reset returns to Idle with a full clock, as after a timer reset or mode
// switch. The next observed snapshot confirms the stored values.
func (a *Authority) Reset() {
	a.mu.Lock()
	a.phase = Idle
	a.timeLeft = match.StartTime
	a.mu.Unlock()
	a.wake()
}

func (a *Authority) wake() {
	select {
	case a.wakeCh <- struct{}{}:
	default:
	}
}

// Run ticks while Active until ctx is done. A held lease is released on
// every exit from Active and when Run returns.
func (a *Authority) Run(ctx context.Context) error {
	log.Info().
		Str("holder", a.holder).
		Str("policy", string(a.cfg.Policy)).
		Msg("countdown authority started")

	var ticker clockwork.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		a.releaseLease(context.Background())
		log.Info().Str("holder", a.holder).Msg("countdown authority stopped")
	}()

	for {
		active := a.Phase() == Active
		switch {
		case active && ticker == nil:
			ticker = a.clock.NewTicker(a.cfg.TickInterval)
		case !active && ticker != nil:
			ticker.Stop()
			ticker = nil
		}
		if !active {
			a.releaseLease(ctx)
		}

		var tickCh <-chan time.Time
		if ticker != nil {
			tickCh = ticker.Chan()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-a.wakeCh:
		case <-tickCh:
			a.tick(ctx)
		}
	}
}

// tick performs one countdown step: decrement, write, and expire at zero.
// A reset or newer snapshot seen at any point before the write cancels it.
func (a *Authority) tick(ctx context.Context) {
	current, ok := a.activeAt(-1)
	if !ok {
		return
	}
	next := max(current-1, 0)

	if a.cfg.Policy == PolicyLease && !a.holdLease(ctx) {
		return
	}
	if _, ok := a.activeAt(current); !ok {
		log.Debug().Str("holder", a.holder).Int("time_left", current).Msg("countdown moved on during lease renewal, skipping tick")
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	wrote, err := a.write(writeCtx, current, next)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("holder", a.holder).Int("time_left", next).Msg("failed to write countdown tick")
		return
	}
	if !wrote {
		log.Debug().Str("holder", a.holder).Int("time_left", current).Msg("stored countdown moved on, skipping tick")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != Active || a.timeLeft != current {
		return
	}
	a.timeLeft = next
	if next == 0 {
		a.phase = Expired
		log.Info().Str("holder", a.holder).Msg("countdown expired")
	}
}

// activeAt returns the local countdown value when Active. With want >= 0 it
// also requires the value to still equal want.
func (a *Authority) activeAt(want int) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != Active || (want >= 0 && a.timeLeft != want) {
		return 0, false
	}
	return a.timeLeft, true
}

// write stores the decrement. The lease holder writes conditionally on the
// record still showing current; the independent policy writes blindly.
func (a *Authority) write(ctx context.Context, current, next int) (bool, error) {
	if a.cfg.Policy == PolicyIndependent {
		return true, a.ch.Write(ctx, match.SetTimeLeft(next))
	}
	return a.ch.Tick(ctx, current, next)
}

// holdLease takes or renews the authority lease.
func (a *Authority) holdLease(ctx context.Context) bool {
	ok, err := a.ch.AcquireLease(ctx, a.holder, a.cfg.LeaseTTL)
	if err != nil {
		log.Warn().Err(err).Str("holder", a.holder).Msg("failed to acquire countdown lease")
		ok = false
	}

	a.mu.Lock()
	changed := a.leased != ok
	a.leased = ok
	a.mu.Unlock()

	if changed && ok {
		log.Info().Str("holder", a.holder).Msg("took countdown authority")
	}
	return ok
}

func (a *Authority) releaseLease(ctx context.Context) {
	a.mu.Lock()
	held := a.leased
	a.leased = false
	a.mu.Unlock()
	if !held {
		return
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.WriteTimeout)
	defer cancel()
	if err := a.ch.ReleaseLease(releaseCtx, a.holder); err != nil {
		log.Warn().Err(err).Str("holder", a.holder).Msg("failed to release countdown lease")
		return
	}
	log.Debug().Str("holder", a.holder).Msg("released countdown authority")
}
