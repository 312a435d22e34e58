package countdown

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/irfan38431/nerf-showdown/go/internal/docstore"
	"github.com/irfan38431/nerf-showdown/go/internal/match"
	"github.com/irfan38431/nerf-showdown/go/internal/syncchan"
)

type rig struct {
	t     *testing.T
	ctx   context.Context
	clock *clockwork.FakeClock
	store *docstore.MemoryStore
	ch    *syncchan.Channel
}

func newRig(t *testing.T, start match.State) *rig {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClock()
	store := docstore.NewMemoryStoreWithClock(clock)
	ch := syncchan.New(store, syncchan.DefaultConfig(), syncchan.WithClock(clock))
	t.Cleanup(ch.Close)

	if err := ch.EnsureInitialized(ctx); err != nil {
		t.Fatal(err)
	}
	u := match.Update{TimeLeft: &start.TimeLeft, IsRunning: &start.IsRunning}
	if err := ch.Write(ctx, u); err != nil {
		t.Fatal(err)
	}
	return &rig{t: t, ctx: ctx, clock: clock, store: store, ch: ch}
}

type client struct {
	auth   *Authority
	cancel context.CancelFunc
	done   chan struct{}
}

// start runs an authority named holder, fed by its own subscription.
func (r *rig) start(holder string, policy Policy) *client {
	r.t.Helper()
	cfg := DefaultConfig()
	cfg.Policy = policy
	auth := New(r.ch, cfg, WithClock(r.clock), WithHolder(holder))

	ctx, cancel := context.WithCancel(r.ctx)
	unsubscribe, err := r.ch.Subscribe(ctx, auth.Observe)
	if err != nil {
		r.t.Fatal(err)
	}
	c := &client{auth: auth, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		defer unsubscribe()
		_ = auth.Run(ctx)
	}()
	r.t.Cleanup(func() {
		cancel()
		<-c.done
	})
	return c
}

func (r *rig) stored() match.State {
	r.t.Helper()
	doc, err := r.store.Read(context.Background(), r.ch.Key())
	if err != nil {
		r.t.Fatal(err)
	}
	s, err := match.Decode(doc.Fields)
	if err != nil {
		r.t.Fatal(err)
	}
	return s
}

// version counts writes to the match record.
func (r *rig) version() uint64 {
	r.t.Helper()
	doc, err := r.store.Read(context.Background(), r.ch.Key())
	if err != nil {
		r.t.Fatal(err)
	}
	return doc.Version
}

func (r *rig) waitTimeLeft(want int) {
	r.t.Helper()
	eventually(r.t, func() bool { return r.stored().TimeLeft == want }, fmt.Sprintf("timeLeft never reached %d (at %d)", want, r.stored().TimeLeft))
}

func (r *rig) waitTickers(n int) {
	r.t.Helper()
	if err := r.clock.BlockUntilContext(r.ctx, n); err != nil {
		r.t.Fatalf("waiting for %d tickers: %v", n, err)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func running(timeLeft int) match.State {
	s := match.Default()
	s.TimeLeft = timeLeft
	s.IsRunning = true
	return s
}

func TestObserveTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  Phase
		state match.State
		want  Phase
	}{
		{"start", Idle, running(10), Active},
		{"resume from expired", Expired, running(10), Active},
		{"running at zero", Active, running(0), Expired},
		{"pause", Active, match.State{TimeLeft: 10}, Idle},
		{"reset after expiry", Expired, match.State{TimeLeft: match.StartTime}, Idle},
		{"stopped at zero while active", Active, match.State{}, Idle},
		{"stopped at zero after expiry", Expired, match.State{}, Expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(nil, DefaultConfig())
			a.phase = tt.from
			a.Observe(tt.state)
			if got := a.Phase(); got != tt.want {
				t.Errorf("phase = %s, want %s", got, tt.want)
			}
			if got := a.TimeLeft(); got != tt.state.TimeLeft {
				t.Errorf("timeLeft = %d, want %d", got, tt.state.TimeLeft)
			}
		})
	}
}

func TestReset(t *testing.T) {
	a := New(nil, DefaultConfig())
	a.Observe(running(12))
	a.Reset()
	if a.Phase() != Idle || a.TimeLeft() != match.StartTime {
		t.Errorf("after reset: phase %s, timeLeft %d", a.Phase(), a.TimeLeft())
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyLease {
		t.Errorf("empty = (%s, %v), want lease", p, err)
	}
	if p, err := ParsePolicy("independent"); err != nil || p != PolicyIndependent {
		t.Errorf("independent = (%s, %v)", p, err)
	}
	if _, err := ParsePolicy("chaos"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestTwoClientsOneTick(t *testing.T) {
	tests := []struct {
		policy     Policy
		wantWrites uint64
	}{
		{PolicyLease, 1},
		{PolicyIndependent, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			r := newRig(t, running(10))
			a := r.start("a", tt.policy)
			b := r.start("b", tt.policy)

			eventually(t, func() bool { return a.auth.Phase() == Active && b.auth.Phase() == Active }, "clients never became active")
			r.waitTickers(2)
			before := r.version()

			r.clock.Advance(time.Second)
			eventually(t, func() bool { return r.version()-before == tt.wantWrites }, fmt.Sprintf("expected %d match writes", tt.wantWrites))

			time.Sleep(50 * time.Millisecond)
			if got := r.version() - before; got != tt.wantWrites {
				t.Errorf("match writes for one tick = %d, want %d", got, tt.wantWrites)
			}
			if tt.policy == PolicyLease {
				if got := r.stored().TimeLeft; got != 9 {
					t.Errorf("timeLeft = %d after one tick by two clients, want 9", got)
				}
			}
		})
	}
}

// leaseHookChannel runs onLease during lease renewal and records countdown writes.
type leaseHookChannel struct {
	onLease func()

	mu     sync.Mutex
	writes []int
}

func (c *leaseHookChannel) record(next int) {
	c.mu.Lock()
	c.writes = append(c.writes, next)
	c.mu.Unlock()
}

func (c *leaseHookChannel) Write(_ context.Context, u match.Update) error {
	if u.TimeLeft != nil {
		c.record(*u.TimeLeft)
	}
	return nil
}

func (c *leaseHookChannel) Tick(_ context.Context, _, next int) (bool, error) {
	c.record(next)
	return true, nil
}

func (c *leaseHookChannel) AcquireLease(context.Context, string, time.Duration) (bool, error) {
	if c.onLease != nil {
		c.onLease()
	}
	return true, nil
}

func (c *leaseHookChannel) ReleaseLease(context.Context, string) error { return nil }

func TestTickSkipsResetDuringLeaseRenewal(t *testing.T) {
	tests := []struct {
		name  string
		reset func(a *Authority)
	}{
		{"observed reset", func(a *Authority) { a.Observe(match.Default()) }},
		{"local reset", func(a *Authority) { a.Reset() }},
		{"newer snapshot", func(a *Authority) { a.Observe(running(299)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &leaseHookChannel{}
			a := New(ch, DefaultConfig(), WithClock(clockwork.NewFakeClock()))
			ch.onLease = func() { tt.reset(a) }

			a.Observe(running(300))
			a.tick(context.Background())

			if len(ch.writes) != 0 {
				t.Errorf("authority wrote %v after the countdown moved on", ch.writes)
			}
		})
	}
}

func TestTickDoesNotOverwriteStoredReset(t *testing.T) {
	r := newRig(t, match.Default())
	a := New(r.ch, DefaultConfig(), WithClock(r.clock), WithHolder("a"))

	// the reset is in the store but its snapshot has not reached a yet
	a.Observe(running(300))
	before := r.version()
	a.tick(r.ctx)

	got := r.stored()
	if got.TimeLeft != match.StartTime || got.IsRunning {
		t.Errorf("stored = %d running=%v, want reset to survive the tick", got.TimeLeft, got.IsRunning)
	}
	if r.version() != before {
		t.Error("stale tick wrote the match record")
	}
	if a.TimeLeft() != 300 {
		t.Errorf("local timeLeft = %d, a skipped tick must not move it", a.TimeLeft())
	}
}

func TestCountsDownToZeroAndExpires(t *testing.T) {
	r := newRig(t, running(2))
	a := r.start("a", PolicyLease)

	eventually(t, func() bool { return a.auth.Phase() == Active }, "never became active")
	r.waitTickers(1)

	r.clock.Advance(time.Second)
	r.waitTimeLeft(1)
	r.clock.Advance(time.Second)
	r.waitTimeLeft(0)

	eventually(t, func() bool { return a.auth.Phase() == Expired }, "never expired")
	if !r.stored().IsRunning {
		t.Error("expiry should leave isRunning as set")
	}

	// no further decrement
	r.waitTickers(0)
	r.clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := r.stored().TimeLeft; got != 0 {
		t.Errorf("timeLeft = %d after expiry, want 0", got)
	}

	eventually(t, func() bool {
		lease, err := r.ch.CurrentLease(context.Background())
		return err == nil && lease.Holder == ""
	}, "lease not released after expiry")
}

func TestPauseStopsTicking(t *testing.T) {
	r := newRig(t, running(30))
	a := r.start("a", PolicyLease)

	eventually(t, func() bool { return a.auth.Phase() == Active }, "never became active")
	r.waitTickers(1)
	r.clock.Advance(time.Second)
	r.waitTimeLeft(29)

	if err := r.ch.Write(r.ctx, match.SetRunning(false)); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return a.auth.Phase() == Idle }, "pause not observed")
	r.waitTickers(0)

	r.clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := r.stored().TimeLeft; got != 29 {
		t.Errorf("timeLeft = %d while paused, want 29", got)
	}
}

func TestLeaseTakeover(t *testing.T) {
	r := newRig(t, running(100))
	clients := map[string]*client{
		"a": r.start("a", PolicyLease),
		"b": r.start("b", PolicyLease),
		"c": r.start("c", PolicyLease),
	}
	eventually(t, func() bool {
		for _, c := range clients {
			if c.auth.Phase() != Active {
				return false
			}
		}
		return true
	}, "clients never became active")
	r.waitTickers(3)
	before := r.version()

	for want := 99; want >= 97; want-- {
		r.clock.Advance(time.Second)
		r.waitTimeLeft(want)
	}
	time.Sleep(20 * time.Millisecond)
	if got := r.stored().TimeLeft; got != 97 {
		t.Fatalf("timeLeft = %d after three ticks, want 97", got)
	}
	if got := r.version() - before; got != 3 {
		t.Fatalf("match writes for three ticks = %d, want 3", got)
	}

	lease, err := r.ch.CurrentLease(r.ctx)
	if err != nil {
		t.Fatal(err)
	}
	holder, ok := clients[lease.Holder]
	if !ok {
		t.Fatalf("unexpected lease holder %q", lease.Holder)
	}
	holder.cancel()
	<-holder.done
	delete(clients, lease.Holder)

	r.waitTickers(2)
	r.clock.Advance(time.Second)
	r.waitTimeLeft(96)
	time.Sleep(20 * time.Millisecond)
	if got := r.version() - before; got != 4 {
		t.Errorf("match writes after takeover tick = %d, want 4", got)
	}

	next, err := r.ch.CurrentLease(r.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := clients[next.Holder]; !ok {
		t.Errorf("lease holder after takeover = %q, want a surviving client", next.Holder)
	}
}

func TestIndependentPolicyTicksWithoutLease(t *testing.T) {
	r := newRig(t, running(5))
	a := r.start("a", PolicyIndependent)

	eventually(t, func() bool { return a.auth.Phase() == Active }, "never became active")
	r.waitTickers(1)
	r.clock.Advance(time.Second)
	r.waitTimeLeft(4)

	lease, err := r.ch.CurrentLease(r.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if lease.Holder != "" {
		t.Errorf("independent policy took the lease: %q", lease.Holder)
	}
}
