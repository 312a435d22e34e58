package docstore

import (
	"sync"
)

// Feed delivers snapshots to one subscriber callback on its own goroutine,
// in push order, without ever blocking the pusher. A snapshot whose version
// is not newer than the last one accepted is dropped, so racing pushers
// cannot move a subscriber backwards. Adapters embed it to implement
// Subscription.
type Feed struct {
	fn func(*Document)

	mu      sync.Mutex
	queue   []*Document
	last    uint64
	stopped bool
	err     error

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// NewFeed starts the delivery goroutine. onClose, if set, runs once when the
// feed stops for any reason.
func NewFeed(fn func(*Document), onClose func()) *Feed {
	f := &Feed{
		fn:      fn,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go f.run()
	return f
}

// Push queues a snapshot. Pushes after Close and stale versions are ignored.
func (f *Feed) Push(doc *Document) {
	f.mu.Lock()
	if f.stopped || (f.last > 0 && doc.Version <= f.last) {
		f.mu.Unlock()
		return
	}
	f.last = doc.Version
	f.queue = append(f.queue, doc.Clone())
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery and records err as the reason.
func (f *Feed) Close(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.stopped = true
		f.err = err
		f.queue = nil
		f.mu.Unlock()
		close(f.stop)
		if f.onClose != nil {
			f.onClose()
		}
	})
}

// Unsubscribe implements Subscription.
func (f *Feed) Unsubscribe() { f.Close(nil) }

// Done implements Subscription.
func (f *Feed) Done() <-chan struct{} { return f.done }

// Err implements Subscription.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feed) run() {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		case <-f.wake:
		}

		for {
			f.mu.Lock()
			if f.stopped || len(f.queue) == 0 {
				f.mu.Unlock()
				break
			}
			doc := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()

			f.fn(doc)
		}
	}
}
