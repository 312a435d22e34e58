package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func fieldStrings(f Fields) map[string]string {
	out := make(map[string]string, len(f))
	for k, v := range f {
		out[k] = string(v)
	}
	return out
}

func TestMergeFieldPaths(t *testing.T) {
	dst := Fields{
		"mode":   raw(`"2v2"`),
		"scores": raw(`{"A":[1,2],"B":[3,4]}`),
	}
	err := Merge(dst, Fields{
		"scores.A": raw(`[0,0]`),
		"timeLeft": raw(`449`),
	})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"mode":     `"2v2"`,
		"scores":   `{"A":[0,0],"B":[3,4]}`,
		"timeLeft": `449`,
	}
	if diff := cmp.Diff(want, fieldStrings(dst)); diff != "" {
		t.Errorf("Merge mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeCreatesNestedObjects(t *testing.T) {
	dst := Fields{}
	if err := Merge(dst, Fields{"scores.B": raw(`[5]`)}); err != nil {
		t.Fatal(err)
	}
	if got := string(dst["scores"]); got != `{"B":[5]}` {
		t.Errorf("scores = %s", got)
	}

	if err := Merge(Fields{"mode": raw(`"2v2"`)}, Fields{"mode.x": raw(`1`)}); err == nil {
		t.Error("expected error descending into a non-object")
	}
}

func TestMemoryStoreReadWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Read(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read missing = %v, want ErrNotFound", err)
	}
	if err := s.Write(ctx, "k", Fields{"a": raw(`1`)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, "k", Fields{"b": raw(`2`)}); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Read(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Version != 2 {
		t.Errorf("version = %d, want 2", doc.Version)
	}
	if diff := cmp.Diff(map[string]string{"a": "1", "b": "2"}, fieldStrings(doc.Fields)); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryStoreWriteIf(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	v, err := s.WriteIf(ctx, "k", Fields{"a": raw(`1`)}, 0)
	if err != nil || v != 1 {
		t.Fatalf("create = (%d, %v)", v, err)
	}
	if _, err := s.WriteIf(ctx, "k", Fields{"a": raw(`2`)}, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("second create = %v, want ErrConflict", err)
	}
	if _, err := s.WriteIf(ctx, "k", Fields{"a": raw(`3`)}, 1); err != nil {
		t.Fatalf("update at version 1: %v", err)
	}
	if _, err := s.WriteIf(ctx, "k", Fields{"a": raw(`4`)}, 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update = %v, want ErrConflict", err)
	}
}

type recorder struct {
	mu   sync.Mutex
	docs []*Document
	got  chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 100)} }

func (r *recorder) fn(d *Document) {
	r.mu.Lock()
	r.docs = append(r.docs, d)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []*Document {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.docs) >= n {
			out := append([]*Document(nil), r.docs...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d snapshots", n)
		}
	}
}

func TestMemoryStoreSubscribeDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Write(ctx, "k", Fields{"n": raw(`0`)}); err != nil {
		t.Fatal(err)
	}

	rec := newRecorder()
	sub, err := s.Subscribe(ctx, "k", rec.fn)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	for i := 1; i <= 5; i++ {
		if err := s.Write(ctx, "k", Fields{"n": raw(string(rune('0' + i)))}); err != nil {
			t.Fatal(err)
		}
	}

	docs := rec.wait(t, 6)
	for i, d := range docs {
		if d.Version != uint64(i+1) {
			t.Errorf("snapshot %d has version %d", i, d.Version)
		}
	}
	if got := string(docs[5].Fields["n"]); got != "5" {
		t.Errorf("last snapshot n = %s", got)
	}
}

func TestFeedDropsStaleVersions(t *testing.T) {
	rec := newRecorder()
	feed := NewFeed(rec.fn, nil)
	defer feed.Unsubscribe()

	// a notification for v6 can overtake the initial read of v5
	feed.Push(&Document{Key: "k", Version: 6})
	feed.Push(&Document{Key: "k", Version: 5})
	feed.Push(&Document{Key: "k", Version: 6})
	feed.Push(&Document{Key: "k", Version: 7})

	docs := rec.wait(t, 2)
	time.Sleep(20 * time.Millisecond)
	if got := len(rec.wait(t, 2)); got != 2 {
		t.Fatalf("delivered %d snapshots, want 2", got)
	}
	if docs[0].Version != 6 || docs[1].Version != 7 {
		t.Errorf("versions = %d, %d; want 6, 7", docs[0].Version, docs[1].Version)
	}
}

func TestMemoryStoreUnsubscribeIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	sub, err := s.Subscribe(context.Background(), "k", func(*Document) {})
	if err != nil {
		t.Fatal(err)
	}
	if s.Subscribers("k") != 1 {
		t.Fatalf("subscribers = %d", s.Subscribers("k"))
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	<-sub.Done()

	if sub.Err() != nil {
		t.Errorf("Err after Unsubscribe = %v", sub.Err())
	}
	if s.Subscribers("k") != 0 {
		t.Errorf("subscribers after unsubscribe = %d", s.Subscribers("k"))
	}
}

func TestMemoryStoreDisconnect(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sub, err := s.Subscribe(ctx, "k", func(*Document) {})
	if err != nil {
		t.Fatal(err)
	}

	s.Disconnect()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on disconnect")
	}
	if !errors.Is(sub.Err(), ErrUnavailable) {
		t.Errorf("Err = %v, want ErrUnavailable", sub.Err())
	}
	if err := s.Write(ctx, "k", Fields{"a": raw(`1`)}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Write while down = %v", err)
	}

	s.Reconnect()
	if err := s.Write(ctx, "k", Fields{"a": raw(`1`)}); err != nil {
		t.Errorf("Write after reconnect = %v", err)
	}
}
