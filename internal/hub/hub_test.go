package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type fakeSub struct {
	id string

	mu       sync.Mutex
	received []Message
	err      error
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	f.received = append(f.received, m)
	return nil
}

func (f *fakeSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

// Each broadcast must reach every live subscriber exactly once.
func TestBroadcastFanOut(t *testing.T) {
	t.Parallel()

	h := New(nil)
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}
	h.Add(a)
	h.Add(b)

	h.Broadcast(context.Background(), "hello", SenderAssistant)

	for _, sub := range []*fakeSub{a, b} {
		if sub.count() != 1 {
			t.Fatalf("subscriber %s received %d messages, want 1", sub.id, sub.count())
		}
		sub.mu.Lock()
		m := sub.received[0]
		sub.mu.Unlock()
		if m.Message != "hello" || m.Sender != SenderAssistant {
			t.Errorf("payload = %+v", m)
		}
	}
}

func TestBroadcastEvictsFailedSubscriber(t *testing.T) {
	t.Parallel()

	h := New(nil)
	good := &fakeSub{id: "good"}
	bad := &fakeSub{id: "bad", err: errors.New("socket closed")}
	h.Add(good)
	h.Add(bad)

	if evicted := h.Broadcast(context.Background(), "x", SenderSystem); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if h.Len() != 1 {
		t.Fatalf("hub size = %d, want 1", h.Len())
	}

	// The dead subscriber no longer receives anything.
	h.Broadcast(context.Background(), "y", SenderSystem)
	if good.count() != 2 {
		t.Errorf("good received %d, want 2", good.count())
	}
	if bad.count() != 0 {
		t.Errorf("bad received %d, want 0", bad.count())
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	h := New(nil)
	a := &fakeSub{id: "a"}
	h.Add(a)
	h.Remove("a")
	h.Broadcast(context.Background(), "gone", SenderUser)
	if a.count() != 0 {
		t.Errorf("removed subscriber received %d messages", a.count())
	}
}

func TestAddReplacesSameID(t *testing.T) {
	t.Parallel()

	h := New(nil)
	first := &fakeSub{id: "dup"}
	second := &fakeSub{id: "dup"}
	h.Add(first)
	h.Add(second)

	h.Broadcast(context.Background(), "once", SenderUser)
	if first.count() != 0 {
		t.Errorf("replaced subscriber received %d", first.count())
	}
	if second.count() != 1 {
		t.Errorf("current subscriber received %d, want 1", second.count())
	}
}
