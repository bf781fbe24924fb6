package synchub

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func newTestHub() *Hub {
	return NewHub(slog.Default(), ReplayDepth)
}

func decode(t *testing.T, payload []byte) *Event {
	t.Helper()
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("Unmarshal event: %v", err)
	}
	return &event
}

func TestSequencesArePerTopic(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.Publish(ctx, "trade:trd_a", "trade.status", nil)
	}
	h.Publish(ctx, "trade:trd_b", "trade.status", nil)

	if got := h.Seq("trade:trd_a"); got != 3 {
		t.Errorf("Expected seq 3 on trade:trd_a, got %d", got)
	}
	if got := h.Seq("trade:trd_b"); got != 1 {
		t.Errorf("Expected seq 1 on trade:trd_b, got %d", got)
	}
}

func TestFanOutPreservesOrder(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()

	c := &Client{hub: h, topic: "offer:off_a", send: make(chan []byte, 256)}
	h.subscribe(c, 0)

	h.Publish(ctx, "offer:off_a", "offer.reserved", map[string]any{"amount": 3})
	h.Publish(ctx, "offer:off_a", "offer.reserved", map[string]any{"amount": 2})
	h.Publish(ctx, "offer:off_b", "offer.reserved", nil) // other topic, not delivered

	for want := uint64(1); want <= 2; want++ {
		event := decode(t, <-c.send)
		if event.Seq != want {
			t.Errorf("Expected seq %d, got %d", want, event.Seq)
		}
		if event.Topic != "offer:off_a" {
			t.Errorf("Expected topic offer:off_a, got %s", event.Topic)
		}
	}
	select {
	case payload := <-c.send:
		t.Errorf("Unexpected extra event: %s", payload)
	default:
	}
}

func TestReconnectReplaysGap(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		h.Publish(ctx, "trade:trd_a", "trade.status", nil)
	}

	// Resuming at seq 7 replays 8, 9, 10 and then streams live.
	c := &Client{hub: h, topic: "trade:trd_a", send: make(chan []byte, 256)}
	h.subscribe(c, 7)
	h.Publish(ctx, "trade:trd_a", "trade.status", nil)

	for want := uint64(8); want <= 11; want++ {
		event := decode(t, <-c.send)
		if event.Seq != want {
			t.Fatalf("Expected seq %d, got %d (type %s)", want, event.Seq, event.Type)
		}
	}
}

func TestReconnectAlreadyCaughtUp(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.Publish(ctx, "trade:trd_a", "trade.status", nil)
	}

	c := &Client{hub: h, topic: "trade:trd_a", send: make(chan []byte, 256)}
	h.subscribe(c, 5)

	select {
	case payload := <-c.send:
		t.Errorf("Expected no replay when caught up, got %s", payload)
	default:
	}
}

func TestReconnectBeyondBufferSignalsResync(t *testing.T) {
	h := newTestHub()
	h.replayDepth = 4
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		h.Publish(ctx, "trade:trd_a", "trade.status", nil)
	}

	// Only seqs 17..20 are retained; a subscriber at 2 cannot be healed.
	c := &Client{hub: h, topic: "trade:trd_a", send: make(chan []byte, 256)}
	h.subscribe(c, 2)

	event := decode(t, <-c.send)
	if event.Type != EventResyncRequired {
		t.Fatalf("Expected %s, got %s", EventResyncRequired, event.Type)
	}
	if event.Seq != 20 {
		t.Errorf("Expected current seq 20 in resync signal, got %d", event.Seq)
	}

	// Live events still flow after the signal.
	h.Publish(ctx, "trade:trd_a", "trade.status", nil)
	if event := decode(t, <-c.send); event.Seq != 21 {
		t.Errorf("Expected live seq 21, got %d", event.Seq)
	}
}

func TestBoundaryOfReplayBuffer(t *testing.T) {
	h := newTestHub()
	h.replayDepth = 4
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		h.Publish(ctx, "trade:trd_a", "trade.status", nil)
	}

	// since=16 is the oldest resumable position: the ring holds 17..20.
	c := &Client{hub: h, topic: "trade:trd_a", send: make(chan []byte, 256)}
	h.subscribe(c, 16)

	for want := uint64(17); want <= 20; want++ {
		event := decode(t, <-c.send)
		if event.Type == EventResyncRequired {
			t.Fatalf("Unexpected resync at covered boundary (seq %d)", want)
		}
		if event.Seq != want {
			t.Fatalf("Expected seq %d, got %d", want, event.Seq)
		}
	}
}

func TestSubscribeReplayLargerThanDefaultDepth(t *testing.T) {
	h := NewHub(slog.Default(), 2*ReplayDepth)
	ctx := context.Background()

	for i := 0; i < 400; i++ {
		h.Publish(ctx, "trade:trd_a", "trade.status", nil)
	}

	// subscribe queues the whole replay under the topic lock, so the send
	// buffer must track the configured depth. A buffer sized for the
	// default depth would block here and wedge every Publish on the topic.
	c := h.newClient(nil, "trade:trd_a")
	done := make(chan struct{})
	go func() {
		h.subscribe(c, 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe blocked on a replay larger than the default depth")
	}

	for want := uint64(2); want <= 400; want++ {
		event := decode(t, <-c.send)
		if event.Seq != want {
			t.Fatalf("Expected seq %d, got %d", want, event.Seq)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()

	c := &Client{hub: h, topic: "trade:trd_a", send: make(chan []byte, 1)}
	h.subscribe(c, 0)

	h.Publish(ctx, "trade:trd_a", "trade.status", nil)
	h.Publish(ctx, "trade:trd_a", "trade.status", nil) // buffer full, client dropped

	if event := decode(t, <-c.send); event.Seq != 1 {
		t.Errorf("Expected buffered seq 1, got %d", event.Seq)
	}
	if _, ok := <-c.send; ok {
		t.Error("Expected send channel closed after drop")
	}

	tp := h.topic("trade:trd_a")
	tp.mu.Lock()
	_, still := tp.clients[c]
	tp.mu.Unlock()
	if still {
		t.Error("Expected client removed from topic")
	}
}

func TestValidTopic(t *testing.T) {
	valid := []string{"offer:off_a", "trade:trd_a", "user:alice:trades"}
	for _, name := range valid {
		if !validTopic(name) {
			t.Errorf("Expected %q valid", name)
		}
	}
	invalid := []string{"", "offer:", "trade:", "user::trades", "user:alice", "wallet:abc"}
	for _, name := range invalid {
		if validTopic(name) {
			t.Errorf("Expected %q invalid", name)
		}
	}
}

func TestTopicKind(t *testing.T) {
	if got := topicKind("offer:off_a"); got != "offer" {
		t.Errorf("Expected offer, got %s", got)
	}
	if got := topicKind("user:alice:trades"); got != "user" {
		t.Errorf("Expected user, got %s", got)
	}
}
