package bus

import (
	"log/slog"
	"os"
	"testing"
)

func newTestBus() *Bus {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(logger)
}

func drainOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return evt
	default:
		t.Fatal("expected a buffered event, channel empty")
	}
	return Event{}
}

func TestSubscribeDeliversConnectedFirst(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	evt := drainOne(t, sub)
	if evt.Topic != TopicConnected {
		t.Errorf("first event topic = %q, want %q", evt.Topic, TopicConnected)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()
	drainOne(t, sub) // connected marker

	b.Publish(TopicAlertRaised, "payload")

	evt := drainOne(t, sub)
	if evt.Topic != TopicAlertRaised {
		t.Errorf("topic = %q, want %q", evt.Topic, TopicAlertRaised)
	}
	if evt.Data != "payload" {
		t.Errorf("data = %v, want %q", evt.Data, "payload")
	}
	if evt.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestTopicFilter(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	defer b.Close()

	sub := b.Subscribe(TopicTradeResult)
	defer sub.Close()
	drainOne(t, sub) // connected marker is always delivered

	b.Publish(TopicPortfolioUpdated, nil)
	b.Publish(TopicTradeResult, 42)
	b.Publish(TopicApprovalCreated, nil)

	evt := drainOne(t, sub)
	if evt.Topic != TopicTradeResult {
		t.Errorf("topic = %q, want %q", evt.Topic, TopicTradeResult)
	}
	select {
	case extra := <-sub.C():
		t.Errorf("unexpected extra event %q", extra.Topic)
	default:
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	defer b.Close()

	sub := b.Subscribe()
	// Fill the buffer completely (the connected marker occupies one slot),
	// then push two more: the two oldest events must be evicted.
	for i := 0; i < DefaultBufferSize+1; i++ {
		b.Publish(TopicHeartbeat, i)
	}

	if got := sub.Lag(); got != 2 {
		t.Fatalf("Lag() = %d, want 2", got)
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}

	// The connected marker and event 0 were dropped; the head is event 1.
	evt := drainOne(t, sub)
	if evt.Topic != TopicHeartbeat || evt.Data != 1 {
		t.Errorf("head event = %q/%v, want %q/1", evt.Topic, evt.Data, TopicHeartbeat)
	}

	sub.Close()
}

func TestSubscriberCount(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	defer b.Close()

	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", got)
	}

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("SubscriberCount() = %d, want 2", got)
	}

	s1.Close()
	s1.Close() // idempotent
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() after close = %d, want 1", got)
	}
	s2.Close()
}

func TestCloseTerminatesSubscriptions(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	sub := b.Subscribe()
	drainOne(t, sub)

	b.Close()
	b.Close() // idempotent

	if _, ok := <-sub.C(); ok {
		t.Error("subscription channel should be closed after bus Close")
	}

	// Publishing and subscribing after Close are no-ops.
	b.Publish(TopicAlertRaised, nil)
	late := b.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Error("post-close subscription should start closed")
	}
}

func TestSubscribeAfterCloseThenCloseSubscription(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	b.Close()

	// A handler racing shutdown may still subscribe and defer its own
	// Close; both must be safe.
	sub := b.Subscribe()
	if _, ok := <-sub.C(); ok {
		t.Error("subscription on a closed bus should start closed")
	}
	sub.Close()
	sub.Close()
}
