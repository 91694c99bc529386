package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsContiguousSequence(t *testing.T) {
	b := NewBus(10)

	first := b.Publish(KindTurnStarted, "c1", "", nil)
	second := b.Publish(KindTurnFinished, "c1", "", nil)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, int64(2), b.LastSeq())
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	b := NewBus(10)
	ch, cancel := b.Subscribe(0)
	defer cancel()

	b.Publish(KindModelRequest, "c1", "", map[string]any{"model": "gpt-4"})

	ev := <-ch
	assert.Equal(t, KindModelRequest, ev.Kind)
	assert.Equal(t, "c1", ev.CorrelationID)
	assert.Equal(t, "gpt-4", ev.Payload["model"])
}

func TestSubscribeReplaysBacklogInOrder(t *testing.T) {
	b := NewBus(10)
	for range 5 {
		b.Publish(KindTurnStarted, "c1", "", nil)
	}

	ch, cancel := b.Subscribe(3)
	defer cancel()

	for want := int64(3); want <= 5; want++ {
		ev := <-ch
		assert.Equal(t, want, ev.Seq)
	}
}

func TestReplayClampsToOldestRetained(t *testing.T) {
	b := NewBus(3)
	for range 10 {
		b.Publish(KindTurnStarted, "", "", nil)
	}

	// Seq 1 was evicted; the stream must start at the oldest retained
	// entry (8) with no gap after that.
	ch, cancel := b.Subscribe(1)
	defer cancel()

	for want := int64(8); want <= 10; want++ {
		ev := <-ch
		assert.Equal(t, want, ev.Seq)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := NewBus(2000)
	ch, cancel := b.Subscribe(0)
	defer cancel()

	// Never drain; the queue fills and the bus must drop the subscriber
	// without blocking the publisher.
	for range subscriberBuffer + 10 {
		b.Publish(KindTurnStarted, "", "", nil)
	}

	require.Equal(t, 0, b.SubscriberCount())

	// Drain to the close; the channel must be closed, not blocked.
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
}

func TestCancelIsIdempotent(t *testing.T) {
	b := NewBus(10)
	_, cancel := b.Subscribe(0)
	cancel()
	cancel()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestHistoryFiltersBySeq(t *testing.T) {
	b := NewBus(10)
	for range 6 {
		b.Publish(KindTurnStarted, "", "", nil)
	}

	got := b.History(4)
	require.Len(t, got, 3)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, int64(6), got[2].Seq)
}
