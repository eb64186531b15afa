package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesJobAndGlobalSubscribers(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	jobCh := p.Subscribe("job-1")
	globalCh := p.Subscribe(GlobalJobID)
	otherCh := p.Subscribe("job-2")

	p.Publish(NewEvent(EventJobUpdated, "job-1", nil))

	select {
	case ev := <-jobCh:
		assert.Equal(t, EventJobUpdated, ev.Type)
		assert.Equal(t, "job-1", ev.JobID)
	case <-time.After(time.Second):
		t.Fatal("job subscriber did not receive event")
	}

	select {
	case ev := <-globalCh:
		assert.Equal(t, "job-1", ev.JobID)
	case <-time.After(time.Second):
		t.Fatal("global subscriber did not receive event")
	}

	select {
	case ev := <-otherCh:
		t.Fatalf("unexpected event for other job: %+v", ev)
	default:
	}
}

func TestPublishDoesNotBlockOnFullBuffer(t *testing.T) {
	p := NewMemoryPublisher(WithBufferSize(1))
	defer p.Close()

	ch := p.Subscribe("job-1")
	p.Publish(NewEvent(EventLogAppended, "job-1", LogLine{Seq: 1, Text: "a"}))

	done := make(chan struct{})
	go func() {
		// Buffer is full; this must drop, not block.
		p.Publish(NewEvent(EventLogAppended, "job-1", LogLine{Seq: 2, Text: "b"}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	ev := <-ch
	line, ok := ev.Data.(LogLine)
	require.True(t, ok)
	assert.EqualValues(t, 1, line.Seq)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("job-1")
	require.Equal(t, 1, p.SubscriberCount("job-1"))

	p.Unsubscribe("job-1", ch)
	assert.Equal(t, 0, p.SubscriberCount("job-1"))

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel must be closed")
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	p := NewMemoryPublisher()
	ch := p.Subscribe("job-1")

	p.Close()
	p.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after close must not panic.
	p.Publish(NewEvent(EventJobDeleted, "job-1", nil))

	// New subscriptions after close return closed channels.
	ch2 := p.Subscribe("job-1")
	_, open = <-ch2
	assert.False(t, open)
}
