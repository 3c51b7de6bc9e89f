package eventbus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

func TestPublishSubscribeFIFO(t *testing.T) {
	t.Parallel()
	b := New()
	sub := b.Subscribe("board:b1")
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish("board:b1", domain.Event{
			Type:    domain.EventTaskProgress,
			Payload: domain.TaskProgressPayload{TaskID: fmt.Sprintf("t%d", i)},
		})
	}
	for i := 0; i < 10; i++ {
		ev := <-sub.C
		p, ok := ev.Payload.(domain.TaskProgressPayload)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("t%d", i), p.TaskID)
		assert.Equal(t, "board:b1", ev.Channel)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	b := New()
	sub := b.Subscribe("board:b1")
	defer b.Unsubscribe(sub)

	// Never read while publishing 150 events into a queue of 100.
	for i := 0; i < 150; i++ {
		b.Publish("board:b1", domain.Event{
			Type:    domain.EventTaskProgress,
			Payload: domain.TaskProgressPayload{TaskID: fmt.Sprintf("t%d", i)},
		})
	}

	got := make([]string, 0, QueueCapacity)
	for {
		select {
		case ev := <-sub.C:
			got = append(got, ev.Payload.(domain.TaskProgressPayload).TaskID)
			continue
		default:
		}
		break
	}
	require.Len(t, got, QueueCapacity)
	// The 100 most recent survive; the first 50 were dropped.
	assert.Equal(t, "t50", got[0])
	assert.Equal(t, "t149", got[len(got)-1])
}

func TestOverflowDoesNotAffectOtherSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	slow := b.Subscribe("board:b1")
	fast := b.Subscribe("board:b1")
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	publish := func(n, from int) {
		for i := 0; i < n; i++ {
			b.Publish("board:b1", domain.Event{
				Type:    domain.EventTaskProgress,
				Payload: domain.TaskProgressPayload{TaskID: fmt.Sprintf("t%d", from+i)},
			})
		}
	}
	drain := func(sub *domain.Subscription) []string {
		var got []string
		for {
			select {
			case ev := <-sub.C:
				got = append(got, ev.Payload.(domain.TaskProgressPayload).TaskID)
				continue
			default:
			}
			return got
		}
	}

	// Fill both queues, drain only the fast subscriber, then overflow the
	// slow one with 50 more.
	publish(QueueCapacity, 0)
	require.Len(t, drain(fast), QueueCapacity)
	publish(50, QueueCapacity)

	assert.Len(t, drain(fast), 50)
	slowGot := drain(slow)
	require.Len(t, slowGot, QueueCapacity)
	assert.Equal(t, "t50", slowGot[0])
	assert.Equal(t, "t149", slowGot[len(slowGot)-1])
}

func TestPublisherNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	sub := b.Subscribe("board:b1")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10_000; i++ {
			b.Publish("board:b1", domain.Event{Type: domain.EventHeartbeat})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesStream(t *testing.T) {
	t.Parallel()
	b := New()
	sub := b.Subscribe("board:b1")
	b.Unsubscribe(sub)

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op.
	b.Publish("board:b1", domain.Event{Type: domain.EventHeartbeat})
}

func TestTopicsAreIsolated(t *testing.T) {
	t.Parallel()
	b := New()
	a := b.Subscribe("board:a")
	other := b.Subscribe("board:b")
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(other)

	b.Publish("board:a", domain.Event{Type: domain.EventHeartbeat})

	select {
	case <-a.C:
	case <-time.After(time.Second):
		t.Fatal("expected event on board:a")
	}
	select {
	case <-other.C:
		t.Fatal("unexpected event on board:b")
	default:
	}
}

func TestConcurrentPublishers(t *testing.T) {
	t.Parallel()
	b := New()
	sub := b.Subscribe("global")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish("global", domain.Event{Type: domain.EventHeartbeat})
			}
		}()
	}
	// Unsubscribe races with publishing; must not panic.
	time.Sleep(time.Millisecond)
	b.Unsubscribe(sub)
	wg.Wait()
}
