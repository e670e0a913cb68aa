package message

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func messages(n int) []*Message {
	out := make([]*Message, n)
	for i := range out {
		out[i] = New([]byte(fmt.Sprintf("message %d", i)))
	}
	return out
}

// assertInvariant checks complete <=> closed and nothing pending
func assertInvariant(t *testing.T, b *Batch) {
	t.Helper()
	assert.Equal(t, b.Closed() && b.PendingLen() == 0, b.Complete())
}

func TestBatchDrainScenario(t *testing.T) {
	ctx := context.Background()
	b := NewBatch(nil)
	assert.False(t, b.Closed())

	msgs := messages(3)
	for _, m := range msgs {
		require.NoError(t, b.Push(m))
		assertInvariant(t, b)
	}
	b.Close()
	assertInvariant(t, b)

	for i := range 3 {
		assert.False(t, b.Complete())
		m, ok := b.Next(ctx)
		require.True(t, ok)
		assert.Same(t, msgs[i], m)
		assertInvariant(t, b)
	}

	// the queue is drained once the third message is popped
	assert.True(t, b.Complete())

	m, ok := b.Next(ctx)
	assert.False(t, ok)
	assert.Nil(t, m)
	assert.True(t, b.Complete())
	assert.Equal(t, 3, b.Len())
}

func TestNewBatchFromMessages(t *testing.T) {
	msgs := messages(2)

	b := NewBatch(msgs)
	assert.True(t, b.Closed())
	assert.Equal(t, 2, b.PendingLen())
	assert.Equal(t, []string{msgs[0].ID, msgs[1].ID}, b.IDs())

	b = NewBatch(msgs, WithClosed(false))
	assert.False(t, b.Closed())
	require.NoError(t, b.Push(New(nil)))
	assert.Equal(t, 3, b.Len())

	// the caller's slice is not aliased
	assert.Len(t, msgs, 2)
}

func TestPushAfterClose(t *testing.T) {
	b := NewBatch(nil)
	require.NoError(t, b.Push(New(nil)))
	b.Close()
	b.Close()

	err := b.Push(New(nil))
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, b.PendingLen())
	assert.True(t, b.Closed())
	assertInvariant(t, b)
}

func TestNextWaitsForPush(t *testing.T) {
	b := NewBatch(nil)
	m := New([]byte("late"))

	got := make(chan *Message)
	go func() {
		next, _ := b.Next(context.Background())
		got <- next
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Push(m))

	select {
	case next := <-got:
		assert.Same(t, m, next)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by push")
	}
}

func TestNextReleasedByClose(t *testing.T) {
	b := NewBatch(nil)

	done := make(chan bool)
	go func() {
		_, ok := b.Next(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by close")
	}
}

func TestNextCancelled(t *testing.T) {
	b := NewBatch(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok := b.Next(ctx)
	assert.False(t, ok)
	assert.False(t, b.Complete())
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	msgs := messages(2)
	b := NewBatch(msgs)

	first, _ := b.Next(ctx)
	b.Requeue(first)
	assert.Equal(t, []*Message{msgs[1], msgs[0]}, b.Pending())

	// already pending
	b.Requeue(first)
	assert.Equal(t, 2, b.PendingLen())
	assert.True(t, b.Queued(first))

	var order []*Message
	for m := range b.All(ctx) {
		order = append(order, m)
		b.Processed(m)
	}
	assert.Equal(t, []*Message{msgs[1], msgs[0]}, order)
	assert.Equal(t, 2, b.ProcessedLen())
	assert.True(t, b.Complete())
}

func TestSettle(t *testing.T) {
	ctx := context.Background()
	msgs := messages(3)
	b := NewBatch(msgs)

	m, _ := b.Next(ctx)
	b.Settle(m, DeliveryResult{Code: "SMTP_250", Delivered: true, Outcome: Delivered})
	m, _ = b.Next(ctx)
	b.Settle(m, DeliveryResult{Code: "SMTP_451", Outcome: Retry})
	assert.True(t, b.Queued(m))
	assert.Equal(t, StateRetry, m.State())

	m, _ = b.Next(ctx)
	b.Settle(m, DeliveryResult{Code: "SMTP_550", Outcome: Failed})

	assert.Equal(t, map[DeliveryState]int{
		StateDelivered: 1,
		StateRetry:     1,
		StateFailed:    1,
	}, b.Report())
	assert.Equal(t, 2, b.ProcessedLen())
	assert.False(t, b.Complete())

	results := b.Results()
	require.Len(t, results, 3)
	assert.Equal(t, msgs[1].ID, results[1].ID)
	assert.Equal(t, StateRetry, results[1].State)
	assert.Equal(t, "SMTP_451", results[1].Results[0].Code)
}

func TestEach(t *testing.T) {
	b := NewBatch(messages(3))

	seen := 0
	err := b.Each(context.Background(), func(m *Message) error {
		seen++
		if seen == 2 {
			return assert.AnError
		}
		return nil
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, seen)
	assert.Equal(t, 1, b.PendingLen())
}

func TestConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 50
	b := NewBatch(nil)

	var (
		mu       sync.Mutex
		consumed []*Message
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range b.All(context.Background()) {
			mu.Lock()
			consumed = append(consumed, m)
			mu.Unlock()
			b.Processed(m)
		}
	}()

	var g errgroup.Group
	for range producers {
		g.Go(func() error {
			for _, m := range messages(perProducer) {
				if err := b.Push(m); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	b.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not finish")
	}

	assert.Len(t, consumed, producers*perProducer)
	assert.ElementsMatch(t, b.Messages(), consumed)
	assert.True(t, b.Complete())
	assert.Equal(t, producers*perProducer, b.ProcessedLen())
}

func TestResultFrom(t *testing.T) {
	r, err := ResultFrom(map[string]any{
		"code":        "SMTP_250",
		"proxy_host":  "relay",
		"proxy_port":  "1080",
		"target_port": 25.0,
		"delivered":   "yes",
	})
	require.NoError(t, err)
	assert.Equal(t, DeliveryResult{
		Code:       "SMTP_250",
		ProxyHost:  "relay",
		ProxyPort:  1080,
		TargetPort: 25,
		Delivered:  true,
		Outcome:    Delivered,
	}, r)

	r, err = ResultFrom(nil)
	require.NoError(t, err)
	assert.False(t, r.Delivered)
	assert.Equal(t, Failed, r.Outcome)

	_, err = ResultFrom(map[string]any{"bogus": 1})
	assert.Error(t, err)
}
