package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"
)

func TestBusBroadcastsToAllSubscribers(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()

	var mu sync.Mutex
	var got []string
	sub1, err := b.Subscribe("session:s1", func(p []byte) {
		mu.Lock()
		got = append(got, "first:"+string(p))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub1.Unsubscribe()
	sub2, err := b.Subscribe("session:s1", func(p []byte) {
		mu.Lock()
		got = append(got, "second:"+string(p))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub2.Unsubscribe()

	require.NoError(t, b.Publish("session:s1", []byte("hello")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"first:hello", "second:hello"}, got)
}

func TestBusSlowSubscriberDoesNotBlockSiblings(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()

	block := make(chan struct{})
	_, err := b.Subscribe("session:s1", func([]byte) { <-block })
	require.NoError(t, err)

	fast := make(chan []byte, 8)
	_, err = b.Subscribe("session:s1", func(p []byte) { fast <- p })
	require.NoError(t, err)

	require.NoError(t, b.Publish("session:s1", []byte("one")))
	require.NoError(t, b.Publish("session:s1", []byte("two")))

	for _, want := range []string{"one", "two"} {
		select {
		case p := <-fast:
			require.Equal(t, want, string(p))
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber starved waiting for %q", want)
		}
	}
	close(block)
}

func TestBusUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()

	delivered := make(chan []byte, 8)
	sub, err := b.Subscribe("session:s1", func(p []byte) { delivered <- p })
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriberCount("session:s1"))

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Equal(t, 0, b.SubscriberCount("session:s1"))

	require.NoError(t, b.Publish("session:s1", []byte("late")))
	select {
	case p := <-delivered:
		t.Fatalf("unexpected delivery after unsubscribe: %q", string(p))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusTopicIsRecreatedAfterLastUnsubscribe(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()

	sub, err := b.Subscribe("session:s1", func([]byte) {})
	require.NoError(t, err)
	sub.Unsubscribe()

	delivered := make(chan []byte, 1)
	again, err := b.Subscribe("session:s1", func(p []byte) { delivered <- p })
	require.NoError(t, err)
	defer again.Unsubscribe()

	require.NoError(t, b.Publish("session:s1", []byte("back")))
	select {
	case p := <-delivered:
		require.Equal(t, "back", string(p))
	case <-time.After(time.Second):
		t.Fatal("no delivery after resubscribe")
	}
}

func TestBusRejectsEmptyTopicAndNilHandler(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()

	_, err := b.Subscribe("", func([]byte) {})
	require.ErrorContains(t, err, "empty topic")
	_, err = b.Subscribe("session:s1", nil)
	require.ErrorContains(t, err, "nil handler")
	require.ErrorContains(t, b.Publish("", nil), "empty topic")
}

func TestBusTopicInitRunsBeforeEachSubscribe(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer func() { _ = ps.Close() }()

	var mu sync.Mutex
	var prepared []string
	b := NewFromPubSub(ps, ps, WithTopicInit(func(_ context.Context, topic string) error {
		mu.Lock()
		prepared = append(prepared, topic)
		mu.Unlock()
		return nil
	}))
	defer func() { _ = b.Close() }()

	sub1, err := b.Subscribe("session:s1", func([]byte) {})
	require.NoError(t, err)
	defer sub1.Unsubscribe()
	sub2, err := b.Subscribe("session:s2", func([]byte) {})
	require.NoError(t, err)
	defer sub2.Unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"session:s1", "session:s2"}, prepared)
}

func TestBusTopicInitFailureAbortsSubscribe(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer func() { _ = ps.Close() }()

	b := NewFromPubSub(ps, ps, WithTopicInit(func(context.Context, string) error {
		return errors.New("group creation failed")
	}))
	defer func() { _ = b.Close() }()

	_, err := b.Subscribe("session:s1", func([]byte) {})
	require.ErrorContains(t, err, "group creation failed")
	require.Equal(t, 0, b.SubscriberCount("session:s1"))
}
