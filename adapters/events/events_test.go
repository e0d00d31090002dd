package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/warden/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func focusMessage(t *testing.T, pkg string) *message.Message {
	t.Helper()
	payload, err := json.Marshal(core.FocusEvent{Package: pkg, At: time.Unix(10, 0).UTC()})
	require.NoError(t, err)
	return message.NewMessage(watermill.NewUUID(), payload)
}

func TestWatermillPublisherUnlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubsub.Close()

	messages, err := pubsub.Subscribe(ctx, TopicUnlock)
	require.NoError(t, err)

	at := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	require.NoError(t, NewWatermillPublisher(pubsub).PublishUnlock(ctx, "com.alpha", at))

	select {
	case msg := <-messages:
		var ev UnlockEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		msg.Ack()
		assert.Equal(t, UnlockEvent{Package: "com.alpha", At: at}, ev)
	case <-time.After(time.Second):
		t.Fatal("no unlock event")
	}
}

func TestWatermillSourceDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	defer pubsub.Close()
	require.NoError(t, pubsub.Publish(TopicFocus, focusMessage(t, "com.alpha")))

	source := NewWatermillSource(pubsub, NewWatermillPublisher(pubsub), zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- source.Run(ctx) }()

	select {
	case ev := <-source.Events():
		assert.Equal(t, "com.alpha", ev.Package)
	case <-time.After(2 * time.Second):
		t.Fatal("no focus event")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop")
	}
}

func TestWatermillSourceFilterAndMalformed(t *testing.T) {
	ctx := context.Background()
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubsub.Close()

	filters, err := pubsub.Subscribe(ctx, TopicFilter)
	require.NoError(t, err)

	source := NewWatermillSource(pubsub, NewWatermillPublisher(pubsub), zaptest.NewLogger(t))
	want := core.WatchOnly(map[string]struct{}{"com.alpha": {}})
	require.NoError(t, source.Configure(ctx, want))

	select {
	case msg := <-filters:
		var got core.Filter
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		msg.Ack()
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("filter not forwarded")
	}

	// Filtered and malformed messages are consumed without delivery
	require.NoError(t, source.handle(ctx, focusMessage(t, "com.beta")))
	require.NoError(t, source.handle(ctx, message.NewMessage(watermill.NewUUID(), []byte("{"))))

	go func() { _ = source.handle(ctx, focusMessage(t, "com.alpha")) }()
	select {
	case ev := <-source.Events():
		assert.Equal(t, "com.alpha", ev.Package)
	case <-time.After(time.Second):
		t.Fatal("allowed event not delivered")
	}
}

func TestMemorySourcePush(t *testing.T) {
	ctx := context.Background()
	source := NewMemorySource(4)

	ok, err := source.Push(ctx, core.FocusEvent{Package: "com.beta"})
	require.NoError(t, err)
	assert.True(t, ok, "everything passes before the first Configure")

	require.NoError(t, source.Configure(ctx, core.WatchOnly(map[string]struct{}{"com.alpha": {}})))

	ok, err = source.Push(ctx, core.FocusEvent{Package: "com.beta"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = source.Push(ctx, core.FocusEvent{Package: "com.alpha"})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = source.Push(ctx, core.FocusEvent{})
	assert.ErrorIs(t, err, core.ErrInvalidPackage)

	assert.Len(t, source.Filters(), 1)
	assert.Equal(t, "com.beta", (<-source.Events()).Package)
	assert.Equal(t, "com.alpha", (<-source.Events()).Package)
}

func TestMemorySourcePushHonoursContext(t *testing.T) {
	source := NewMemorySource(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := source.Push(ctx, core.FocusEvent{Package: "com.alpha"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}
