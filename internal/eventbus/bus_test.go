package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildwatch/guildwatch/internal/event"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := New()

	id1, ch1 := bus.Subscribe(4)
	id2, ch2 := bus.Subscribe(4)
	defer bus.Unsubscribe(id1)
	defer bus.Unsubscribe(id2)

	ev := event.NewFileChange("builder", "/work", "/work/main.go", event.ChangeModified, time.Now())
	bus.Publish(ev)

	select {
	case got := <-ch1:
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 did not receive event")
	}
	select {
	case got := <-ch2:
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 did not receive event")
	}
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	bus := New()

	id, ch := bus.Subscribe(1)
	defer bus.Unsubscribe(id)

	first := event.NewError("builder", "first", time.Now())
	second := event.NewError("builder", "second", time.Now())

	// Second publish must not block even though nobody is draining.
	bus.Publish(first)
	bus.Publish(second)

	got := <-ch
	require.Equal(t, first.ID, got.ID)

	select {
	case unexpected := <-ch:
		t.Fatalf("expected second event to be dropped, got %s", unexpected.ID)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := New()

	id, ch := bus.Subscribe(1)
	bus.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	// Publishing after unsubscribe must not panic.
	bus.Publish(event.NewError("builder", "late", time.Now()))
}
