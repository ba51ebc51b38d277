package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eldertree/internal/model"
)

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestMessageQueue_FIFO(t *testing.T) {
	q := newMessageQueue()
	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(model.Message{ID: id}))
	}

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []string{"A", "B", "C"}, ids(q.TakeAll()))
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.TakeAll())
}

func TestMessageQueue_RequeueFrontKeepsOrder(t *testing.T) {
	q := newMessageQueue()
	q.Enqueue(model.Message{ID: "late"})

	q.RequeueFront([]model.Message{{ID: "x"}, {ID: "y"}})
	assert.Equal(t, []string{"x", "y", "late"}, ids(q.Snapshot()))
}

func TestMessageQueue_Signal(t *testing.T) {
	q := newMessageQueue()
	q.Enqueue(model.Message{ID: "A"})
	q.Enqueue(model.Message{ID: "B"})

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a coalesced signal")
	}
	select {
	case <-q.Wait():
		t.Fatal("signal buffer should hold only one")
	default:
	}
}

func TestMessageQueue_RequeueDoesNotSignal(t *testing.T) {
	q := newMessageQueue()
	q.RequeueFront([]model.Message{{ID: "A"}})

	select {
	case <-q.Wait():
		t.Fatal("requeue must not wake the drain loop")
	default:
	}
	assert.Equal(t, 1, q.Len())
}

func TestMessageQueue_Close(t *testing.T) {
	q := newMessageQueue()
	q.Close()
	q.Close() // idempotent

	assert.False(t, q.Enqueue(model.Message{ID: "A"}))
	q.RequeueFront([]model.Message{{ID: "B"}})
	assert.Equal(t, 0, q.Len())

	_, ok := <-q.Wait()
	assert.False(t, ok, "signal channel closed")
}
