package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/testutil"
)

type memSink struct {
	mu        sync.Mutex
	recorded  []string
	processed []string
	err       error
}

func (s *memSink) RecordEvent(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, ev.ID)
	return s.err
}

func (s *memSink) MarkEventProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, id)
	return s.err
}

func newJournal(t *testing.T, opts ...Option) (*Journal, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	opts = append([]Option{WithClock(clock), WithTokenGenerator(model.NewFixedGenerator("ev"))}, opts...)
	return New(zaptest.NewLogger(t), opts...), clock
}

func TestEmit(t *testing.T) {
	j, clock := newJournal(t)
	data := map[string]any{"strength": 0.5}

	ev := j.Emit(context.Background(), model.EventBindingAccepted, "bind-1", "a", data)
	data["strength"] = 0.0

	assert.Equal(t, "ev-1", ev.ID)
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, model.EventBindingAccepted, ev.Type)
	assert.Equal(t, clock.Now(), ev.Timestamp)
	assert.False(t, ev.Processed)

	pending := j.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0.5, pending[0].Data["strength"], "journal keeps its own copy")
}

func TestPending_FIFO(t *testing.T) {
	j, _ := newJournal(t)
	ctx := context.Background()
	for _, typ := range []model.EventType{model.EventWeakeningDetected, model.EventConnectionLost, model.EventEmergencyAlert} {
		j.Emit(ctx, typ, "", "", nil)
	}

	var got []model.EventType
	for _, ev := range j.Pending() {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []model.EventType{model.EventWeakeningDetected, model.EventConnectionLost, model.EventEmergencyAlert}, got)
}

func TestMarkProcessed_ExactlyOnce(t *testing.T) {
	sink := &memSink{}
	j, _ := newJournal(t, WithSink(sink))
	ctx := context.Background()

	ev := j.Emit(ctx, model.EventSoulSync, "bind-1", "", nil)
	assert.True(t, j.MarkProcessed(ctx, ev.ID))
	assert.False(t, j.MarkProcessed(ctx, ev.ID))
	assert.False(t, j.MarkProcessed(ctx, "missing"))

	assert.Empty(t, j.Pending())
	all := j.All()
	require.Len(t, all, 1)
	assert.True(t, all[0].Processed, "processed events are retained")

	assert.Equal(t, []string{ev.ID}, sink.recorded)
	assert.Equal(t, []string{ev.ID}, sink.processed)
}

func TestSinkFailureIsLogged(t *testing.T) {
	j, _ := newJournal(t, WithSink(&memSink{err: errors.New("disk full")}))
	ctx := context.Background()

	ev := j.Emit(ctx, model.EventSoulSync, "", "", nil)
	assert.True(t, j.MarkProcessed(ctx, ev.ID))
}

func TestRetention_TrimsOnlyProcessed(t *testing.T) {
	j, _ := newJournal(t, WithRetention(2))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, j.Emit(ctx, model.EventSoulSync, fmt.Sprintf("b%d", i), "", nil).ID)
	}
	for _, id := range ids[:4] {
		j.MarkProcessed(ctx, id)
	}

	total, pending := j.Counts()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, pending)

	var kept []string
	for _, ev := range j.All() {
		kept = append(kept, ev.ID)
	}
	assert.Equal(t, []string{ids[2], ids[3], ids[4]}, kept)
}

func TestEmit_ConcurrentSeqFollowsOrder(t *testing.T) {
	j := New(zaptest.NewLogger(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				j.Emit(ctx, model.EventSoulSync, "b", "n", nil)
			}
		}()
	}
	wg.Wait()

	all := j.All()
	require.Len(t, all, 400)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Seq, all[i].Seq)
	}
}
