package notifier

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/civic-os/reflections/internal/app/domain/ledger"
	"github.com/civic-os/reflections/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []ledger.Event
	err    error
	block  chan struct{}
}

func (f *fakeRecorder) RecordEvent(ctx context.Context, ev ledger.Event) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeRecorder) recorded() []ledger.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Event(nil), f.events...)
}

func quietLogger(buf *bytes.Buffer) *logging.Logger {
	return logging.New(logging.Config{Component: "notifier", Output: buf})
}

func award(actor string) ledger.Event {
	return ledger.Event{Kind: ledger.KindAward, Amount: 5, Unit: ledger.UnitXP, Actor: actor,
		Meta: map[string]interface{}{"action": "post_reflection"}}
}

func TestEnqueue_DeliversWithDedupKey(t *testing.T) {
	rec := &fakeRecorder{}
	var buf bytes.Buffer
	n := New(rec, Config{Logger: quietLogger(&buf)})
	n.Start()

	ev := award("ada")
	key, ok := n.Enqueue(ev)
	require.True(t, ok)
	require.NotEmpty(t, key)
	assert.NotContains(t, ev.Meta, ledger.MetaDedupKey, "caller meta must not be mutated")

	require.NoError(t, n.Stop(context.Background()))

	got := rec.recorded()
	require.Len(t, got, 1)
	assert.Equal(t, key, got[0].DedupKey())
	assert.Equal(t, "post_reflection", got[0].Meta["action"])
}

func TestEnqueue_KeepsExistingKey(t *testing.T) {
	n := New(&fakeRecorder{}, Config{Logger: quietLogger(&bytes.Buffer{})})
	ev := award("ada")
	ev.Meta[ledger.MetaDedupKey] = "fixed"
	key, _ := n.Enqueue(ev)
	assert.Equal(t, "fixed", key)
	require.NoError(t, n.Stop(context.Background()))
}

func TestFailuresAreObservable(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("ledger unreachable")}
	var buf bytes.Buffer
	n := New(rec, Config{Logger: quietLogger(&buf)})
	n.Start()

	key, ok := n.Enqueue(award("ada"))
	require.True(t, ok)

	select {
	case f := <-n.Failures():
		assert.Equal(t, key, f.Event.DedupKey())
		assert.EqualError(t, f.Err, "ledger unreachable")
	case <-time.After(2 * time.Second):
		t.Fatal("no failure reported")
	}

	require.NoError(t, n.Stop(context.Background()))
	assert.Contains(t, buf.String(), "ledger award notification failed")
	assert.Contains(t, buf.String(), key)
}

func TestEnqueue_FullQueueDropsWithoutBlocking(t *testing.T) {
	rec := &fakeRecorder{block: make(chan struct{})}
	var buf bytes.Buffer
	n := New(rec, Config{QueueSize: 1, Workers: 1, Logger: quietLogger(&buf)})
	n.Start()

	accepted := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if _, ok := n.Enqueue(award("ada")); ok {
				accepted++
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked")
	}
	assert.Less(t, accepted, 10)
	assert.Contains(t, buf.String(), "queue full")

	close(rec.block)
	require.NoError(t, n.Stop(context.Background()))
}

func TestStop_RejectsLateEvents(t *testing.T) {
	n := New(&fakeRecorder{}, Config{Logger: quietLogger(&bytes.Buffer{})})
	n.Start()
	require.NoError(t, n.Stop(context.Background()))
	require.NoError(t, n.Stop(context.Background()))

	_, ok := n.Enqueue(award("ada"))
	assert.False(t, ok)
}

func TestStop_DrainsWithoutStart(t *testing.T) {
	rec := &fakeRecorder{}
	n := New(rec, Config{Logger: quietLogger(&bytes.Buffer{})})
	n.Enqueue(award("ada"))
	n.Enqueue(award("bob"))
	require.NoError(t, n.Stop(context.Background()))
	assert.Len(t, rec.recorded(), 2)
}

func TestStop_DeadlineCancelsInFlight(t *testing.T) {
	rec := &fakeRecorder{block: make(chan struct{})}
	n := New(rec, Config{Workers: 1, Timeout: time.Minute, Logger: quietLogger(&bytes.Buffer{})})
	n.Start()
	n.Enqueue(award("ada"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Stop(ctx), context.DeadlineExceeded)
}
