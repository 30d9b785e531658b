package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/civic-os/reflections/internal/app/activity"
	"github.com/civic-os/reflections/internal/app/domain/ledger"
	"github.com/civic-os/reflections/internal/app/services/chat"
	"github.com/civic-os/reflections/internal/app/services/feed"
	"github.com/civic-os/reflections/internal/app/storage/memory"
	"github.com/civic-os/reflections/internal/app/system"
	"github.com/civic-os/reflections/internal/config"
	"github.com/civic-os/reflections/internal/logging"
)

type recordingLedger struct {
	mu        sync.Mutex
	events    []ledger.Event
	recordErr error
	pingErr   error
}

func (l *recordingLedger) GetBalance(_ context.Context, h string) (ledger.Balance, error) {
	return ledger.Balance{Handle: h, TotalPoints: 1}, nil
}

func (l *recordingLedger) GetUnlocked(_ context.Context, h string) (ledger.UnlockSet, error) {
	return ledger.NewUnlockSet(h), nil
}

func (l *recordingLedger) GetForest(context.Context, string) (ledger.ForestState, error) {
	return ledger.ForestState{}, nil
}

func (l *recordingLedger) RecordEvent(_ context.Context, ev ledger.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return l.recordErr
	}
	l.events = append(l.events, ev)
	return nil
}

func (l *recordingLedger) Stake(context.Context, string, float64) (ledger.StakeResult, error) {
	return ledger.StakeResult{}, nil
}

func (l *recordingLedger) Ping(context.Context) error { return l.pingErr }

func (l *recordingLedger) recorded() []ledger.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Event(nil), l.events...)
}

type echoLLM struct{}

func (echoLLM) Complete(_ context.Context, _, user string) (string, error) { return user, nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Stream.Interval = 20 * time.Millisecond
	return cfg
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Output: io.Discard})
}

func newTestApp(t *testing.T, l *recordingLedger) *Application {
	t.Helper()
	application, err := New(context.Background(), testConfig(), Dependencies{
		Store:  memory.New(200),
		Ledger: l,
		LLM:    echoLLM{},
	}, quietLogger())
	require.NoError(t, err)
	return application
}

func stop(t *testing.T, a *Application) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, Dependencies{}, nil)
	assert.Error(t, err)
}

func TestApplication_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &recordingLedger{}
	a := newTestApp(t, l)
	require.NoError(t, a.Start(context.Background()))

	names := make([]string, 0)
	for _, d := range a.Components() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"store", "notifier", "livestate", "cron"}, names)

	sub, err := a.Hub.Subscribe(context.Background(), "ada")
	require.NoError(t, err)
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("no live state event")
	}

	_, err = a.Feed.Post(context.Background(), feed.PostInput{Author: "ada", Text: "drained on stop"})
	require.NoError(t, err)

	stop(t, a)

	events := l.recorded()
	require.Len(t, events, 1, "queued awards are delivered before stop returns")
	assert.Equal(t, "post_reflection", events[0].Meta["action"])
	assert.NotEmpty(t, events[0].DedupKey())
}

func TestApplication_OAAForwarder(t *testing.T) {
	var snaps int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oaa/ingest/snapshot" {
			atomic.AddInt32(&snaps, 1)
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.OAA.BaseURL = srv.URL
	cfg.OAA.APIKey = "oaa-key"
	a, err := New(context.Background(), cfg, Dependencies{
		Store:  memory.New(200),
		Ledger: &recordingLedger{},
		LLM:    echoLLM{},
	}, quietLogger())
	require.NoError(t, err)
	require.True(t, a.OAA.Enabled())
	require.NoError(t, a.Start(context.Background()))

	names := make([]string, 0)
	for _, d := range a.Components() {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "oaa")

	_, err = a.Feed.Post(context.Background(), feed.PostInput{Author: "ada", Text: "forward me"})
	require.NoError(t, err)

	// Stop drains queued snapshots.
	stop(t, a)
	assert.Equal(t, int32(1), atomic.LoadInt32(&snaps))
}

func TestApplication_OAADisabledByDefault(t *testing.T) {
	a := newTestApp(t, &recordingLedger{})
	assert.False(t, a.OAA.Enabled())
}

func TestApplication_AttachDuplicate(t *testing.T) {
	a := newTestApp(t, &recordingLedger{})
	err := a.Attach(system.Func{ServiceName: "notifier"})
	assert.ErrorIs(t, err, system.ErrDuplicateService)
}

func TestApplication_FailedAwardsReachActivity(t *testing.T) {
	a := newTestApp(t, &recordingLedger{recordErr: errors.New("ledger down")})
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	_, err := a.Chat.Reflect(context.Background(), chat.ReflectInput{User: "ada", Text: "a reflection long enough"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return a.Activity.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	entry := a.Activity.List("ada", 10)[0]
	assert.Equal(t, activity.StatusFailed, entry.Status)
	assert.Equal(t, "companion_reflect", entry.Action)
	assert.Equal(t, float64(5), entry.Amount)
	assert.NotEmpty(t, entry.DedupKey)
}

func TestApplication_Ready(t *testing.T) {
	l := &recordingLedger{}
	a := newTestApp(t, l)

	checks := a.Ready(context.Background())
	assert.NoError(t, checks["ledger"])
	assert.NoError(t, checks["store"])

	l.pingErr = errors.New("no route to host")
	assert.Error(t, a.Ready(context.Background())["ledger"])
}

func TestOpenStore(t *testing.T) {
	store, err := openStore(context.Background(), config.StoreConfig{Backend: config.BackendMemory, Retention: 3})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)

	_, err = openStore(context.Background(), config.StoreConfig{Backend: "sqlite"})
	assert.ErrorContains(t, err, "sqlite")
}
