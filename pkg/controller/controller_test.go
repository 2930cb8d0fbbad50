package controller_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-presencesync/pkg/cache"
	"github.com/illmade-knight/go-presencesync/pkg/controller"
	"github.com/illmade-knight/go-presencesync/pkg/fetcher"
	"github.com/illmade-knight/go-presencesync/pkg/poller"
	"github.com/illmade-knight/go-presencesync/pkg/pushchannel"
	"github.com/illmade-knight/go-presencesync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	endpoint = "https://presence.example"
	subject  = "user-a"
)

// --- Test doubles ---

// stubFetcher answers every call through fn.
type stubFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context) (types.PresenceRecord, error)
}

func (f *stubFetcher) Fetch(ctx context.Context, _, subjectID string) (types.PresenceRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	rec, err := f.fn(ctx)
	rec.SubjectID = subjectID
	return rec, err
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func returning(rec types.PresenceRecord, err error) *stubFetcher {
	return &stubFetcher{fn: func(context.Context) (types.PresenceRecord, error) { return rec, err }}
}

type pushConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *pushConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.frames:
		return 1, b, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *pushConn) WriteJSON(interface{}) error { return nil }

func (c *pushConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type pushDialer struct {
	mu    sync.Mutex
	conns []*pushConn
	err   error
}

func (d *pushDialer) Dial(context.Context, string) (pushchannel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &pushConn{frames: make(chan []byte, 8), closed: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *pushDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *pushDialer) send(t *testing.T, frame string) {
	t.Helper()
	d.mu.Lock()
	require.NotEmpty(t, d.conns)
	c := d.conns[len(d.conns)-1]
	d.mu.Unlock()
	c.frames <- []byte(frame)
}

// output records controller callbacks.
type output struct {
	mu      sync.Mutex
	states  []types.UIState
	loading []bool
}

func (o *output) callbacks() controller.Callbacks {
	return controller.Callbacks{
		OnState: func(s types.UIState) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.states = append(o.states, s)
		},
		OnLoadingChanged: func(l bool) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.loading = append(o.loading, l)
		},
	}
}

func (o *output) snapshot() ([]types.UIState, []bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.UIState(nil), o.states...), append([]bool(nil), o.loading...)
}

func (o *output) last() types.UIState {
	states, _ := o.snapshot()
	if len(states) == 0 {
		return types.UIState{}
	}
	return states[len(states)-1]
}

// harness wires a controller to in-memory collaborators.
type harness struct {
	store    *cache.InMemoryPresenceStore[string, cache.Entry]
	cache    *cache.PresenceCache
	fetcher  *stubFetcher
	dialer   *pushDialer
	registry *pushchannel.Registry
	poller   *poller.Poller
}

func newHarness(t *testing.T, f *stubFetcher) *harness {
	t.Helper()
	store := cache.NewInMemoryPresenceStore[string, cache.Entry]()
	dialer := &pushDialer{}
	registry, err := pushchannel.NewRegistry(&pushchannel.Config{
		ReconnectDelayMin: time.Millisecond,
		ReconnectDelayMax: 2 * time.Millisecond,
	}, dialer, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })
	p, err := poller.New(f, zerolog.Nop())
	require.NoError(t, err)
	return &harness{
		store:    store,
		cache:    cache.NewPresenceCache(store, 5*time.Minute, zerolog.Nop()),
		fetcher:  f,
		dialer:   dialer,
		registry: registry,
		poller:   p,
	}
}

func (h *harness) deps() controller.Dependencies {
	return controller.Dependencies{Cache: h.cache, Fetcher: h.fetcher, Registry: h.registry, Poller: h.poller}
}

func (h *harness) start(t *testing.T, cfg controller.Config) (*controller.Controller, *output) {
	t.Helper()
	out := &output{}
	c, err := controller.New(cfg, h.deps(), out.callbacks(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, out
}

func pushConfig() controller.Config {
	return controller.Config{
		SubjectID:      subject,
		Endpoint:       endpoint,
		Transport:      types.TransportPush,
		ShowStatus:     true,
		FallbackAvatar: fallback,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
}

// --- Tests ---

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, returning(types.PresenceRecord{}, nil))
	testCases := []struct {
		name   string
		mutate func(*controller.Config, *controller.Dependencies)
	}{
		{name: "empty subject", mutate: func(c *controller.Config, _ *controller.Dependencies) { c.SubjectID = "" }},
		{name: "empty endpoint", mutate: func(c *controller.Config, _ *controller.Dependencies) { c.Endpoint = "" }},
		{name: "nil cache", mutate: func(_ *controller.Config, d *controller.Dependencies) { d.Cache = nil }},
		{name: "push without registry", mutate: func(_ *controller.Config, d *controller.Dependencies) { d.Registry = nil }},
		{name: "poll without poller", mutate: func(c *controller.Config, d *controller.Dependencies) {
			c.Transport = types.TransportPoll
			d.Poller = nil
		}},
		{name: "unknown transport", mutate: func(c *controller.Config, _ *controller.Dependencies) { c.Transport = "carrier-pigeon" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, deps := pushConfig(), h.deps()
			tc.mutate(&cfg, &deps)
			_, err := controller.New(cfg, deps, controller.Callbacks{}, zerolog.Nop())
			assert.Error(t, err)
		})
	}

	t.Run("hidden status needs no channel", func(t *testing.T) {
		cfg, deps := pushConfig(), h.deps()
		cfg.ShowStatus = false
		deps.Registry = nil
		_, err := controller.New(cfg, deps, controller.Callbacks{}, zerolog.Nop())
		assert.NoError(t, err)
	})
}

func TestController_EmptyCacheFetchSucceeds(t *testing.T) {
	// Arrange
	h := newHarness(t, returning(types.PresenceRecord{AvatarRef: "https://cdn.example/a.png", Status: types.StatusOnline, ObservedAt: time.Now()}, nil))

	// Act
	c, out := h.start(t, pushConfig())

	// Assert
	want := types.UIState{DisplayAvatar: "https://cdn.example/a.png", DisplayStatus: types.StatusOnline, Phase: types.PhaseContent}
	waitFor(t, func() bool { return out.last() == want })
	states, loading := out.snapshot()
	require.Len(t, states, 2)
	assert.Equal(t, types.PhaseSkeleton, states[0].Phase)
	assert.Equal(t, []bool{true, false}, loading)
	assert.Equal(t, controller.StateReady, c.State())
	assert.Equal(t, want, c.Snapshot())

	entry, ok := h.cache.Get(context.Background(), subject)
	require.True(t, ok, "the fetched record is written through")
	assert.Equal(t, types.StatusOnline, entry.Record.Status)
}

func TestController_ValidCacheSeeds(t *testing.T) {
	// Arrange: an entry inserted a minute ago, well inside the five minute window.
	h := newHarness(t, returning(types.PresenceRecord{AvatarRef: "X", Status: types.StatusIdle}, nil))
	require.NoError(t, h.store.Set(context.Background(), subject, cache.Entry{
		Record:     types.PresenceRecord{SubjectID: subject, AvatarRef: "X", Status: types.StatusIdle},
		InsertedAt: time.Now().Add(-60 * time.Second),
	}))

	// Act
	c, out := h.start(t, pushConfig())

	// Assert: the first emission is already content, before any fetch lands.
	states, loading := out.snapshot()
	require.NotEmpty(t, states)
	assert.Equal(t, types.UIState{DisplayAvatar: "X", DisplayStatus: types.StatusIdle, Phase: types.PhaseContent}, states[0])
	assert.Equal(t, []bool{false}, loading, "content is signalled without a skeleton")

	waitFor(t, func() bool { return c.State() == controller.StateReady })
	assert.Equal(t, 1, h.fetcher.callCount(), "a background refresh was issued")
	states, _ = out.snapshot()
	assert.Len(t, states, 1, "the identical refresh changed nothing visible")
}

func TestController_SeededMountSignalsInsideStart(t *testing.T) {
	// Arrange
	h := newHarness(t, returning(types.PresenceRecord{AvatarRef: "X", Status: types.StatusIdle}, nil))
	h.cache.Put(context.Background(), subject, types.PresenceRecord{SubjectID: subject, AvatarRef: "X", Status: types.StatusIdle})

	var returned atomic.Bool
	var mu sync.Mutex
	var stateBeforeReturn, loadingBeforeReturn []bool
	c, err := controller.New(pushConfig(), h.deps(), controller.Callbacks{
		OnState: func(types.UIState) {
			mu.Lock()
			defer mu.Unlock()
			stateBeforeReturn = append(stateBeforeReturn, !returned.Load())
		},
		OnLoadingChanged: func(bool) {
			mu.Lock()
			defer mu.Unlock()
			loadingBeforeReturn = append(loadingBeforeReturn, !returned.Load())
		},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	// Act
	require.NoError(t, c.Start(context.Background()))
	returned.Store(true)

	// Assert
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, stateBeforeReturn)
	assert.True(t, stateBeforeReturn[0], "the seeded state is emitted before Start returns")
	require.NotEmpty(t, loadingBeforeReturn)
	assert.True(t, loadingBeforeReturn[0], "the loading signal is sent before Start returns")
	assert.Equal(t, types.UIState{DisplayAvatar: "X", DisplayStatus: types.StatusIdle, Phase: types.PhaseContent}, c.Snapshot())
}

func TestController_RateLimitedFetch(t *testing.T) {
	// Arrange
	h := newHarness(t, returning(types.PresenceRecord{}, fmt.Errorf("get: %w", fetcher.ErrRateLimited)))
	cfg := pushConfig()
	cfg.Transport = types.TransportPoll
	cfg.PollInterval = 5 * time.Millisecond

	// Act
	c, out := h.start(t, cfg)

	// Assert
	waitFor(t, func() bool { return c.State() == controller.StateRateLimited })
	assert.Equal(t, types.UIState{DisplayAvatar: fallback, DisplayStatus: types.StatusOffline, Phase: types.PhaseContent, StatusHidden: true}, out.last())

	calls := h.fetcher.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, h.fetcher.callCount(), "no further polling after rate limiting")

	entry, ok := h.cache.Get(context.Background(), subject)
	require.True(t, ok)
	assert.Equal(t, fallback, entry.Record.AvatarRef)
	assert.Equal(t, types.StatusOffline, entry.Record.Status)
}

func TestController_DuplicatePushUpdates(t *testing.T) {
	// Arrange
	h := newHarness(t, returning(types.PresenceRecord{AvatarRef: "A", Status: types.StatusOnline}, nil))
	c, out := h.start(t, pushConfig())
	waitFor(t, func() bool { return c.State() == controller.StateReady && h.dialer.dialCount() == 1 })

	// Act
	frame := `{"event":"userUpdate","data":{"updateType":"status","status":"dnd"}}`
	h.dialer.send(t, frame)
	h.dialer.send(t, frame)

	// Assert
	waitFor(t, func() bool { return out.last().DisplayStatus == types.StatusDoNotDisturb })
	time.Sleep(20 * time.Millisecond)
	states, _ := out.snapshot()
	dnd := 0
	for _, s := range states {
		if s.DisplayStatus == types.StatusDoNotDisturb {
			dnd++
		}
	}
	assert.Equal(t, 1, dnd)

	entry, ok := h.cache.Get(context.Background(), subject)
	require.True(t, ok)
	assert.Equal(t, types.StatusDoNotDisturb, entry.Record.Status)
}

func TestController_SharedPushConnection(t *testing.T) {
	// Arrange
	h := newHarness(t, returning(types.PresenceRecord{AvatarRef: "A", Status: types.StatusOnline}, nil))
	first, outFirst := h.start(t, pushConfig())
	second, outSecond := h.start(t, pushConfig())
	waitFor(t, func() bool {
		return first.State() == controller.StateReady && second.State() == controller.StateReady && h.dialer.dialCount() == 1
	})
	assert.Equal(t, 1, h.registry.ConnectionCount())
	assert.Equal(t, 2, h.registry.RefCount(endpoint))

	// Act: unmount one.
	first.Stop()
	before, _ := outFirst.snapshot()
	h.dialer.send(t, `{"event":"userUpdate","data":{"updateType":"status","status":"idle","userId":"user-a"}}`)

	// Assert: the survivor still receives updates, the unmounted one is silent.
	waitFor(t, func() bool { return outSecond.last().DisplayStatus == types.StatusIdle })
	after, _ := outFirst.snapshot()
	assert.Equal(t, before, after)
	assert.Equal(t, 1, h.registry.RefCount(endpoint))

	// Act: unmount the other.
	second.Stop()

	// Assert
	assert.Equal(t, 0, h.registry.ConnectionCount())
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestController_NetworkErrorFallsBack(t *testing.T) {
	h := newHarness(t, returning(types.PresenceRecord{}, fmt.Errorf("get: %w", fetcher.ErrNetwork)))

	c, out := h.start(t, pushConfig())

	want := types.UIState{DisplayAvatar: fallback, DisplayStatus: types.StatusOffline, Phase: types.PhaseContent}
	waitFor(t, func() bool { return c.State() == controller.StateReady })
	assert.Equal(t, want, out.last())
	_, loading := out.snapshot()
	assert.Equal(t, []bool{true, false}, loading)
	_, cached := h.cache.Get(context.Background(), subject)
	assert.False(t, cached, "failures are not cached")
}

func TestController_SkeletonTimeout(t *testing.T) {
	// Arrange: the fetch hangs until the mount is cancelled.
	f := &stubFetcher{fn: func(ctx context.Context) (types.PresenceRecord, error) {
		<-ctx.Done()
		return types.PresenceRecord{}, fmt.Errorf("get: %w: %v", fetcher.ErrNetwork, ctx.Err())
	}}
	h := newHarness(t, f)
	cfg := pushConfig()
	cfg.SkeletonTimeout = 10 * time.Millisecond

	// Act
	c, out := h.start(t, cfg)

	// Assert: content is shown with the fallback although nothing arrived.
	waitFor(t, func() bool { return out.last().Phase == types.PhaseContent })
	assert.Equal(t, fallback, out.last().DisplayAvatar)
	assert.Equal(t, controller.StateLoading, c.State())
	_, loading := out.snapshot()
	assert.Equal(t, []bool{true, false}, loading)
}

func TestController_StopDiscardsLateResults(t *testing.T) {
	// Arrange: a fetch that ignores cancellation and answers only when released.
	release := make(chan struct{})
	f := &stubFetcher{fn: func(context.Context) (types.PresenceRecord, error) {
		<-release
		return types.PresenceRecord{AvatarRef: "late", Status: types.StatusOnline}, nil
	}}
	h := newHarness(t, f)
	c, out := h.start(t, pushConfig())
	waitFor(t, func() bool { return f.callCount() == 1 })

	// Act
	c.Stop()
	c.Stop()
	before, beforeLoading := out.snapshot()
	close(release)
	time.Sleep(20 * time.Millisecond)

	// Assert
	after, afterLoading := out.snapshot()
	assert.Equal(t, before, after, "no emission after Stop")
	assert.Equal(t, beforeLoading, afterLoading)
	_, cached := h.cache.Get(context.Background(), subject)
	assert.False(t, cached, "a discarded result is not written through")
	assert.Equal(t, 0, h.registry.ConnectionCount(), "the channel was released")
}

func TestController_TransportsAreExclusive(t *testing.T) {
	t.Run("push", func(t *testing.T) {
		h := newHarness(t, returning(types.PresenceRecord{Status: types.StatusOnline}, nil))
		c, _ := h.start(t, pushConfig())
		waitFor(t, func() bool { return c.State() == controller.StateReady && h.dialer.dialCount() == 1 })

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, h.fetcher.callCount(), "only the mount fetch ran, no poller")
	})

	t.Run("poll", func(t *testing.T) {
		h := newHarness(t, returning(types.PresenceRecord{Status: types.StatusOnline}, nil))
		cfg := pushConfig()
		cfg.Transport = types.TransportPoll
		cfg.PollInterval = 2 * time.Millisecond
		c, _ := h.start(t, cfg)

		waitFor(t, func() bool { return c.State() == controller.StateReady && h.fetcher.callCount() > 3 })
		assert.Equal(t, 0, h.dialer.dialCount())
		assert.Equal(t, 0, h.registry.ConnectionCount())
	})
}

func TestController_PollUpdates(t *testing.T) {
	var mu sync.Mutex
	status := types.StatusOnline
	f := &stubFetcher{fn: func(context.Context) (types.PresenceRecord, error) {
		mu.Lock()
		defer mu.Unlock()
		return types.PresenceRecord{AvatarRef: "A", Status: status}, nil
	}}
	h := newHarness(t, f)
	cfg := pushConfig()
	cfg.Transport = types.TransportPoll
	cfg.PollInterval = 2 * time.Millisecond
	_, out := h.start(t, cfg)
	waitFor(t, func() bool { return out.last().DisplayStatus == types.StatusOnline })

	mu.Lock()
	status = types.StatusIdle
	mu.Unlock()

	waitFor(t, func() bool { return out.last().DisplayStatus == types.StatusIdle })
}

func TestController_PushRateLimitLatches(t *testing.T) {
	h := newHarness(t, returning(types.PresenceRecord{AvatarRef: "A", Status: types.StatusOnline}, nil))
	h.dialer.err = &pushchannel.DialError{StatusCode: 429, Err: errors.New("bad handshake")}

	c, out := h.start(t, pushConfig())

	waitFor(t, func() bool { return c.State() == controller.StateRateLimited })
	assert.True(t, out.last().StatusHidden)
	assert.Equal(t, fallback, out.last().DisplayAvatar)
	waitFor(t, func() bool { return h.registry.ConnectionCount() == 0 })
}

func TestController_Restart(t *testing.T) {
	h := newHarness(t, returning(types.PresenceRecord{AvatarRef: "A", Status: types.StatusOnline}, nil))
	c, out := h.start(t, pushConfig())
	waitFor(t, func() bool { return c.State() == controller.StateReady })

	assert.Error(t, c.Start(context.Background()), "already started")

	c.Stop()
	require.NoError(t, c.Start(context.Background()))

	// The second mount is seeded from what the first one cached.
	assert.Equal(t, types.UIState{DisplayAvatar: "A", DisplayStatus: types.StatusOnline, Phase: types.PhaseContent}, out.last())
	assert.Contains(t, []controller.State{controller.StateSeeded, controller.StateReady}, c.State())
}
