// Package controller reconciles cached, fetched and pushed presence for one subject into a UIState.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-presencesync/pkg/cache"
	"github.com/illmade-knight/go-presencesync/pkg/fetcher"
	"github.com/illmade-knight/go-presencesync/pkg/poller"
	"github.com/illmade-knight/go-presencesync/pkg/pushchannel"
	"github.com/illmade-knight/go-presencesync/pkg/types"
	"github.com/rs/zerolog"
)

// Defaults for Config fields left at zero.
const (
	DefaultFallbackAvatar  = "/profile.png"
	DefaultSkeletonTimeout = 50 * time.Millisecond
)

// eventBuffer sizes the per-mount event queue.
const eventBuffer = 64

// Fetcher performs one presence lookup. *fetcher.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint, subjectID string) (types.PresenceRecord, error)
}

// Config holds the settings for one controller.
type Config struct {
	SubjectID string
	Endpoint  string
	Transport types.Transport
	// PollInterval is only used by the poll transport.
	PollInterval    time.Duration
	ShowStatus      bool
	FallbackAvatar  string
	SkeletonTimeout time.Duration
	FetchTimeout    time.Duration
}

// Dependencies are the shared, process-wide collaborators of a controller.
// Registry is required for the push transport and Poller for the poll transport.
type Dependencies struct {
	Cache    *cache.PresenceCache
	Fetcher  Fetcher
	Registry *pushchannel.Registry
	Poller   *poller.Poller
}

// Callbacks receive the controller's output. The mount's first state and loading
// signal are delivered synchronously inside Start on the caller's goroutine; every later
// call runs on the event goroutine. Calls never overlap. Callbacks must not call Stop.
type Callbacks struct {
	OnState          func(types.UIState)
	OnLoadingChanged func(bool)
}

// Controller drives the state machine for one subject. Events are applied one at a time
// on a single goroutine per mount, so the model needs no locking.
type Controller struct {
	cfg       Config
	params    Params
	deps      Dependencies
	callbacks Callbacks
	logger    zerolog.Logger

	mu         sync.Mutex
	mount      *mount
	generation uint64
	snapshot   types.UIState
	state      State
}

// mount is the lifetime of one Start/Stop cycle.
type mount struct {
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan envelope
	loopDone chan struct{}

	model Model
	sub   *pushchannel.Subscription
	poll  *poller.Handle
	timer *time.Timer
}

type envelope struct {
	gen uint64
	ev  Event
}

// post queues an event for the loop. Events posted after the mount ended are dropped.
func (m *mount) post(ev Event) {
	select {
	case m.events <- envelope{gen: m.gen, ev: ev}:
	case <-m.ctx.Done():
	}
}

// New validates the configuration and creates an idle controller.
func New(cfg Config, deps Dependencies, callbacks Callbacks, logger zerolog.Logger) (*Controller, error) {
	if cfg.SubjectID == "" {
		return nil, errors.New("subject id cannot be empty")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint cannot be empty")
	}
	if deps.Cache == nil || deps.Fetcher == nil {
		return nil, errors.New("cache and fetcher cannot be nil")
	}
	if cfg.Transport == "" {
		cfg.Transport = types.TransportPush
	}
	if cfg.ShowStatus {
		switch cfg.Transport {
		case types.TransportPush:
			if deps.Registry == nil {
				return nil, errors.New("push transport requires a registry")
			}
		case types.TransportPoll:
			if deps.Poller == nil {
				return nil, errors.New("poll transport requires a poller")
			}
		default:
			return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
		}
	}
	if cfg.FallbackAvatar == "" {
		cfg.FallbackAvatar = DefaultFallbackAvatar
	}
	if cfg.SkeletonTimeout <= 0 {
		cfg.SkeletonTimeout = DefaultSkeletonTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = fetcher.DefaultTimeout
	}

	params := Params{ShowStatus: cfg.ShowStatus, FallbackAvatar: cfg.FallbackAvatar}
	return &Controller{
		cfg:       cfg,
		params:    params,
		deps:      deps,
		callbacks: callbacks,
		snapshot:  Derive(Model{}, params),
		logger: logger.With().
			Str("component", "PresenceController").
			Str("instance_id", uuid.NewString()).
			Str("subject_id", cfg.SubjectID).
			Logger(),
	}, nil
}

// Start mounts the controller: it reads the cache, applies the mount transition on the
// calling goroutine, then hands further events to the loop. A controller can be
// restarted after Stop; each Start is a fresh mount.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.mount != nil {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.generation++
	mctx, cancel := context.WithCancel(ctx)
	m := &mount{
		gen:      c.generation,
		ctx:      mctx,
		cancel:   cancel,
		events:   make(chan envelope, eventBuffer),
		loopDone: make(chan struct{}),
	}
	c.mount = m
	c.mu.Unlock()

	entry, valid := c.deps.Cache.Get(mctx, c.cfg.SubjectID)
	c.logger.Info().Bool("cache_hit", valid).Str("transport", string(c.cfg.Transport)).Msg("Mounting.")
	c.apply(m, Mount{SubjectID: c.cfg.SubjectID, Cached: entry.Record, Valid: valid})

	go c.loop(m)
	return nil
}

// Stop unmounts the controller. Pending results are discarded, the live channel is
// released and timers are cancelled. No callback runs after Stop returns.
func (c *Controller) Stop() {
	c.mu.Lock()
	m := c.mount
	c.mount = nil
	c.generation++
	c.mu.Unlock()
	if m == nil {
		return
	}
	m.cancel()
	<-m.loopDone
	c.logger.Info().Msg("Unmounted.")
}

// Snapshot returns the latest emitted UIState.
func (c *Controller) Snapshot() types.UIState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// State returns the current reconciliation state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubjectID returns the subject this controller tracks.
func (c *Controller) SubjectID() string {
	return c.cfg.SubjectID
}

func (c *Controller) loop(m *mount) {
	defer close(m.loopDone)
	defer c.teardown(m)

	for {
		select {
		case <-m.ctx.Done():
			return
		case env := <-m.events:
			if !c.live(m, env.gen) {
				c.logger.Debug().Uint64("generation", env.gen).Msg("Dropping stale event.")
				continue
			}
			c.apply(m, env.ev)
		}
	}
}

// live reports whether gen belongs to the current mount.
func (c *Controller) live(m *mount, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mount == m && c.generation == gen && m.ctx.Err() == nil
}

func (c *Controller) apply(m *mount, ev Event) {
	if ce, ok := ev.(ConnectionChanged); ok {
		c.logConnectionEvent(ce.Event)
	}

	next, effects := Transition(m.model, ev, c.params)
	if next.State != m.model.State {
		c.logger.Info().Str("from", m.model.State.String()).Str("to", next.State.String()).Msg("State transition.")
	}
	m.model = next

	c.mu.Lock()
	c.state = next.State
	c.mu.Unlock()

	for _, eff := range effects {
		c.execute(m, eff)
	}
}

func (c *Controller) execute(m *mount, eff Effect) {
	switch e := eff.(type) {
	case EmitState:
		c.mu.Lock()
		c.snapshot = e.State
		c.mu.Unlock()
		if c.callbacks.OnState != nil {
			c.callbacks.OnState(e.State)
		}
	case SignalLoading:
		if c.callbacks.OnLoadingChanged != nil {
			c.callbacks.OnLoadingChanged(e.Loading)
		}
	case WriteCache:
		c.deps.Cache.Put(m.ctx, c.cfg.SubjectID, e.Record)
	case StartFetch:
		c.startFetch(m)
	case StartChannel:
		c.startChannel(m)
	case StopChannel:
		c.stopChannel(m)
	case ScheduleSkeletonTimeout:
		m.timer = time.AfterFunc(c.cfg.SkeletonTimeout, func() {
			m.post(SkeletonTimeout{})
		})
	}
}

func (c *Controller) startFetch(m *mount) {
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, c.cfg.FetchTimeout)
		defer cancel()
		record, err := c.deps.Fetcher.Fetch(ctx, c.cfg.Endpoint, c.cfg.SubjectID)
		if err != nil && m.ctx.Err() == nil {
			c.logger.Warn().Err(err).Str("failure", fetcher.Classify(err).String()).Msg("Presence fetch failed.")
		}
		m.post(FetchResult{Record: record, Err: err, At: time.Now()})
	}()
}

// startChannel opens exactly one live channel for the mount.
func (c *Controller) startChannel(m *mount) {
	if m.sub != nil || m.poll != nil {
		return
	}
	switch c.cfg.Transport {
	case types.TransportPoll:
		m.poll = c.deps.Poller.Start(m.ctx, c.cfg.Endpoint, c.cfg.SubjectID, c.cfg.PollInterval,
			func(s types.Status) {
				m.post(ChannelUpdate{
					Update: types.Update{SubjectID: c.cfg.SubjectID, Kind: types.UpdateStatus, Status: s},
					At:     time.Now(),
				})
			},
			func() { m.post(RateLimit{At: time.Now()}) },
		)
	default:
		m.sub = c.deps.Registry.Subscribe(c.cfg.Endpoint, c.cfg.SubjectID, pushchannel.Handlers{
			OnUpdate: func(u types.Update) {
				m.post(ChannelUpdate{Update: u, At: time.Now()})
			},
			OnConnectionEvent: func(e pushchannel.ConnectionEvent) {
				m.post(ConnectionChanged{Event: e})
			},
			OnRateLimited: func() {
				m.post(RateLimit{At: time.Now()})
			},
		})
	}
	c.logger.Debug().Str("transport", string(c.cfg.Transport)).Msg("Live channel started.")
}

func (c *Controller) stopChannel(m *mount) {
	if m.sub != nil {
		m.sub.Cancel()
		m.sub = nil
	}
	if m.poll != nil {
		m.poll.Stop()
		m.poll = nil
	}
}

func (c *Controller) teardown(m *mount) {
	if m.timer != nil {
		m.timer.Stop()
	}
	c.stopChannel(m)
}

func (c *Controller) logConnectionEvent(e pushchannel.ConnectionEvent) {
	switch e.Kind {
	case pushchannel.EventExhausted:
		c.logger.Warn().Str("endpoint", e.Endpoint).Msg("Push channel gave up reconnecting, serving cached presence.")
	case pushchannel.EventConnectError, pushchannel.EventDisconnected:
		c.logger.Debug().Str("endpoint", e.Endpoint).Str("kind", string(e.Kind)).Str("reason", e.Reason).Msg("Push channel event.")
	default:
		c.logger.Debug().Str("endpoint", e.Endpoint).Str("kind", string(e.Kind)).Int("attempt", e.Attempt).Msg("Push channel event.")
	}
}
