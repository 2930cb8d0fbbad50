package pushchannel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/illmade-knight/go-presencesync/pkg/types"
	"github.com/rs/zerolog"
)

var errNotConnected = errors.New("push connection not established")

var updateTypes = []string{string(types.UpdateStatus), string(types.UpdateAvatar)}

// connection is the shared handle for one endpoint. refCount equals the number of live subscriptions.
type connection struct {
	endpoint string
	registry *Registry
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[string]*Subscription
	state    ConnectionState
	live     Conn
	running  bool
	closed   bool
	refCount int

	writeMu sync.Mutex
}

func newConnection(endpoint string, r *Registry) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		endpoint: endpoint,
		registry: r,
		logger:   r.logger.With().Str("endpoint", endpoint).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*Subscription),
	}
}

// add registers a subscriber. It reports whether the caller must start the dial loop and
// whether the connection is already up.
func (c *connection) add(sub *Subscription) (start bool, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub.id] = sub
	c.refCount++
	if !c.running && !c.closed {
		c.running = true
		start = true
	}
	return start, c.state == StateConnected
}

// remove drops a subscriber and reports whether it was the last one.
func (c *connection) remove(sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub.id]; !ok {
		return false
	}
	delete(c.subs, sub.id)
	c.refCount--
	return c.refCount == 0
}

func (c *connection) refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refCount
}

func (c *connection) currentState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) snapshot() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (c *connection) close() {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	live := c.live
	c.live = nil
	c.mu.Unlock()

	c.cancel()
	if live != nil {
		_ = live.Close()
	}
}

// run dials, reads until the connection drops, and reconnects within the backoff budget.
func (c *connection) run() {
	b := c.registry.newBackOff()
	attempt := 0

	for {
		if c.ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)
		conn, err := c.registry.dial(c.ctx, c.endpoint)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setState(StateDisconnected)
			if isRateLimited(err) {
				c.logger.Warn().Err(err).Msg("Push connection rate limited.")
				c.notifyRateLimited()
			} else {
				c.logger.Warn().Err(err).Msg("Push connection error.")
				c.notify(ConnectionEvent{Kind: EventConnectError, Reason: err.Error()})
			}
		} else {
			if !c.attach(conn) {
				_ = conn.Close()
				return
			}
			b.Reset()
			attempt = 0
			c.logger.Info().Msg("Push connection established.")
			c.notify(ConnectionEvent{Kind: EventConnected})
			c.registerAll()

			reason := c.readLoop(conn)
			c.detach(conn)
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn().Str("reason", reason).Msg("Push connection dropped.")
			c.notify(ConnectionEvent{Kind: EventDisconnected, Reason: reason})
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			c.exhaust()
			return
		}
		attempt++
		c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting push connection.")
		c.notify(ConnectionEvent{Kind: EventReconnecting, Attempt: attempt, Delay: delay})
		if !c.sleep(delay) {
			return
		}
	}
}

func (c *connection) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.live = conn
	c.state = StateConnected
	return true
}

func (c *connection) detach(conn Conn) {
	c.mu.Lock()
	if c.live == conn {
		c.live = nil
	}
	if !c.closed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// exhaust marks the dial loop as stopped. A later Subscribe restarts it.
func (c *connection) exhaust() {
	c.mu.Lock()
	c.running = false
	c.state = StateDisconnected
	c.mu.Unlock()
	c.logger.Error().Msg("Push reconnection attempts exhausted.")
	c.notify(ConnectionEvent{Kind: EventExhausted})
}

func (c *connection) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *connection) write(frame envelope) error {
	c.mu.Lock()
	live := c.live
	c.mu.Unlock()
	if live == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return live.WriteJSON(frame)
}

// registerInterest tells the remote side to push updates for subjectID.
func (c *connection) registerInterest(subjectID string) {
	frame := envelope{
		Event: eventSubscribe,
		Data:  interestRegistration{UserID: subjectID, UpdateTypes: updateTypes},
	}
	if err := c.write(frame); err != nil {
		// The next connect re-registers every live subject.
		c.logger.Warn().Err(err).Str("subject_id", subjectID).Msg("Failed to register interest.")
		return
	}
	c.logger.Debug().Str("subject_id", subjectID).Msg("Registered interest.")
}

func (c *connection) registerAll() {
	seen := make(map[string]bool)
	for _, sub := range c.snapshot() {
		if seen[sub.subjectID] {
			continue
		}
		seen[sub.subjectID] = true
		c.registerInterest(sub.subjectID)
	}
}

// readLoop dispatches inbound frames until the connection fails and returns the reason.
func (c *connection) readLoop(conn Conn) string {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err.Error()
		}
		var frame inboundEnvelope
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed push frame.")
			continue
		}
		if frame.Event != eventUserUpdate {
			c.logger.Debug().Str("event", frame.Event).Msg("Ignoring push frame.")
			continue
		}
		var payload userUpdatePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed userUpdate payload.")
			continue
		}
		update, ok := toUpdate(payload)
		if !ok {
			c.logger.Debug().Str("update_type", payload.UpdateType).Msg("Dropping incomplete userUpdate payload.")
			continue
		}
		c.dispatch(update)
	}
}

func toUpdate(p userUpdatePayload) (types.Update, bool) {
	update := types.Update{SubjectID: p.UserID, Kind: types.UpdateKind(p.UpdateType)}
	switch update.Kind {
	case types.UpdateStatus:
		update.Status = types.ParseStatus(p.Status)
		return update, update.Status.IsSet()
	case types.UpdateAvatar:
		update.AvatarRef = p.AvatarURL
		return update, p.AvatarURL != ""
	default:
		return update, false
	}
}

// dispatch delivers an update to the subscribers interested in its subject.
// Updates without a subject go to every subscriber.
func (c *connection) dispatch(update types.Update) {
	for _, sub := range c.snapshot() {
		if update.SubjectID != "" && update.SubjectID != sub.subjectID {
			continue
		}
		if sub.handlers.OnUpdate == nil {
			continue
		}
		u := update
		u.SubjectID = sub.subjectID
		sub.handlers.OnUpdate(u)
	}
}

func (c *connection) notify(evt ConnectionEvent) {
	evt.Endpoint = c.endpoint
	for _, sub := range c.snapshot() {
		if sub.handlers.OnConnectionEvent != nil {
			sub.handlers.OnConnectionEvent(evt)
		}
	}
}

func (c *connection) notifyRateLimited() {
	for _, sub := range c.snapshot() {
		if sub.handlers.OnRateLimited != nil {
			sub.handlers.OnRateLimited()
		}
	}
}
