package pushchannel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Defaults for Config fields left at zero.
const (
	DefaultConnectTimeout    = 20 * time.Second
	DefaultReconnectAttempts = 5
	DefaultReconnectDelayMin = 2 * time.Second
	DefaultReconnectDelayMax = 10 * time.Second
)

// Config holds the connection and reconnection policy shared by every connection in a Registry.
type Config struct {
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// ReconnectAttempts is the number of retries after a failed attempt or a dropped connection.
	ReconnectAttempts int
	// ReconnectDelayMin is the first retry delay; each retry doubles it.
	ReconnectDelayMin time.Duration
	// ReconnectDelayMax caps the retry delay.
	ReconnectDelayMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelayMin <= 0 {
		c.ReconnectDelayMin = DefaultReconnectDelayMin
	}
	if c.ReconnectDelayMax < c.ReconnectDelayMin {
		c.ReconnectDelayMax = c.ReconnectDelayMin
		if DefaultReconnectDelayMax > c.ReconnectDelayMax {
			c.ReconnectDelayMax = DefaultReconnectDelayMax
		}
	}
	return c
}

// Registry owns one shared connection per endpoint. The first subscriber to an endpoint
// opens its connection; the last one to cancel closes it.
type Registry struct {
	cfg    Config
	dialer Dialer
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg *Config, dialer Dialer, logger zerolog.Logger) (*Registry, error) {
	if dialer == nil {
		return nil, errors.New("dialer cannot be nil")
	}
	var c Config
	if cfg != nil {
		c = *cfg
	}
	return &Registry{
		cfg:    c.withDefaults(),
		dialer: dialer,
		logger: logger.With().Str("component", "PushRegistry").Logger(),
		conns:  make(map[string]*connection),
	}, nil
}

// Subscription is one consumer's interest in a subject on a shared connection.
type Subscription struct {
	id        string
	subjectID string
	handlers  Handlers
	conn      *connection
	cancel    sync.Once
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Cancel releases the subscription. It is idempotent.
func (s *Subscription) Cancel() {
	s.cancel.Do(func() {
		s.conn.registry.release(s)
	})
}

// Subscribe registers interest in subjectID on the shared connection for endpoint,
// opening the connection if this is its first subscriber.
func (r *Registry) Subscribe(endpoint, subjectID string, handlers Handlers) *Subscription {
	key := strings.TrimRight(endpoint, "/")

	r.mu.Lock()
	conn, ok := r.conns[key]
	if !ok {
		conn = newConnection(key, r)
		r.conns[key] = conn
		r.logger.Info().Str("endpoint", key).Msg("Opening shared push connection.")
	}
	sub := &Subscription{
		id:        uuid.NewString(),
		subjectID: subjectID,
		handlers:  handlers,
		conn:      conn,
	}
	start, connected := conn.add(sub)
	r.mu.Unlock()

	r.logger.Debug().Str("endpoint", key).Str("subject_id", subjectID).Int("ref_count", conn.refs()).Msg("Subscribed.")

	if start {
		go conn.run()
	} else if connected {
		conn.registerInterest(subjectID)
	}
	return sub
}

func (r *Registry) release(sub *Subscription) {
	conn := sub.conn

	r.mu.Lock()
	last := conn.remove(sub)
	if last && r.conns[conn.endpoint] == conn {
		delete(r.conns, conn.endpoint)
	}
	r.mu.Unlock()

	r.logger.Debug().Str("endpoint", conn.endpoint).Str("subject_id", sub.subjectID).Int("ref_count", conn.refs()).Msg("Unsubscribed.")
	if last {
		r.logger.Info().Str("endpoint", conn.endpoint).Msg("Last subscriber left, closing shared push connection.")
		conn.close()
	}
}

// ConnectionCount returns the number of open shared connections.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// RefCount returns the number of live subscriptions on endpoint's connection.
func (r *Registry) RefCount(endpoint string) int {
	r.mu.Lock()
	conn, ok := r.conns[strings.TrimRight(endpoint, "/")]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return conn.refs()
}

// State returns the state of endpoint's connection, if one exists.
func (r *Registry) State(endpoint string) (ConnectionState, bool) {
	r.mu.Lock()
	conn, ok := r.conns[strings.TrimRight(endpoint, "/")]
	r.mu.Unlock()
	if !ok {
		return StateDisconnected, false
	}
	return conn.currentState(), true
}

// Close tears down every connection regardless of outstanding subscriptions.
func (r *Registry) Close() error {
	r.mu.Lock()
	conns := make([]*connection, 0, len(r.conns))
	for key, conn := range r.conns {
		conns = append(conns, conn)
		delete(r.conns, key)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
	r.logger.Info().Int("closed", len(conns)).Msg("Push registry closed.")
	return nil
}

// newBackOff builds the reconnect schedule: doubling delays from the floor to the ceiling,
// stopping after the configured number of retries.
func (r *Registry) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.ReconnectDelayMin
	eb.MaxInterval = r.cfg.ReconnectDelayMax
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(eb, uint64(r.cfg.ReconnectAttempts))
	b.Reset()
	return b
}

// isRateLimited reports whether a connect error signals rate limiting.
func isRateLimited(err error) bool {
	var dialErr *DialError
	if errors.As(err, &dialErr) && dialErr.StatusCode == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

func (r *Registry) dial(ctx context.Context, endpoint string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	return r.dialer.Dial(ctx, endpoint)
}
