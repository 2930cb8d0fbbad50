// Package poller is the interval-driven fallback for presence updates when no push channel is in use.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illmade-knight/go-presencesync/pkg/fetcher"
	"github.com/illmade-knight/go-presencesync/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is used when Start is given a non-positive interval.
const DefaultInterval = 30 * time.Second

// Fetcher performs one presence lookup. *fetcher.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint, subjectID string) (types.PresenceRecord, error)
}

// Poller starts polling loops backed by a shared Fetcher.
type Poller struct {
	fetcher Fetcher
	logger  zerolog.Logger
}

// New creates a Poller.
func New(f Fetcher, logger zerolog.Logger) (*Poller, error) {
	if f == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	return &Poller{
		fetcher: f,
		logger:  logger.With().Str("component", "Poller").Logger(),
	}, nil
}

// Handle controls one polling loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the loop. It does not wait for an in-flight fetch; use Done for that.
// Stop is idempotent.
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
}

// Done is closed once the loop has exited, whether stopped or suspended by rate limiting.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type job struct {
	endpoint      string
	subjectID     string
	onUpdate      func(types.Status)
	onRateLimited func()
	logger        zerolog.Logger

	// lastSeen is the last status this loop reported.
	lastSeen types.Status
}

// Start fetches immediately and then every interval. onUpdate is called only when the
// fetched status differs from the last one this loop observed. A rate-limited response
// suspends the loop for good and calls onRateLimited once; other failures are logged and
// retried on the next tick. Callbacks run on the polling goroutine.
func (p *Poller) Start(ctx context.Context, endpoint, subjectID string, interval time.Duration, onUpdate func(types.Status), onRateLimited func()) *Handle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	j := &job{
		endpoint:      endpoint,
		subjectID:     subjectID,
		onUpdate:      onUpdate,
		onRateLimited: onRateLimited,
		logger:        p.logger.With().Str("subject_id", subjectID).Logger(),
	}
	go p.run(ctx, h, j, interval)
	return h
}

func (p *Poller) run(ctx context.Context, h *Handle, j *job, interval time.Duration) {
	defer close(h.done)
	defer h.Stop()

	j.logger.Info().Dur("interval", interval).Msg("Polling started.")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !p.poll(ctx, j) {
			return
		}
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("Polling stopped.")
			return
		case <-ticker.C:
		}
	}
}

// poll performs one fetch and reports whether the loop should continue.
func (p *Poller) poll(ctx context.Context, j *job) bool {
	record, err := p.fetcher.Fetch(ctx, j.endpoint, j.subjectID)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		if errors.Is(err, fetcher.ErrRateLimited) {
			j.logger.Warn().Msg("Polling rate limited, suspending until restarted.")
			if j.onRateLimited != nil {
				j.onRateLimited()
			}
			return false
		}
		j.logger.Warn().Err(err).Str("failure", fetcher.Classify(err).String()).Msg("Poll failed, retrying on next tick.")
		return true
	}
	if !record.Status.IsSet() || record.Status == j.lastSeen {
		return true
	}
	j.lastSeen = record.Status
	j.logger.Debug().Str("status", string(record.Status)).Msg("Status changed.")
	if j.onUpdate != nil {
		j.onUpdate(record.Status)
	}
	return true
}
