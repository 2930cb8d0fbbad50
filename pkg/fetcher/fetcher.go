// Package fetcher performs one-shot REST lookups of a subject's presence.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/illmade-knight/go-presencesync/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single request when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

var (
	// ErrRateLimited is returned when the presence service answers 429.
	ErrRateLimited = errors.New("presence service rate limited the request")
	// ErrNetwork covers transport failures and timeouts.
	ErrNetwork = errors.New("presence service unreachable")
	// ErrMalformed is returned when a 2xx body cannot be decoded.
	ErrMalformed = errors.New("malformed presence response")
)

// HTTPError is returned for any non-2xx status other than 429.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("presence service returned HTTP %d", e.StatusCode)
}

// FailureKind classifies a fetch outcome.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureRateLimited
	FailureHTTP
	FailureNetwork
	FailureMalformed
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureRateLimited:
		return "rate_limited"
	case FailureHTTP:
		return "http"
	case FailureNetwork:
		return "network"
	case FailureMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by Fetch onto its FailureKind.
// Errors that did not come from Fetch are treated as network failures.
func Classify(err error) FailureKind {
	var httpErr *HTTPError
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	case errors.As(err, &httpErr):
		return FailureHTTP
	case errors.Is(err, ErrMalformed):
		return FailureMalformed
	default:
		return FailureNetwork
	}
}

// Config holds configuration for the REST client.
type Config struct {
	// Timeout bounds a single request, including reading the body.
	Timeout time.Duration
}

// Client fetches presence from `GET {endpoint}/user/{subjectID}`.
// It never retries; retry policy belongs to the caller.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewClient creates a Client. A nil httpClient uses http.DefaultClient.
func NewClient(cfg *Config, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := DefaultTimeout
	if cfg != nil && cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	return &Client{
		httpClient: httpClient,
		timeout:    timeout,
		now:        time.Now,
		logger:     logger.With().Str("component", "PresenceFetcher").Logger(),
	}
}

type userPayload struct {
	AvatarURL string `json:"avatarUrl"`
	Status    string `json:"status"`
}

// Fetch performs a single lookup. A partially populated payload succeeds with the
// missing fields left unset.
func (c *Client) Fetch(ctx context.Context, endpoint, subjectID string) (types.PresenceRecord, error) {
	var zero types.PresenceRecord

	reqURL := UserURL(endpoint, subjectID)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return zero, fmt.Errorf("build request for %s: %w: %v", reqURL, ErrNetwork, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("subject_id", subjectID).Msg("Presence request failed.")
		return zero, fmt.Errorf("get %s: %w: %v", reqURL, ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn().Str("subject_id", subjectID).Msg("Presence service rate limited the request.")
		return zero, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return zero, &HTTPError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return zero, fmt.Errorf("read body from %s: %w: %v", reqURL, ErrNetwork, err)
	}

	var payload userPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return zero, fmt.Errorf("decode body from %s: %w: %v", reqURL, ErrMalformed, err)
	}

	record := types.PresenceRecord{
		SubjectID:  subjectID,
		AvatarRef:  payload.AvatarURL,
		Status:     types.ParseStatus(payload.Status),
		ObservedAt: c.now().UTC(),
	}
	c.logger.Debug().Str("subject_id", subjectID).Str("status", string(record.Status)).Msg("Fetched presence.")
	return record, nil
}

// UserURL builds the lookup URL for a subject.
func UserURL(endpoint, subjectID string) string {
	return strings.TrimRight(endpoint, "/") + "/user/" + url.PathEscape(subjectID)
}
