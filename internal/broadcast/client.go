package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stream-rotator/internal/platform/metrics"
)

// RetryPolicy is the single retry configuration applied uniformly to all
// control API calls.
type RetryPolicy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy matches the observed practice for the remote platform:
// exponential backoff from 12s, doubling, at most 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 12 * time.Second, Multiplier: 2}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, attempts-1), ctx)
}

// DefaultScheduleLead is how far in the future a new broadcast is scheduled,
// giving the remote platform time to provision the ingestion window.
const DefaultScheduleLead = 10 * time.Minute

// Handle identifies a created remote broadcast.
type Handle struct {
	BroadcastID    string
	IngestURL      string
	ScheduledStart time.Time
}

// Client drives one broadcast through its remote lifecycle. All operations
// retry transient failures under the client's RetryPolicy; exhausted retries
// surface as ErrLifecycle. ErrInvalidTransition is never blindly retried.
type Client struct {
	api          API
	thumbnailer  Thumbnailer
	log          *slog.Logger
	metrics      *metrics.Metrics
	policy       RetryPolicy
	scheduleLead time.Duration

	now func() time.Time
}

// NewClient returns a lifecycle client over the given API. thumbnailer may
// be nil to skip thumbnail uploads, metrics may be nil to disable metric
// recording.
func NewClient(api API, thumbnailer Thumbnailer, log *slog.Logger, m *metrics.Metrics, policy RetryPolicy, scheduleLead time.Duration) *Client {
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}
	if scheduleLead <= 0 {
		scheduleLead = DefaultScheduleLead
	}
	return &Client{
		api:          api,
		thumbnailer:  thumbnailer,
		log:          log,
		metrics:      m,
		policy:       policy,
		scheduleLead: scheduleLead,
		now:          time.Now,
	}
}

// CreateSession creates a scheduled remote broadcast with its ingestion
// endpoint and uploads a thumbnail derived from the video. The thumbnail is
// best-effort: its failure never fails session creation.
func (c *Client) CreateSession(ctx context.Context, title, videoPath string) (Handle, error) {
	scheduledStart := c.now().Add(c.scheduleLead)

	var id, ingestURL string
	err := c.retry(ctx, "create broadcast", func() error {
		var err error
		id, ingestURL, err = c.api.CreateBroadcast(ctx, title, scheduledStart)
		return err
	})
	if err != nil {
		return Handle{}, err
	}

	c.log.Info("broadcast created",
		slog.String("broadcast_id", id),
		slog.String("title", title),
		slog.Time("scheduled_start", scheduledStart))

	c.uploadThumbnail(ctx, id, videoPath)

	return Handle{BroadcastID: id, IngestURL: ingestURL, ScheduledStart: scheduledStart}, nil
}

// IngestionStatus reports whether the platform sees stream data for the
// broadcast.
func (c *Client) IngestionStatus(ctx context.Context, id string) (IngestionStatus, error) {
	var status IngestionStatus
	err := c.retry(ctx, "ingestion status", func() error {
		var err error
		status, err = c.api.IngestionStatus(ctx, id)
		return err
	})
	return status, err
}

// Transition requests a broadcast state change. ErrInvalidTransition is
// returned immediately so the caller can re-check preconditions instead of
// hammering the remote side.
func (c *Client) Transition(ctx context.Context, id string, target State) error {
	err := c.retry(ctx, fmt.Sprintf("transition to %s", target), func() error {
		return c.api.Transition(ctx, id, target)
	})
	if err == nil {
		c.log.Info("broadcast transitioned",
			slog.String("broadcast_id", id),
			slog.String("state", string(target)))
	}
	return err
}

// UpdateTitle replaces the broadcast title. Best-effort: a final failure is
// logged, never propagated.
func (c *Client) UpdateTitle(ctx context.Context, id, title string) {
	err := c.retry(ctx, "update metadata", func() error {
		return c.api.UpdateMetadata(ctx, id, title)
	})
	if err != nil {
		c.log.Warn("metadata update failed",
			slog.String("broadcast_id", id),
			slog.String("error", err.Error()))
	}
}

func (c *Client) uploadThumbnail(ctx context.Context, id, videoPath string) {
	if c.thumbnailer == nil {
		return
	}
	image, err := c.thumbnailer.Thumbnail(ctx, videoPath)
	if err != nil {
		c.log.Warn("thumbnail extraction failed",
			slog.String("broadcast_id", id),
			slog.String("error", err.Error()))
		return
	}
	err = c.retry(ctx, "set thumbnail", func() error {
		return c.api.SetThumbnail(ctx, id, image)
	})
	if err != nil {
		c.log.Warn("thumbnail upload failed",
			slog.String("broadcast_id", id),
			slog.String("error", err.Error()))
	}
}

// retry runs fn under the client's retry policy. ErrInvalidTransition stops
// retrying immediately; any other error exhausting the policy is wrapped in
// ErrLifecycle.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidTransition) {
			return backoff.Permanent(err)
		}
		c.log.Warn("control api call failed, will retry",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if c.metrics != nil {
			c.metrics.IncLifecycleRetries()
		}
		return err
	}, c.policy.backOff(ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrLifecycle, err)
}
