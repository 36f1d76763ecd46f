package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"devgen/internal/config"
	"devgen/internal/domain"
	"devgen/internal/repo"
)

// Consumer drains provisioning events into profile rows. One worker per
// partition preserves per-partition ordering; partitions progress
// independently.
type Consumer struct {
	Stream Stream
	Repo   repo.Repo
	Dead   *DeadLetterer
	Config config.ConsumerConfig
	Logger *slog.Logger
	Now    func() time.Time

	// PollInterval is how long a drained partition sleeps before looking
	// again. Zero means run-to-drain: Run returns once every partition hits
	// the end of its queue.
	PollInterval time.Duration
}

func New(stream Stream, db *sql.DB, dead *DeadLetterer, cfg config.ConsumerConfig, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		Stream: stream,
		Repo:   repo.Repo{DB: db},
		Dead:   dead,
		Config: cfg,
		Logger: logger.With("component", "consumer"),
		Now:    time.Now,
	}
}

// Run consumes every partition until ctx is canceled, or until all
// partitions drain when PollInterval is zero.
func (c *Consumer) Run(ctx context.Context) error {
	parts, err := c.Stream.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range parts {
		p := p
		g.Go(func() error { return c.consumePartition(gctx, p) })
	}
	return g.Wait()
}

func (c *Consumer) consumePartition(ctx context.Context, partition int) error {
	log := c.Logger.With("partition", partition)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := c.Stream.Fetch(ctx, partition)
		if errors.Is(err, ErrEndOfQueue) {
			if c.PollInterval <= 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.PollInterval):
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("fetch partition %d: %w", partition, err)
		}
		if err := c.handle(ctx, msg, log); err != nil {
			return err
		}
		// Commit only after the message is applied or archived; a crash
		// before this point redelivers, and the upsert absorbs the replay.
		if err := c.Stream.Commit(ctx, msg.Partition, msg.Offset); err != nil {
			return fmt.Errorf("commit partition %d offset %d: %w", msg.Partition, msg.Offset, err)
		}
	}
}

// handle applies one message: decode, upsert with bounded retry, or
// archive. It returns an error only for faults that should stop the
// partition (context cancellation, archive failure).
func (c *Consumer) handle(ctx context.Context, msg Message, log *slog.Logger) error {
	event, err := decode(msg.Value)
	if err != nil {
		// A payload that cannot decode will never decode. Straight to the
		// archive, no retries.
		return c.deadLetter(msg, "malformed payload: "+err.Error(), log)
	}

	now := c.Now().UTC().Format(time.RFC3339)
	profile := domain.Profile{
		UserID:    event.UserID,
		Username:  event.Username,
		Email:     event.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}

	backoff := time.Duration(c.Config.BackoffMS) * time.Millisecond
	maxBackoff := time.Duration(c.Config.BackoffMaxMS) * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.Config.RetryBudget; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if maxBackoff > 0 && backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		lastErr = c.Repo.UpsertProfile(ctx, profile)
		if lastErr == nil {
			log.Info("profile applied", "user_id", event.UserID, "offset", msg.Offset)
			return nil
		}
		log.Warn("profile upsert failed", "user_id", event.UserID, "offset", msg.Offset,
			"attempt", attempt+1, "error", lastErr)
	}
	return c.deadLetter(msg, fmt.Sprintf("retry budget exhausted: %v", lastErr), log)
}

func (c *Consumer) deadLetter(msg Message, reason string, log *slog.Logger) error {
	path, err := c.Dead.Archive(msg, reason)
	if err != nil {
		return fmt.Errorf("archive partition %d offset %d: %w", msg.Partition, msg.Offset, err)
	}
	log.Warn("message dead-lettered", "dead_letter", true,
		"offset", msg.Offset, "key", msg.Key, "reason", reason, "archive", path)
	return nil
}

func decode(payload []byte) (domain.ProfileEvent, error) {
	var event domain.ProfileEvent
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&event); err != nil {
		return event, err
	}
	if event.UserID == "" {
		return event, errors.New("user_id is empty")
	}
	return event, nil
}
