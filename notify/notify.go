// Package notify delivers job summaries to whoever formats and sends the
// human-facing notification. The pipeline only emits the event.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"contract-ingest/models"
	"contract-ingest/utils"
)

// Notifier receives the summary of every job that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, summary *models.JobSummary) error
}

// Event is the envelope written to the stream.
type Event struct {
	EventID   uuid.UUID          `json:"event_id"`
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Summary   *models.JobSummary `json:"summary"`
}

// EventType derives the event type from the job's final state, e.g.
// "job.completed".
func EventType(s *models.JobSummary) string {
	return "job." + string(s.State)
}

// LogNotifier writes summaries to the application log.
type LogNotifier struct {
	logger *utils.Logger
}

func NewLogNotifier(logger *utils.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, s *models.JobSummary) error {
	msg := "[notify] job %s (%s, %s) %s%s in %v: %s"
	reason := ""
	if s.Reason != "" {
		reason = " (" + s.Reason + ")"
	}
	args := []any{s.JobID, s.SourceID, s.ScopeKey, s.State, reason, s.Duration, s.Counts}
	if s.State == models.StateCompleted {
		n.logger.Info(msg, args...)
	} else {
		n.logger.Warn(msg, args...)
	}
	for _, e := range s.ErrorSample {
		n.logger.Warn("[notify]   %s", e)
	}
	return nil
}

// RedisNotifier appends summaries to a Redis stream.
type RedisNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisNotifier creates a notifier writing to stream. maxLen > 0 trims the
// stream approximately to that many entries.
func NewRedisNotifier(client *redis.Client, stream string, maxLen int64) *RedisNotifier {
	return &RedisNotifier{client: client, stream: stream, maxLen: maxLen}
}

func (n *RedisNotifier) Notify(ctx context.Context, s *models.JobSummary) error {
	event := Event{
		EventID:   uuid.New(),
		Type:      EventType(s),
		Timestamp: time.Now().UTC(),
		Summary:   s,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{
			"type":   event.Type,
			"source": s.SourceID,
			"event":  string(payload),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish to stream %s: %w", n.stream, err)
	}
	return nil
}

// Multi fans a summary out to several notifiers. Every notifier is tried;
// their errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, s *models.JobSummary) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
