// Package progress publishes incremental sync-job progress for UI
// consumption. Publishing is best-effort telemetry: failures are logged and
// dropped, never surfaced to the sync loop.
package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// latestKeyPrefix stores the most recent record per job for polling.
	latestKeyPrefix = "sync:progress:"
	// channelPrefix is the pubsub channel per job for push consumers.
	channelPrefix = "sync:progress:events:"
	// latestTTL bounds how long a stale record can outlive its job.
	latestTTL = 24 * time.Hour
)

// Record is one progress snapshot for a job.
type Record struct {
	JobID          uuid.UUID  `json:"job_id"`
	ProcessedCount int        `json:"processed_count"`
	TotalCount     int        `json:"total_count"`
	Stage          string     `json:"stage"`
	EstimatedDone  *time.Time `json:"estimated_done,omitempty"`
	PublishedAt    time.Time  `json:"published_at"`
}

// Reporter writes progress records to Redis: a latest-value key for polling
// consumers and a pubsub channel for push consumers.
type Reporter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewReporter creates a progress reporter.
func NewReporter(client *redis.Client, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{client: client, logger: logger}
}

// Publish stores and broadcasts a progress record. Fire-and-forget: any
// Redis failure is logged at debug and swallowed.
func (r *Reporter) Publish(ctx context.Context, rec Record) {
	rec.PublishedAt = time.Now()
	raw, err := json.Marshal(rec)
	if err != nil {
		r.logger.Debug("marshal progress record", zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, latestKeyPrefix+rec.JobID.String(), raw, latestTTL).Err(); err != nil {
		r.logger.Debug("store progress record", zap.Error(err), zap.String("job_id", rec.JobID.String()))
	}
	if err := r.client.Publish(ctx, channelPrefix+rec.JobID.String(), raw).Err(); err != nil {
		r.logger.Debug("publish progress record", zap.Error(err), zap.String("job_id", rec.JobID.String()))
	}
}

// Latest returns the most recent record for a job, or nil when none exists.
func (r *Reporter) Latest(ctx context.Context, jobID uuid.UUID) (*Record, error) {
	raw, err := r.client.Get(ctx, latestKeyPrefix+jobID.String()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Clear removes the latest record when a job is finalized so pollers stop
// seeing stale progress.
func (r *Reporter) Clear(ctx context.Context, jobID uuid.UUID) {
	if err := r.client.Del(ctx, latestKeyPrefix+jobID.String()).Err(); err != nil {
		r.logger.Debug("clear progress record", zap.Error(err), zap.String("job_id", jobID.String()))
	}
}

// Subscribe returns the pubsub subscription for a job's progress channel.
// The caller owns closing it.
func (r *Reporter) Subscribe(ctx context.Context, jobID uuid.UUID) *redis.PubSub {
	return r.client.Subscribe(ctx, channelPrefix+jobID.String())
}
