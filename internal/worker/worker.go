// Package worker drives queued sync runs and repair sweeps, plus the
// periodic stuck-job reconciliation that recovers from crashed runs.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/attendwise/syncengine/internal/repair"
	syncsvc "github.com/attendwise/syncengine/internal/sync"
	"github.com/attendwise/syncengine/internal/syncjobs"
	"github.com/attendwise/syncengine/pkg/queue"
)

// Processor consumes sync and repair jobs from the queue.
type Processor struct {
	orch       *syncsvc.Orchestrator
	pass       *repair.Pass
	reconciler *syncjobs.Reconciler
	queue      *queue.Queue
	logger     *zap.Logger
}

// NewProcessor creates a worker processor.
func NewProcessor(orch *syncsvc.Orchestrator, pass *repair.Pass, reconciler *syncjobs.Reconciler, q *queue.Queue, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{orch: orch, pass: pass, reconciler: reconciler, queue: q, logger: logger}
}

// Process executes one queued job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeSyncRun:
		var payload queue.SyncRunPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.orch.Run(ctx, payload.SyncJobID)
	case queue.JobTypeRepairRun:
		var payload queue.RepairRunPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		if payload.WebinarID != nil {
			_, err := p.pass.RepairWebinar(ctx, *payload.WebinarID)
			return err
		}
		results, err := p.pass.RepairConnection(ctx, payload.ConnectionID)
		if err != nil {
			return err
		}
		p.logger.Info("repair sweep finished", zap.Int("repaired", len(results)))
		return nil
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return
		default:
		}

		job, key, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			// Sync runs are not retried via the queue: the job row is
			// already terminal with a failure message, and a retry would
			// trip the single-active-job check for nothing.
			if job.Type != queue.JobTypeSyncRun {
				if reErr := p.queue.Retry(ctx, job, key); reErr != nil {
					p.logger.Error("retry enqueue failed", zap.Error(reErr))
				}
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}

// RunSweep periodically reconciles stuck jobs across all connections so a
// crashed worker never leaves a connection blocked past the hard threshold.
func (p *Processor) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := p.reconciler.ReconcileAll(ctx)
			if err != nil {
				p.logger.Warn("stuck-job sweep failed", zap.Error(err))
				continue
			}
			if len(cleaned) > 0 {
				p.logger.Info("stuck jobs cleaned", zap.Int("count", len(cleaned)))
			}
		}
	}
}

// RunRepairSweep periodically repairs webinars with inconsistent metrics.
func (p *Processor) RunRepairSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := p.pass.RepairConnection(ctx, nil)
			if err != nil {
				p.logger.Warn("repair sweep failed", zap.Error(err))
				continue
			}
			if len(results) > 0 {
				p.logger.Info("repair sweep finished", zap.Int("repaired", len(results)))
			}
		}
	}
}
