package worker

import (
	"context"
	"log"
	"time"

	"evaluation-scheduler/internal/config"
	"evaluation-scheduler/internal/models"
	"evaluation-scheduler/internal/queue"
	"evaluation-scheduler/internal/telemetry"
)

// Engine is the firing entry point the worker dispatches into.
type Engine interface {
	OnJobFired(ctx context.Context, evaluationID string, kind models.JobKind) error
}

// Firing drives the trigger loop: promote due tokens, dequeue them under a
// lease, and dispatch each firing into the lifecycle engine. Dispatch errors
// are absorbed and logged so one malformed evaluation cannot stall the
// scheduler for all others.
type Firing struct {
	cfg    config.Config
	queue  *queue.TriggerQueue
	engine Engine
}

func NewFiring(cfg config.Config, q *queue.TriggerQueue, engine Engine) *Firing {
	return &Firing{cfg: cfg, queue: q, engine: engine}
}

// Run polls until context cancellation.
func (f *Firing) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = f.queue.PromoteDue(ctx, time.Now(), int64(f.cfg.ScheduledBatchSize))
		if reclaimed, _ := f.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			log.Printf("worker: reclaimed %d expired firing leases", len(reclaimed))
		}
		if depth, err := f.queue.ScheduledDepth(ctx); err == nil {
			telemetry.ScheduledDepthGauge.Set(float64(depth))
		}

		token, err := f.queue.DequeueWithLease(ctx)
		if err != nil || token == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		f.Dispatch(ctx, token)
		_ = f.queue.Ack(ctx, token)
		telemetry.InFlightGauge.Dec()
	}
}

// Dispatch parses one firing token and hands it to the engine. Tokens that
// cannot be parsed are dropped loudly; they can never succeed on retry.
func (f *Firing) Dispatch(ctx context.Context, token string) {
	evaluationID, kind, err := models.ParseFiringToken(token)
	if err != nil {
		telemetry.FiringFailures.Inc()
		log.Printf("worker: dropping firing token: %v", err)
		return
	}
	if err := f.engine.OnJobFired(ctx, evaluationID, kind); err != nil {
		telemetry.FiringFailures.Inc()
		log.Printf("worker: fired %s job for %s: %v", kind, evaluationID, err)
	}
}
