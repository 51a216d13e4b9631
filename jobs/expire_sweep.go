package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/clearledger/clearledger/internal/jobs"
)

// ExpirationService describes the behaviour required to sweep stale
// approval requests.
type ExpirationService interface {
	ExpireStale(ctx context.Context) (int, error)
}

// ExpireSweepJob closes pending approvals whose tokens have lapsed. The
// sweep is advisory: reads also expire lazily, so a missed run only delays
// the bookkeeping, it never extends a token's validity.
type ExpireSweepJob struct {
	Service ExpirationService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewExpireSweepJob constructs the job handler.
func NewExpireSweepJob(service ExpirationService, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpireSweepJob {
	return &ExpireSweepJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one sweep run.
func (j *ExpireSweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("expire sweep job not configured")
	}
	var payload ExpireSweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.metrics().Track("approval_expire_sweep")
	expired, err := j.Service.ExpireStale(ctx)
	if err != nil {
		j.logger().Error("approval expire sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().AddExpired(expired)
	if expired > 0 {
		j.logger().Info("approval expire sweep finished", slog.Int("expired", expired))
	}
	return tracker.End(nil)
}

func (j *ExpireSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ExpireSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
