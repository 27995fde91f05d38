package scheduler

import (
	"context"
	"time"

	"github.com/kimhsiao/waypoint/backend/internal/logging"
	"github.com/kimhsiao/waypoint/backend/internal/telemetry"
)

// TaskIdempotencySweep is the name of the expired-record sweep.
const TaskIdempotencySweep = "idempotency-sweep"

// ExpiredRecordSweeper is implemented by the idempotency cache.
type ExpiredRecordSweeper interface {
	CleanupExpiredRecords() int
}

// IdempotencySweepTask removes expired idempotency records every interval and
// reports the count to metrics, which may be nil.
func IdempotencySweepTask(cache ExpiredRecordSweeper, metrics *telemetry.Metrics, interval time.Duration) Task {
	return Task{
		Name:     TaskIdempotencySweep,
		Interval: interval,
		Run: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := cache.CleanupExpiredRecords()
			metrics.ExpiredSwept(n)
			if n > 0 {
				logging.Info("Expired idempotency records swept", map[string]interface{}{"removed": n})
			}
			return nil
		},
	}
}
