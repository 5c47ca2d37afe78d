// Package execution holds the River workers that drive orders to a terminal state.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/stockpoints/backend/internal/models"
	"github.com/stockpoints/backend/internal/services"
)

const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultRefreshMaxAge   = 24 * time.Hour
)

// uniqueStates leaves out completed/cancelled/discarded so a task can be polled again
// after an earlier job for it finished.
var uniqueStates = []rivertype.JobState{
	rivertype.JobStateAvailable,
	rivertype.JobStatePending,
	rivertype.JobStateRetryable,
	rivertype.JobStateRunning,
	rivertype.JobStateScheduled,
}

type RefreshOrderArgs struct {
	TaskID string `json:"task_id"`
}

func (RefreshOrderArgs) Kind() string { return "refresh_order_status" }

func (RefreshOrderArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true, ByState: uniqueStates},
	}
}

// OrderRefresher defines what the worker needs from the order service.
type OrderRefresher interface {
	RefreshStatus(ctx context.Context, taskID string) (string, error)
	GetDownloadLink(ctx context.Context, taskID string) (*services.DownloadLink, error)
}

var _ OrderRefresher = (*services.Orchestrator)(nil)

// RefreshOrderWorker polls one order until it is terminal. Non-terminal orders snooze the
// job for the poll interval; once the provider reports ready the link is fetched and
// stored. A single job stops after maxAge measured from its creation; the sweep only
// revives orders placed less than maxAge ago, so polling for any order ends at most
// 2*maxAge after it was placed.
type RefreshOrderWorker struct {
	river.WorkerDefaults[RefreshOrderArgs]
	orders   OrderRefresher
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewRefreshOrderWorker(orders OrderRefresher, interval, maxAge time.Duration, logger *slog.Logger) *RefreshOrderWorker {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultRefreshMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshOrderWorker{orders: orders, interval: interval, maxAge: maxAge, logger: logger, now: time.Now}
}

func (w *RefreshOrderWorker) Work(ctx context.Context, job *river.Job[RefreshOrderArgs]) error {
	taskID := job.Args.TaskID

	status, err := w.orders.RefreshStatus(ctx, taskID)
	if errors.Is(err, services.ErrOrderNotFound) {
		return river.JobCancel(err)
	}
	if err != nil {
		// Remote hiccup: let River retry with backoff.
		return fmt.Errorf("refresh order %s: %w", taskID, err)
	}

	switch status {
	case models.OrderStatusFailed:
		return nil
	case models.OrderStatusReady, models.OrderStatusCompleted:
		link, err := w.orders.GetDownloadLink(ctx, taskID)
		switch {
		case err == nil && !link.Pending:
			return nil
		case errors.Is(err, services.ErrOrderFailed):
			return nil
		case err != nil:
			w.logger.Warn("download link not fetched", "task_id", taskID, "error", err)
		}
		if status == models.OrderStatusCompleted {
			// Terminal; the link is fetched on demand.
			return nil
		}
	}

	if w.now().Sub(job.CreatedAt) > w.maxAge {
		w.logger.Warn("order still not terminal, giving up polling", "task_id", taskID, "status", status, "job_id", job.ID)
		return nil
	}
	return river.JobSnooze(w.interval)
}

// SweepActiveOrdersArgs is the periodic job that re-enqueues polling for active orders
// whose refresh job ended without a terminal status. Orders older than maxAge are left alone.
type SweepActiveOrdersArgs struct{}

func (SweepActiveOrdersArgs) Kind() string { return "sweep_active_orders" }

type ActiveOrderLister interface {
	ListActiveTaskIDs(ctx context.Context, createdAfter time.Time, limit int) ([]string, error)
}

// EnqueueRefreshFunc inserts refresh jobs outside any transaction. Provided by main using river.Client.InsertMany.
type EnqueueRefreshFunc func(ctx context.Context, args []RefreshOrderArgs) error

type SweepActiveOrdersWorker struct {
	river.WorkerDefaults[SweepActiveOrdersArgs]
	orders  ActiveOrderLister
	enqueue EnqueueRefreshFunc
	maxAge  time.Duration
	limit   int
	logger  *slog.Logger
	now     func() time.Time
}

func NewSweepActiveOrdersWorker(orders ActiveOrderLister, enqueue EnqueueRefreshFunc, maxAge time.Duration, limit int, logger *slog.Logger) *SweepActiveOrdersWorker {
	if maxAge <= 0 {
		maxAge = DefaultRefreshMaxAge
	}
	if limit <= 0 {
		limit = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepActiveOrdersWorker{orders: orders, enqueue: enqueue, maxAge: maxAge, limit: limit, logger: logger, now: time.Now}
}

func (w *SweepActiveOrdersWorker) Work(ctx context.Context, job *river.Job[SweepActiveOrdersArgs]) error {
	ids, err := w.orders.ListActiveTaskIDs(ctx, w.now().Add(-w.maxAge), w.limit)
	if err != nil {
		return fmt.Errorf("list active orders: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	args := make([]RefreshOrderArgs, len(ids))
	for i, id := range ids {
		args[i] = RefreshOrderArgs{TaskID: id}
	}
	if err := w.enqueue(ctx, args); err != nil {
		return fmt.Errorf("enqueue refresh jobs: %w", err)
	}
	w.logger.Info("active orders swept", "count", len(ids))
	return nil
}
