package outbox

import (
	"context"

	"chatsync/config"
	"chatsync/internal/events"
	"chatsync/internal/metrics"
	"chatsync/internal/repository"
	"chatsync/pkg/logger"
)

type Runner struct {
	processor *Processor
}

func NewRunner(processor *Processor) *Runner {
	return &Runner{processor: processor}
}

// Start drains whatever a previous run left behind, then polls in the
// background until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		r.processor.ProcessBatch(ctx)
		r.processor.Run(ctx)
	}()
}

func DefaultProcessor(cfg *config.Config, repo repository.OutboxRepository, publisher events.Publisher, m *metrics.Metrics, l *logger.Logger) *Processor {
	return NewProcessor(repo, publisher, m, l, Options{
		BatchSize:   cfg.OutboxBatchSize,
		Interval:    cfg.OutboxInterval,
		MaxAttempts: cfg.OutboxMaxRetries,
		Lease:       cfg.OutboxLease,
	})
}
