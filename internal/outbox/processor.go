package outbox

import (
	"context"
	"time"

	"chatsync/internal/events"
	"chatsync/internal/metrics"
	"chatsync/internal/repository"
	"chatsync/pkg/logger"

	"go.uber.org/zap"
)

type Options struct {
	BatchSize   int
	Interval    time.Duration
	MaxAttempts int
	// Lease is how long a claimed event stays with one processor before
	// another may take it over.
	Lease time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	return o
}

// Processor republishes realtime events whose first publish failed.
type Processor struct {
	repo      repository.OutboxRepository
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *logger.Logger
	opts      Options
}

func NewProcessor(repo repository.OutboxRepository, publisher events.Publisher, m *metrics.Metrics, l *logger.Logger, opts Options) *Processor {
	if l == nil {
		l = logger.GetGlobalLogger()
	}
	return &Processor{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		logger:    l.Named("outbox"),
		opts:      opts.withDefaults(),
	}
}

func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch makes one publish attempt for each claimed event and returns
// how many were delivered.
func (p *Processor) ProcessBatch(ctx context.Context) int {
	batch, err := p.repo.Claim(ctx, p.opts.BatchSize, p.opts.MaxAttempts, p.opts.Lease)
	if err != nil {
		p.logger.Errorf("claim outbox events: %v", err)
		return 0
	}

	delivered := 0
	for _, e := range batch {
		if err := p.publisher.Publish(ctx, e.Channel, e.Payload); err != nil {
			p.metrics.OutboxAttempt("failed")
			if e.Attempts+1 >= p.opts.MaxAttempts {
				p.logger.Logger.Warn("outbox event gave up",
					zap.String("id", e.ID.String()),
					zap.String("event_type", e.EventType),
					zap.String("channel", e.Channel),
					zap.Error(err),
				)
				_ = p.repo.MarkFailed(ctx, e.ID, err.Error())
				continue
			}
			_ = p.repo.Release(ctx, e.ID, err.Error())
			continue
		}

		p.metrics.OutboxAttempt("delivered")
		_ = p.repo.MarkDelivered(ctx, e.ID)
		delivered++
	}

	if n, err := p.repo.Backlog(ctx); err == nil {
		p.metrics.OutboxBacklog(n)
	}
	return delivered
}
