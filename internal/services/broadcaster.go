package services

import (
	"context"
	"encoding/json"
	"time"

	"chatsync/internal/domain/outbox"
	"chatsync/internal/events"
	"chatsync/internal/metrics"
	"chatsync/internal/repository"
	"chatsync/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broadcaster fans realtime events out to the per-user channels of the
// recipients. It is called after the store has committed. A publish that
// fails is written to the outbox and retried by the outbox processor.
type Broadcaster struct {
	publisher events.Publisher
	outbox    repository.OutboxRepository
	metrics   *metrics.Metrics
	logger    *logger.Logger
}

func NewBroadcaster(publisher events.Publisher, outboxRepo repository.OutboxRepository, m *metrics.Metrics, l *logger.Logger) *Broadcaster {
	if l == nil {
		l = logger.GetGlobalLogger()
	}
	return &Broadcaster{
		publisher: publisher,
		outbox:    outboxRepo,
		metrics:   m,
		logger:    l.Named("broadcaster"),
	}
}

// ToUsers delivers env to every user in recipients.
func (b *Broadcaster) ToUsers(ctx context.Context, env events.Envelope, recipients []uuid.UUID) {
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Ctx(ctx).Error("encode envelope", zap.String("event_type", env.EventType), zap.Error(err))
		return
	}
	for _, userID := range recipients {
		b.publish(ctx, env.EventType, events.UserChannel(userID), payload)
	}
}

// ToUser delivers a per-recipient envelope.
func (b *Broadcaster) ToUser(ctx context.Context, env events.Envelope, userID uuid.UUID) {
	b.ToUsers(ctx, env, []uuid.UUID{userID})
}

func (b *Broadcaster) publish(ctx context.Context, eventType, channel string, payload []byte) {
	err := b.publisher.Publish(ctx, channel, payload)
	if err == nil {
		b.metrics.EventPublished(eventType)
		return
	}

	b.metrics.PublishFailed(eventType)
	b.logger.Ctx(ctx).Warn("publish failed, queued for retry",
		zap.String("event_type", eventType),
		zap.String("channel", channel),
		zap.Error(err),
	)
	if b.outbox == nil {
		return
	}
	ev := outbox.NewEvent(eventType, channel, payload, err, time.Now())
	// the request context may already be done; the outbox write must not be
	if cerr := b.outbox.Create(context.WithoutCancel(ctx), ev); cerr != nil {
		b.logger.Ctx(ctx).Error("outbox write failed", zap.String("channel", channel), zap.Error(cerr))
	}
}

func without(ids []uuid.UUID, skip uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}
