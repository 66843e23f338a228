package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	chat_errors "chatsync/pkg/errors"
)

// RetryPolicy bounds the backfill retries after a reconnect.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 500 * time.Millisecond, Factor: 2, MaxAttempts: 5}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	return time.Duration(d)
}

// Resync backfills every open conversation from its cursor, conversations
// in parallel. A conversation that still fails after the retry budget is
// marked stale and a ChangeStale event is emitted; the returned error joins
// those failures.
func (e *Engine) Resync(ctx context.Context) error {
	ids := e.OpenConversations()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(conversationID int64) {
			defer wg.Done()
			if err := e.resyncOne(ctx, conversationID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (e *Engine) resyncOne(ctx context.Context, conversationID int64) error {
	var err error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if err = e.backfill(ctx, conversationID); err == nil {
			e.setStale(conversationID, false, nil)
			return nil
		}
		if ctx.Err() != nil || !chat_errors.IsTransient(err) || attempt == e.retry.MaxAttempts {
			break
		}
		e.logger.Warnf("backfill of conversation %d failed (attempt %d): %v", conversationID, attempt, err)

		t := time.NewTimer(e.retry.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
		case <-t.C:
			continue
		}
		break
	}

	err = fmt.Errorf("%w: conversation %d: %w", chat_errors.ErrStale, conversationID, err)
	e.setStale(conversationID, true, err)
	return err
}

// Refresh is a manual backfill of one conversation. Success clears the
// stale flag.
func (e *Engine) Refresh(ctx context.Context, conversationID int64) error {
	if err := e.backfill(ctx, conversationID); err != nil {
		return err
	}
	e.setStale(conversationID, false, nil)
	return nil
}

func (e *Engine) setStale(conversationID int64, stale bool, cause error) {
	s, ok := e.state(conversationID)
	if !ok {
		return
	}
	s.mu.Lock()
	was := s.stale
	s.stale = stale
	s.mu.Unlock()

	if stale || was {
		e.emit(ChangeEvent{ConversationID: conversationID, Kind: ChangeStale, Err: cause})
	}
}

// backfill pages through everything changed after the conversation's
// cursor until the server reports no more.
func (e *Engine) backfill(ctx context.Context, conversationID int64) error {
	for {
		s, ok := e.state(conversationID)
		if !ok {
			return fmt.Errorf("%w: conversation %d is not open", chat_errors.ErrNotFound, conversationID)
		}
		s.mu.Lock()
		from := s.cursor
		s.mu.Unlock()

		msgs, more, err := e.fetcher.MessagesSince(ctx, conversationID, from.UpdatedAt, from.ID, e.limit)
		if err != nil {
			return err
		}
		if err := e.IngestFetchPage(conversationID, msgs); err != nil {
			return err
		}
		if !more || len(msgs) == 0 {
			return nil
		}
	}
}
