package syncengine

import (
	"iter"

	"chatsync/internal/domain/message"
	"chatsync/internal/outqueue"
)

type ItemState string

const (
	ItemDelivered ItemState = "delivered"
	ItemPending   ItemState = "pending"
	ItemFailed    ItemState = "failed"
)

// Item is one row of a timeline. Pending is set for entries that are still
// in the outgoing queue.
type Item struct {
	Message message.Message
	Pending *outqueue.PendingMessage
	State   ItemState
}

// Timeline yields acknowledged messages in (CreatedAt, ID) order followed by
// the conversation's queued messages in FIFO order. Each range over the
// sequence takes a fresh snapshot.
func (e *Engine) Timeline(conversationID int64) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		s, ok := e.state(conversationID)
		if !ok {
			return
		}

		s.mu.Lock()
		delivered := s.snapshot()
		var pending []outqueue.PendingMessage
		for _, p := range e.pending.Pending(conversationID) {
			if _, acked := s.acked[p.ClientTempID]; acked {
				continue
			}
			pending = append(pending, p)
		}
		s.mu.Unlock()

		for _, m := range delivered {
			if !yield(Item{Message: m, State: ItemDelivered}) {
				return
			}
		}
		for i := range pending {
			p := pending[i]
			state := ItemPending
			if p.Status == outqueue.StatusFailed {
				state = ItemFailed
			}
			item := Item{
				Message: message.Message{
					ConversationID: p.ConversationID,
					SenderID:       e.self,
					Content:        p.Content,
					Type:           p.Type,
					FileURL:        p.FileURL,
					IdempotencyKey: p.ClientTempID.String(),
					CreatedAt:      p.CreatedAt,
					UpdatedAt:      p.CreatedAt,
				},
				Pending: &p,
				State:   state,
			}
			if !yield(item) {
				return
			}
		}
	}
}
