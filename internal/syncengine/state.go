package syncengine

import (
	"slices"
	"sync"
	"time"

	"chatsync/internal/domain/message"
	"chatsync/internal/events"

	"github.com/google/uuid"
)

// record is a cached server message plus the clocks used to merge later
// snapshots field by field.
type record struct {
	msg        message.Message
	contentAt  time.Time
	reactionAt map[uuid.UUID]time.Time
}

// maxOrphans bounds how many not-yet-seen messages may hold early reactions.
const maxOrphans = 256

type cursor struct {
	UpdatedAt time.Time
	ID        int64
}

func (c cursor) less(m message.Message) bool {
	if !c.UpdatedAt.Equal(m.UpdatedAt) {
		return c.UpdatedAt.Before(m.UpdatedAt)
	}
	return c.ID < m.ID
}

// conversationState is the engine's cache of one open conversation. mu is
// the conversation's serialization point.
type conversationState struct {
	mu sync.Mutex

	id        int64
	records   map[int64]*record
	order     []int64
	hidden    map[int64]bool
	orphans   map[int64]map[uuid.UUID]events.ReactionPayload
	orphanIDs []int64
	acked     map[uuid.UUID]int64
	readBy    map[int64]map[uuid.UUID]time.Time
	typing    map[uuid.UUID]time.Time
	cursor    cursor
	nextPage  int
	exhausted bool
	stale     bool
}

func newConversationState(id int64) *conversationState {
	return &conversationState{
		id:       id,
		records:  make(map[int64]*record),
		hidden:   make(map[int64]bool),
		orphans:  make(map[int64]map[uuid.UUID]events.ReactionPayload),
		acked:    make(map[uuid.UUID]int64),
		readBy:   make(map[int64]map[uuid.UUID]time.Time),
		typing:   make(map[uuid.UUID]time.Time),
		nextPage: 1,
	}
}

// merge folds a server snapshot into the cache and reports whether anything
// visible changed. A message is never dropped, tombstones are sticky, and
// each field keeps the value of the newest snapshot that carried it.
func (s *conversationState) merge(in message.Message) bool {
	if in.ID <= 0 {
		return false
	}
	in = in.Clone()

	r, ok := s.records[in.ID]
	if !ok {
		r = &record{
			msg:        in,
			contentAt:  in.UpdatedAt,
			reactionAt: make(map[uuid.UUID]time.Time, len(in.Reactions)),
		}
		for user := range in.Reactions {
			r.reactionAt[user] = in.UpdatedAt
		}
		if r.msg.Reactions == nil {
			r.msg.Reactions = map[uuid.UUID]string{}
		}
		s.records[in.ID] = r
		s.insertOrdered(in)
		if early, ok := s.orphans[in.ID]; ok {
			for _, p := range early {
				s.applyReaction(r, p)
			}
			delete(s.orphans, in.ID)
			s.orphanIDs = slices.DeleteFunc(s.orphanIDs, func(id int64) bool { return id == in.ID })
		}
		return true
	}

	changed := false
	cur := &r.msg

	if in.Deleted && !cur.Deleted {
		at := in.UpdatedAt
		if in.DeletedAt != nil {
			at = *in.DeletedAt
		}
		cur.Tombstone(at)
		r.contentAt = in.UpdatedAt
		clear(r.reactionAt)
		changed = true
	}

	if !cur.Deleted && in.UpdatedAt.After(r.contentAt) {
		if cur.Content != in.Content || cur.Type != in.Type || !sameString(cur.FileURL, in.FileURL) || !sameTime(cur.EditedAt, in.EditedAt) {
			cur.Content, cur.Type, cur.FileURL, cur.EditedAt = in.Content, in.Type, in.FileURL, in.EditedAt
			changed = true
		}
		r.contentAt = in.UpdatedAt
	}

	if !cur.Deleted {
		users := make(map[uuid.UUID]struct{}, len(cur.Reactions)+len(in.Reactions))
		for u := range cur.Reactions {
			users[u] = struct{}{}
		}
		for u := range in.Reactions {
			users[u] = struct{}{}
		}
		for u := range users {
			if !in.UpdatedAt.After(r.reactionAt[u]) {
				continue
			}
			r.reactionAt[u] = in.UpdatedAt
			v, has := in.Reactions[u]
			if old, had := cur.Reactions[u]; had != has || old != v {
				changed = true
			}
			if has {
				cur.Reactions[u] = v
			} else {
				delete(cur.Reactions, u)
			}
		}
	}

	if in.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = in.UpdatedAt
	}
	return changed
}

// applyReaction applies a single user's reaction if it is newer than what
// the cache already holds for that user.
func (s *conversationState) applyReaction(r *record, p events.ReactionPayload) bool {
	if r.msg.Deleted || !p.ReactedAt.After(r.reactionAt[p.UserID]) {
		return false
	}
	r.reactionAt[p.UserID] = p.ReactedAt
	if p.Reaction == "" {
		delete(r.msg.Reactions, p.UserID)
	} else {
		r.msg.Reactions[p.UserID] = p.Reaction
	}
	if p.UpdatedAt.After(r.msg.UpdatedAt) {
		r.msg.UpdatedAt = p.UpdatedAt
	}
	return true
}

// holdReaction keeps a reaction for a message that has not arrived yet, the
// newest per user. Past maxOrphans messages the oldest is forgotten; the
// next fetch of that message carries its reactions anyway.
func (s *conversationState) holdReaction(messageID int64, p events.ReactionPayload) {
	byUser, ok := s.orphans[messageID]
	if !ok {
		if len(s.orphanIDs) >= maxOrphans {
			delete(s.orphans, s.orphanIDs[0])
			s.orphanIDs = s.orphanIDs[1:]
		}
		byUser = make(map[uuid.UUID]events.ReactionPayload)
		s.orphans[messageID] = byUser
		s.orphanIDs = append(s.orphanIDs, messageID)
	}
	if prev, ok := byUser[p.UserID]; !ok || p.ReactedAt.After(prev.ReactedAt) {
		byUser[p.UserID] = p
	}
}

func (s *conversationState) insertOrdered(m message.Message) {
	i, _ := slices.BinarySearchFunc(s.order, m, func(id int64, target message.Message) int {
		other := s.records[id].msg
		switch {
		case other.Before(target):
			return -1
		case target.Before(other):
			return 1
		}
		return 0
	})
	s.order = slices.Insert(s.order, i, m.ID)
}

func (s *conversationState) hide(messageID int64) bool {
	if s.hidden[messageID] {
		return false
	}
	s.hidden[messageID] = true
	return true
}

// advance moves the backfill cursor past pulled messages.
func (s *conversationState) advance(msgs []message.Message) {
	for _, m := range msgs {
		if s.cursor.less(m) {
			s.cursor = cursor{UpdatedAt: m.UpdatedAt, ID: m.ID}
		}
	}
}

func (s *conversationState) snapshot() []message.Message {
	out := make([]message.Message, 0, len(s.order))
	for _, id := range s.order {
		if s.hidden[id] {
			continue
		}
		out = append(out, s.records[id].msg.Clone())
	}
	return out
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
