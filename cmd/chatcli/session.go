package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"chatsync/internal/apiclient"
	"chatsync/internal/chatclient"
	"chatsync/internal/syncengine"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const help = `commands:
  /list                   conversations
  /dm <user-id>           open a direct conversation
  /open <id>              switch conversation
  /more                   load older messages
  /react <msg-id> <emoji> react (empty emoji removes)
  /edit <msg-id> <text>   edit your message
  /delete <msg-id> [all]  delete for you, or for everyone
  /read                   mark the conversation read
  /retry <temp-id>        resend a failed message
  /cancel <temp-id>       drop a message that has not been sent
  /refresh                backfill a stale conversation
  /quit
anything else is sent to the open conversation`

type session struct {
	client *chatclient.Client
	api    *apiclient.Client
	self   uuid.UUID
	out    io.Writer

	mu      sync.Mutex
	current int64
}

func newSession(client *chatclient.Client, api *apiclient.Client, self uuid.UUID, out io.Writer) *session {
	return &session{client: client, api: api, self: self, out: out}
}

func (s *session) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *session) conversation() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// watch redraws the open conversation as the engine changes.
func (s *session) watch(ctx context.Context) {
	changes, cancel := s.client.Engine().Subscribe()
	defer cancel()
	failures := s.client.Queue().Failures()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-failures:
			verb := "failed"
			if f.Dropped {
				verb = "dropped"
			}
			s.printf("! message %s %s: %v", f.ClientTempID, verb, f.Err)
		case ev, ok := <-changes:
			if !ok {
				return
			}
			if ev.ConversationID != s.conversation() {
				continue
			}
			switch ev.Kind {
			case syncengine.ChangeMessages, syncengine.ChangePending:
				s.render()
			case syncengine.ChangeTyping:
				if users := s.client.Engine().TypingUsers(ev.ConversationID); len(users) > 0 {
					s.printf("… %d typing", len(users))
				}
			case syncengine.ChangeStale:
				if ev.Err != nil {
					s.printf("! conversation is stale, /refresh to retry: %v", ev.Err)
				}
			}
		}
	}
}

func (s *session) render() {
	id := s.conversation()
	if id == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "── conversation %d ──\n", id)
	for item := range s.client.Engine().Timeline(id) {
		m := item.Message
		who := m.SenderID.String()[:8]
		if m.SenderID == s.self {
			who = "me"
		}
		text := m.Content
		if m.Deleted {
			text = "(deleted)"
		}
		switch item.State {
		case syncengine.ItemPending:
			fmt.Fprintf(&b, "  [%s] %s: %s (sending)\n", item.Pending.ClientTempID, who, text)
		case syncengine.ItemFailed:
			fmt.Fprintf(&b, "  [%s] %s: %s (failed)\n", item.Pending.ClientTempID, who, text)
		default:
			var reactions []string
			for _, r := range m.Reactions {
				reactions = append(reactions, r)
			}
			line := fmt.Sprintf("  #%d %s: %s", m.ID, who, text)
			if len(reactions) > 0 {
				line += " " + strings.Join(reactions, "")
			}
			line += "  · " + humanize.Time(m.CreatedAt)
			if m.EditedAt != nil && !m.Deleted {
				line += " (edited)"
			}
			b.WriteString(line + "\n")
		}
	}
	s.printf("%s", strings.TrimRight(b.String(), "\n"))
}

func (s *session) readLoop(ctx context.Context, in io.Reader, quit func()) {
	s.printf("%s", help)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			quit()
			return
		}
		if err := s.handle(ctx, line); err != nil {
			s.printf("! %v", err)
		}
	}
	quit()
}

func (s *session) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		id := s.conversation()
		if id == 0 {
			return fmt.Errorf("no conversation open, use /open or /dm")
		}
		s.client.SetTyping(id, false)
		_, err := s.client.Send(ctx, id, line)
		return err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/list":
		if err := s.client.RefreshConversations(ctx); err != nil {
			return err
		}
		for _, c := range s.client.Engine().Conversations() {
			name := c.Conversation.Name
			if c.Settings.Nickname != "" {
				name = c.Settings.Nickname
			}
			s.printf("  %d %s %s unread=%d pinned=%t active %s", c.Conversation.ID, c.Conversation.Type, name, c.UnreadCount, c.Settings.Pinned, humanize.Time(c.Conversation.UpdatedAt))
		}
	case "/dm":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /dm <user-id>")
		}
		other, err := uuid.Parse(fields[1])
		if err != nil {
			return err
		}
		conv, _, err := s.api.CreateDirect(ctx, other)
		if err != nil {
			return err
		}
		return s.open(ctx, conv.ID)
	case "/open":
		id, err := argID(fields, 1)
		if err != nil {
			return err
		}
		return s.open(ctx, id)
	case "/more":
		n, err := s.client.Engine().LoadOlder(ctx, s.conversation())
		if err != nil {
			return err
		}
		s.printf("loaded %d older messages", n)
	case "/react":
		id, err := argID(fields, 1)
		if err != nil {
			return err
		}
		reaction := ""
		if len(fields) > 2 {
			reaction = fields[2]
		}
		_, err = s.client.React(ctx, id, reaction)
		return err
	case "/edit":
		id, err := argID(fields, 1)
		if err != nil {
			return err
		}
		if len(fields) < 3 {
			return fmt.Errorf("usage: /edit <msg-id> <text>")
		}
		_, err = s.client.Edit(ctx, id, strings.Join(fields[2:], " "))
		return err
	case "/delete":
		id, err := argID(fields, 1)
		if err != nil {
			return err
		}
		return s.client.Delete(ctx, id, len(fields) > 2 && fields[2] == "all")
	case "/read":
		res, err := s.client.MarkAllRead(ctx, s.conversation())
		if err != nil {
			return err
		}
		s.printf("marked %d read", res.Inserted)
	case "/retry", "/cancel":
		if len(fields) < 2 {
			return fmt.Errorf("usage: %s <temp-id>", fields[0])
		}
		id, err := uuid.Parse(fields[1])
		if err != nil {
			return err
		}
		if fields[0] == "/retry" {
			return s.client.Queue().Retry(ctx, id)
		}
		return s.client.Queue().Cancel(ctx, id)
	case "/refresh":
		return s.client.Engine().Refresh(ctx, s.conversation())
	default:
		s.printf("%s", help)
	}
	return nil
}

func (s *session) open(ctx context.Context, id int64) error {
	if err := s.client.Open(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
	s.render()
	return nil
}

func argID(fields []string, i int) (int64, error) {
	if len(fields) <= i {
		return 0, fmt.Errorf("usage: %s <id>", fields[0])
	}
	return strconv.ParseInt(fields[i], 10, 64)
}
