// Package testserver runs the full chat API on the memory store behind
// httptest, for client side tests.
package testserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/config"
	"chatsync/internal/handler"
	"chatsync/internal/repository"
	"chatsync/internal/server"
	"chatsync/internal/services"
	"chatsync/internal/websocket"
	"chatsync/pkg/logger"

	"github.com/google/uuid"
)

type Server struct {
	*httptest.Server

	Store         *repository.MemoryStore
	Auth          *services.AuthService
	Messages      *services.MessageService
	Receipts      *services.ReceiptService
	Typing        *services.TypingService
	Conversations *services.ConversationService
	Hub           *websocket.Hub
}

// Start serves the API until the test ends.
func Start(t testing.TB) *Server {
	t.Helper()

	cfg := &config.Config{
		AppMode:                 server.TestMode,
		JWTSecret:               "test-secret",
		JWTExpiryMin:            60,
		TypingTTL:               5 * time.Second,
		DeleteForEveryoneWindow: 24 * time.Hour,
		DefaultPageLimit:        50,
		MaxPageLimit:            200,
	}
	l := logger.NewNop()
	ctx, cancel := context.WithCancel(context.Background())

	hub := websocket.NewHub(nil, websocket.NewEventLogger(l))
	go hub.Run(ctx)

	store := repository.NewMemoryStore()
	broadcaster := services.NewBroadcaster(websocket.NewLocalPublisher(hub), repository.NewMemoryOutboxRepository(), nil, l)

	s := &Server{
		Store: store,
		Auth:  services.NewAuthService(cfg),
		Messages: services.NewMessageService(store, broadcaster, nil, services.MessageServiceOptions{
			DeleteWindow: cfg.DeleteForEveryoneWindow,
			DefaultLimit: cfg.DefaultPageLimit,
			MaxLimit:     cfg.MaxPageLimit,
		}),
		Receipts:      services.NewReceiptService(store, broadcaster, nil, nil),
		Typing:        services.NewTypingService(store, broadcaster, cfg.TypingTTL, nil),
		Conversations: services.NewConversationService(store, broadcaster, nil),
		Hub:           hub,
	}

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Conversation: handler.NewConversationHandler(s.Conversations, s.Typing),
		Message:      handler.NewMessageHandler(s.Messages, s.Receipts),
		WebSocket:    websocket.NewHandler(s.Auth, hub, nil, websocket.NewEventLogger(l)),
	}, server.Dependencies{Auth: s.Auth})

	s.Server = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		s.Server.Close()
		cancel()
	})
	return s
}

// APIURL is the REST base the clients expect.
func (s *Server) APIURL() string {
	return s.URL + "/v1"
}

func (s *Server) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// Token issues an access token for userID.
func (s *Server) Token(t testing.TB, userID uuid.UUID) string {
	t.Helper()
	token, err := s.Auth.IssueAccessToken(userID, uuid.New())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

// WaitForClients blocks until n websocket clients are registered.
func (s *Server) WaitForClients(t testing.TB, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Hub.GetClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d websocket clients, have %d", n, s.Hub.GetClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
