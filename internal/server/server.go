package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chatsync/config"
	"chatsync/internal/handler"
	"chatsync/internal/metrics"
	"chatsync/internal/middleware"
	"chatsync/internal/redis"
	"chatsync/internal/services"
	"chatsync/internal/transport/httpdto"
	"chatsync/internal/websocket"
	"chatsync/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Conversation *handler.ConversationHandler
	Message      *handler.MessageHandler
	WebSocket    *websocket.Handler
}

// Dependencies are optional collaborators of the router. Limiter takes
// precedence over LocalLimiter; with neither set there is no rate limiting.
// A nil Health always reports healthy.
type Dependencies struct {
	Auth         *services.AuthService
	Limiter      *redis.RateLimiter
	LocalLimiter *middleware.LocalLimiter
	Metrics      *metrics.Metrics
	Health       func(ctx context.Context) error
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) SetupRoutes(handlers *Handlers, deps Dependencies) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.CORSMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "UNHEALTHY"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	if deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	if handlers.WebSocket != nil {
		s.engine.GET("/ws", handlers.WebSocket.Connect)
	}

	sendLimit := []gin.HandlerFunc{}
	typingLimit := []gin.HandlerFunc{}
	switch {
	case deps.Limiter != nil:
		sendLimit = append(sendLimit, middleware.MessageRateLimitMiddleware(deps.Limiter))
		typingLimit = append(typingLimit, middleware.TypingRateLimitMiddleware(deps.Limiter))
	case deps.LocalLimiter != nil:
		sendLimit = append(sendLimit, deps.LocalLimiter.MessageMiddleware())
		typingLimit = append(typingLimit, deps.LocalLimiter.TypingMiddleware())
	}

	chat := s.engine.Group("/v1/chat", middleware.AuthMiddleware(deps.Auth))
	{
		conversations := chat.Group("/conversations")
		conversations.GET("", handlers.Conversation.List)
		conversations.POST("", handlers.Conversation.Create)
		conversations.GET("/:id", handlers.Conversation.Get)
		conversations.POST("/:id/pin", handlers.Conversation.Pin())
		conversations.POST("/:id/hide", handlers.Conversation.Hide())
		conversations.POST("/:id/nickname", handlers.Conversation.Nickname)
		conversations.POST("/:id/close-friend", handlers.Conversation.CloseFriend())
		conversations.POST("/:id/call-notifications", handlers.Conversation.CallNotifications())

		conversations.GET("/:id/messages", handlers.Message.List)
		conversations.GET("/:id/messages/since", handlers.Message.Since)
		conversations.POST("/:id/messages", append(sendLimit, handlers.Message.Send)...)
		conversations.POST("/:id/messages/read", handlers.Message.MarkRead)
		conversations.POST("/:id/read-all", handlers.Message.MarkAllRead)
		conversations.POST("/:id/typing", append(typingLimit, handlers.Conversation.SetTyping)...)
		conversations.GET("/:id/typing", handlers.Conversation.Typing)

		messages := chat.Group("/messages")
		messages.PUT("/:id", handlers.Message.Edit)
		messages.DELETE("/:id", handlers.Message.Delete)
		messages.POST("/:id/reactions", handlers.Message.React)
	}
}

// Start serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.logger != nil {
			s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		}
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Errorf("Error in starting the server: %s", err)
			}
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if s.logger != nil {
		s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		if s.logger != nil {
			s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		}
		return err
	}

	if s.logger != nil {
		s.logger.Infof("Server stopped gracefully")
	}

	return nil
}
