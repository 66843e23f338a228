package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"chatsync/config"
	"chatsync/internal/apiclient"
	"chatsync/internal/chatclient"
	"chatsync/internal/outqueue"
	"chatsync/internal/services"
	"chatsync/pkg/logger"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Terminal client for the chat sync API",
	Long: `chatcli connects with CHAT_TOKEN, keeps an offline queue on disk and
renders the open conversation as it syncs.`,
	SilenceUsage: true,
	RunE:         runClient,
}

var tokenCmd = &cobra.Command{
	Use:     "token <user-id>",
	Short:   "Issue a local access token signed with JWT_SECRET",
	Args:    cobra.ExactArgs(1),
	Example: "  chatcli token 6f1c2d1e-0000-4000-8000-000000000001",
	RunE:    issueToken,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().String("api", "", "API base URL (default CHAT_API_URL)")
	rootCmd.Flags().String("ws", "", "websocket URL (default CHAT_WS_URL)")
	rootCmd.Flags().String("queue", "", "offline queue directory (default CHAT_QUEUE_PATH)")
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func issueToken(cmd *cobra.Command, args []string) error {
	userID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("a valid user id is required: %w", err)
	}
	token, err := services.NewAuthService(config.LoadConfig()).IssueAccessToken(userID, uuid.New())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// selfID reads the subject of the token. The server verifies the signature;
// the client only needs to know who it is.
func selfID(token string) (uuid.UUID, error) {
	var claims services.AccessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return uuid.Nil, fmt.Errorf("parse token: %w", err)
	}
	return uuid.Parse(claims.UserID)
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg := config.LoadClientConfig()
	overrideString(cmd, "api", &cfg.APIBaseURL)
	overrideString(cmd, "ws", &cfg.WebsocketURL)
	overrideString(cmd, "queue", &cfg.QueuePath)

	l := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	if cfg.AccessToken == "" {
		return errors.New("CHAT_TOKEN is not set; issue one with `chatcli token <user-id>`")
	}
	self, err := selfID(cfg.AccessToken)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.QueuePath), 0o755); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}
	store, err := outqueue.OpenPebbleStore(cfg.QueuePath, vfs.Default)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	api := apiclient.New(cfg.APIBaseURL, apiclient.Options{
		Token:   cfg.AccessToken,
		Timeout: cfg.RequestTimeout,
		Logger:  l.Named("api"),
	})
	client := chatclient.New(api, api.NewStream(cfg.WebsocketURL), store, chatclient.Options{
		SelfID:     self,
		PageLimit:  cfg.PageLimit,
		SeenWindow: cfg.SeenWindow,
		Logger:     l,
	})
	defer client.Close()

	if err := client.Restore(ctx); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	s := newSession(client, api, self, cmd.OutOrStdout())
	go s.watch(ctx)
	go s.readLoop(ctx, cmd.InOrStdin(), stop)

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}
	}
	return nil
}

func overrideString(cmd *cobra.Command, flag string, dst *string) {
	if cmd.Flags().Changed(flag) {
		*dst, _ = cmd.Flags().GetString(flag)
	}
}
