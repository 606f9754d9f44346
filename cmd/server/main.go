package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gwi.com/docchat/internal/api"
	"gwi.com/docchat/internal/app"
	"gwi.com/docchat/internal/auth"
	"gwi.com/docchat/internal/config"
	"gwi.com/docchat/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "docchat",
	Short:         "Chat with an assistant about the documents you upload",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Upload PDF or image files into a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

var askCmd = &cobra.Command{
	Use:   "ask MESSAGE",
	Short: "Send one message to a conversation and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with JWT_SECRET",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

var (
	conversationID string
	tokenSubject   string
	tokenTTL       time.Duration
)

func init() {
	ingestCmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation ID (a new conversation is started when empty)")
	askCmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation ID (a new conversation is started when empty)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "docchat", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTokenTTL, "token lifetime")

	rootCmd.AddCommand(serveCmd, ingestCmd, askCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads configuration, builds the logger and the application.
func setup(ctx context.Context) (*app.App, context.Context, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, ctx, err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, ctx, err
	}
	ctx = ctxzap.ToContext(ctx, log)
	if !cfg.EnvFileLoaded {
		log.Debug("no .env file found, relying on environment variables")
	}

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Sync()
		return nil, ctx, err
	}
	return a, ctx, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, ctx, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	log := a.Logger
	defer log.Sync()
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to release resources", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         ":" + a.Config.HTTPPort,
		Handler:      api.NewRouter(a.Handler, log, a.Config.JWTSecret),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.Config.LLM.GenerationTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.Bool("auth", a.Config.JWTSecret != ""))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		return fmt.Errorf("could not listen on %s: %w", srv.Addr, err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server exited gracefully")
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	a, ctx, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	convID := conversationID
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		res, err := a.Chat.UploadDocument(ctx, convID, filepath.Base(path), data)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		convID = res.Document.ConversationID

		line := fmt.Sprintf("%s\tdocument=%s\tchunks=%d\tstatus=%s",
			path, res.Document.ID, res.ChunksIndexed, res.Status)
		if res.Reason != "" {
			line += "\treason=" + res.Reason
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "conversation %s\n", convID)
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, ctx, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	turn, err := a.Chat.SendMessage(ctx, conversationID, strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), turn.AssistantMessage.Content)
	cmd.PrintErrf("conversation %s\n", turn.ConversationID)
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	token, err := auth.GenerateJWT(cfg.JWTSecret, tokenSubject, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
