package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"videoQA/config"
	"videoQA/initialization"
	"videoQA/logger"
	"videoQA/server"
	"videoQA/tracing"
)

var (
	configPath string
	imagePath  string
)

var rootCmd = &cobra.Command{
	Use:   "videoqa",
	Short: "Multimodal question answering over YouTube videos",
	Long: `videoqa ingests a YouTube video (frames, transcript, embeddings) and
answers questions about it with a vision-language model.

Examples:
  videoqa serve --config config.yaml
  videoqa ingest https://www.youtube.com/watch?v=dQw4w9WgXcQ
  videoqa chat dQw4w9WgXcQ "what is the song about?" --image still.png
`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <video-url>",
	Short: "Ingest one video and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd.Context(), func(ctx context.Context, sys *initialization.System) error {
			res, err := sys.Ingest.Ingest(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <video-id> <query>",
	Short: "Ask a question about an ingested video",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var image []byte
		if imagePath != "" {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}
			image = data
		}
		return withSystem(cmd.Context(), func(ctx context.Context, sys *initialization.System) error {
			res, err := sys.Chat.Chat(ctx, args[0], args[1], image)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml if present)")
	chatCmd.Flags().StringVar(&imagePath, "image", "", "optional probe image")

	rootCmd.AddCommand(serveCmd, ingestCmd, chatCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.L().Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func withSystem(ctx context.Context, fn func(context.Context, *initialization.System) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sys, err := initialization.Initialize(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()
	return fn(ctx, sys)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.App.Name,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.L().Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	sys, err := initialization.Initialize(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	srv := server.NewHTTPServer(cfg.Server, server.NewRouter(cfg, sys.Ingest, sys.Chat, sys.Ready))
	errCh := make(chan error, 1)
	go func() {
		logger.L().Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.L().Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
