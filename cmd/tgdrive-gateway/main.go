// tgdrive-gateway serves the chat transport over HTTP.
//
// Sub-commands:
//
//	tgdrive-gateway serve [flags]          Run the gateway (default)
//	tgdrive-gateway token [flags] <name>   Issue a bearer token
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/config"
	"github.com/0xdsaini/telegramdrive/internal/gateway"
	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
	"github.com/0xdsaini/telegramdrive/internal/storage"
	"github.com/0xdsaini/telegramdrive/internal/transport/loopback"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && (args[0] == "serve" || args[0] == "token") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "token":
		err = cmdToken(args)
	default:
		err = cmdServe(args)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(flags *pflag.FlagSet, args []string) (*config.Config, error) {
	configPath := flags.StringP("config", "c", "", "YAML config file (default $TGDRIVE_CONFIG)")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*configPath)
}

func cmdServe(args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ExitOnError)
	listen := flags.String("listen", "", "Listen address (overrides config)")
	cfg, err := loadConfig(flags, args)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	if err := logging.Init(cfg.Logging); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	logging.Info("tgdrive gateway starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.Storage.Type))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open blob storage: %w", err)
	}
	defer blobs.Close()

	chat := loopback.New(loopback.Config{
		ChatID:          cfg.ChatID,
		DownloadStep:    cfg.DownloadStep,
		MaxDocumentSize: cfg.Transfer.MaxUploadSize,
	}, blobs)

	var auth *gateway.Auth
	if cfg.JWTSecret != "" {
		auth = gateway.NewAuth(cfg.JWTSecret)
	} else {
		logging.Warn("JWT_SECRET is not set; the gateway accepts unauthenticated requests")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gateway.NewServer(chat, auth).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	}

	logging.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("shutdown error", zap.Error(err))
	}
	logging.Info("gateway stopped")
	return nil
}

func cmdToken(args []string) error {
	flags := pflag.NewFlagSet("token", pflag.ExitOnError)
	ttl := flags.Duration("ttl", gateway.DefaultTokenTTL, "Token lifetime")
	chatID := flags.Int64("chat", 0, "Restrict the token to this chat (0 = any)")
	cfg, err := loadConfig(flags, args)
	if err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: tgdrive-gateway token [--ttl 720h] [--chat id] <name>")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required to issue tokens")
	}

	token, expires, err := gateway.NewAuth(cfg.JWTSecret).IssueToken(flags.Arg(0), *chatID, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
	return nil
}
