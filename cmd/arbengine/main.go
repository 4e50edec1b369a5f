// Command arbengine runs the arbitrage execution core. It loads and validates
// configuration, wires dependencies and runs the configured mode until SIGINT
// or SIGTERM.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/arbengine/internal/app"
	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/crypto"
)

func main() {
	configPath := flag.String("config", "arbengine.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the configured mode (execute, reconcile, dry-run)")
	encryptTo := flag.String("encrypt-key", "", "read a private key from stdin, encrypt it with ARBENGINE_WALLET_KEY_PASSWORD and write the key file here")
	flag.Parse()

	if *encryptTo != "" {
		if err := encryptKey(*encryptTo); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := newLogger(slog.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger = newLogger(level)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("arbengine starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Int("chains", len(cfg.Chains)),
		slog.Int("wallets", len(cfg.Wallets)),
	)
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		application.Close()
		os.Exit(1)
	}

	logger.Info("arbengine stopped")
}

// encryptKey writes an encrypted key file for use as wallets.encrypted_key_path.
func encryptKey(path string) error {
	password := os.Getenv("ARBENGINE_WALLET_KEY_PASSWORD")
	if password == "" {
		return errors.New("ARBENGINE_WALLET_KEY_PASSWORD is not set")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	blob, err := crypto.EncryptKey(strings.TrimSpace(line), password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
