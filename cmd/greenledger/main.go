// Command greenledger is the backend entry point for the carbon credit
// ledger. It loads configuration, validates it, wires dependencies, sets up
// signal handling, and starts the application in the configured mode.
//
// Usage:
//
//	greenledger [-config config.toml]
//	greenledger encrypt-key -out custodian.key.json   (key on stdin, password in GREENLEDGER_KEY_PASSWORD)
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/greenledger/internal/app"
	"github.com/alanyoungcy/greenledger/internal/config"
	"github.com/alanyoungcy/greenledger/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-key" {
		if err := encryptKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("greenledger starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		application.Close()
		os.Exit(1)
	}

	logger.Info("greenledger stopped")
}

// newLogger builds the JSON logger at the named level; unknown names fall
// back to info.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// encryptKey reads a hex private key from stdin and writes the encrypted key
// file that custodian.encrypted_key_path expects.
func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	out := fs.String("out", "custodian.key.json", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	password := os.Getenv("GREENLEDGER_KEY_PASSWORD")
	if password == "" {
		return errors.New("GREENLEDGER_KEY_PASSWORD must be set")
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read key from stdin: %w", err)
	}
	keyHex := strings.TrimSpace(line)
	pk, err := crypto.ParsePrivateKey(keyHex)
	if err != nil {
		return err
	}

	blob, err := crypto.EncryptKey(keyHex, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Printf("wrote %s for %s\n", *out, crypto.NewSigner(pk).Address().Hex())
	return nil
}
