package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/mikeyg42/toolalign/internal/config"
	"github.com/mikeyg42/toolalign/internal/crypto"
	"github.com/mikeyg42/toolalign/internal/logging"
	"github.com/mikeyg42/toolalign/internal/validate"
)

func main() {
	configPath := flag.String("config", "", "Path to a JSON configuration file")
	addr := flag.String("addr", "", "API listen address (overrides config)")
	device := flag.String("device", "", "Camera device index or URL (overrides config)")
	machineURL := flag.String("machine", "", "Motion controller base URL (overrides config)")
	genKey := flag.Bool("genkey", false, "Print a new master key for sealed secrets and exit")
	seal := flag.Bool("seal", false, "Seal a secret read from stdin with "+crypto.KeyEnv+" and exit")
	flag.Parse()

	if *genKey || *seal {
		if err := runSecretTool(*genKey); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.API.ListenAddr = *addr
	}
	if *device != "" {
		cfg.Camera.Device = *device
	}
	if *machineURL != "" {
		cfg.Machine.BaseURL = *machineURL
	}
	if err := cfg.ResolveSecrets(crypto.NewResolver(func() (string, bool) {
		return os.LookupEnv(crypto.KeyEnv)
	})); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve secrets: %v\n", err)
		os.Exit(1)
	}
	if err := validate.ValidateConfig(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, flush, err := logging.Install(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg)
	if err != nil {
		logger.Error("Failed to create application", zap.Error(err))
		flush()
		os.Exit(1)
	}
	defer app.Cleanup()

	if err := app.Run(ctx); err != nil {
		logger.Error("Application stopped with error", zap.Error(err))
	}
}

// runSecretTool prints a new master key, or seals one line of stdin.
func runSecretTool(genKey bool) error {
	if genKey {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	}

	key, err := crypto.ParseKey(os.Getenv(crypto.KeyEnv))
	if err != nil {
		return fmt.Errorf("%s: %w", crypto.KeyEnv, err)
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read secret: %w", err)
	}
	sealed, err := key.Seal(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}
