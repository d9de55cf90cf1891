package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lexiqai/converse-gateway/internal/observability"
	"github.com/lexiqai/converse-gateway/internal/playback"
	"github.com/lexiqai/converse-gateway/internal/resilience"
)

const (
	defaultServerURL = "http://localhost:5000"
	defaultOutDir    = "converse-out"
	defaultTimeout   = 2 * time.Minute
)

type cliConfig struct {
	ServerURL string
	Session   string
	OutDir    string
	Realtime  bool
	Speed     float64
	Timeout   time.Duration
	Attempts  int
	LogLevel  string
	Query     string
}

func parseCLIConfig(args []string, getenv func(string) string) (cliConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := cliConfig{}
	fs := flag.NewFlagSet("converse-cli", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	serverDefault := strings.TrimSpace(getenv("CONVERSE_URL"))
	if serverDefault == "" {
		serverDefault = defaultServerURL
	}

	fs.StringVar(&cfg.ServerURL, "server", serverDefault, "gateway base URL (or CONVERSE_URL)")
	fs.StringVar(&cfg.Session, "session", "", "session id to continue; a new one is issued when empty")
	fs.StringVar(&cfg.OutDir, "out", defaultOutDir, "directory receiving one WAV file per spoken sentence")
	fs.BoolVar(&cfg.Realtime, "realtime", false, "hold each sentence for its playback duration")
	fs.Float64Var(&cfg.Speed, "speed", 1.0, "playback speed factor in realtime mode")
	fs.DurationVar(&cfg.Timeout, "timeout", defaultTimeout, "per-question timeout")
	fs.IntVar(&cfg.Attempts, "attempts", 3, "connection attempts per question")
	fs.StringVar(&cfg.LogLevel, "log-level", "warn", "log level")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	cfg.Query = strings.TrimSpace(strings.Join(fs.Args(), " "))

	if err := validateCLIConfig(cfg); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func validateCLIConfig(cfg cliConfig) error {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server URL %q", cfg.ServerURL)
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if cfg.Attempts < 1 {
		return errors.New("attempts must be at least 1")
	}
	if cfg.Speed <= 0 {
		return errors.New("speed must be positive")
	}
	return nil
}

func main() {
	_ = godotenv.Load()

	cfg, err := parseCLIConfig(os.Args[1:], nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "converse-cli: %v\n", err)
		os.Exit(2)
	}

	observability.InitLogger(cfg.LogLevel, true)
	logger := observability.Component("converse-cli")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	player, err := newPlayer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to prepare output")
	}
	client := newClient(cfg, logger)

	if cfg.Query != "" {
		if err := client.askAndPlay(ctx, cfg.Query, player, os.Stdout); err != nil {
			logger.Fatal().Err(err).Msg("Conversation failed")
		}
		return
	}

	// One question per line, same session throughout
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprint(os.Stdout, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			if err := client.askAndPlay(ctx, line, player, os.Stdout); err != nil {
				logger.Error().Err(err).Msg("Conversation failed")
			}
		}
		if ctx.Err() != nil {
			return
		}
		fmt.Fprint(os.Stdout, "> ")
	}
}

func newPlayer(cfg cliConfig, logger zerolog.Logger) (playback.Player, error) {
	files, err := playback.NewWAVFilePlayer(cfg.OutDir, logger)
	if err != nil {
		return nil, err
	}
	if !cfg.Realtime {
		return files, nil
	}
	return playback.Chain{files, playback.ClockPlayer{Speed: cfg.Speed}}, nil
}

func reconnectConfig(cfg cliConfig) *resilience.ReconnectConfig {
	rc := resilience.DefaultReconnectConfig()
	rc.MaxAttempts = cfg.Attempts
	rc.Backoff = 500 * time.Millisecond
	rc.MaxBackoff = 5 * time.Second
	return rc
}
