package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/finnweber/chime/pkg/datastore"
	"github.com/finnweber/chime/pkg/logging"
	"github.com/finnweber/chime/pkg/server"
	"github.com/finnweber/chime/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP bind address for /ws and /api")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.TokenSecret, "secret", "", "HMAC secret for session tokens (required unless set in config file)")
	flag.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Session token lifetime")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Revoke tokens idle longer than this (0 = never)")
	flag.StringVar(&cfg.PushGatewayURL, "push-url", "", "Push gateway base URL (empty disables push)")
	flag.StringVar(&cfg.PushAPIKey, "push-key", "", "Bearer key for the push gateway")

	configFile := flag.String("config", "", "YAML config file (values set there override flags)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *configFile != "" {
		loaded, err := server.LoadConfigFile(*configFile, cfg)
		if err != nil {
			slog.Error("load config file", "path", *configFile, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if cfg.TokenSecret == "" {
		slog.Error("token secret is required (-secret flag or token_secret in config)")
		os.Exit(1)
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	slog.Info("starting chime server", "version", version.String(), "addr", cfg.Addr)
	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
