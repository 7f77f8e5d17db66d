package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/section9-dev/aramaki/common/version"
	"github.com/section9-dev/aramaki/internal/aramaki/accounts"
	"github.com/section9-dev/aramaki/internal/aramaki/app"
	"github.com/section9-dev/aramaki/internal/aramaki/gateway"
	"github.com/section9-dev/aramaki/internal/aramaki/genbackend"
	"github.com/section9-dev/aramaki/internal/aramaki/notify"
	"github.com/section9-dev/aramaki/internal/aramaki/registry"
	"github.com/section9-dev/aramaki/internal/aramaki/sendapi"
	"github.com/section9-dev/aramaki/internal/aramaki/stream"
	"github.com/section9-dev/aramaki/internal/aramaki/wxcrypt"
)

type config struct {
	httpAddr     string
	accountsFile string

	backend genbackend.Config

	amqpURL      string
	amqpExchange string

	firstChunkWait time.Duration
}

func main() {
	fmt.Printf("Aramaki Callback Gateway\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	// Load configuration from environment
	cfg := loadConfig()

	if cfg.accountsFile == "" {
		fmt.Fprintf(os.Stderr, "Error: ARAMAKI_ACCOUNTS_FILE is required\n")
		os.Exit(1)
	}
	if cfg.backend.Model == "" {
		fmt.Fprintf(os.Stderr, "Error: ARAMAKI_MODEL is required\n")
		os.Exit(1)
	}

	backend, err := genbackend.New(cfg.backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Stream lifecycle events go to AMQP when a broker is configured,
	// otherwise to structured logs.
	var sink notify.Sink
	if cfg.amqpURL != "" {
		amqpSink, err := notify.NewAMQPSink(cfg.amqpURL, cfg.amqpExchange)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer amqpSink.Close()
		sink = amqpSink
	} else {
		sink = &notify.LogSink{}
	}

	reg := registry.New()
	unregister, err := registerAccounts(reg, cfg.accountsFile, sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	streams := stream.NewStore(stream.Config{})
	handler := gateway.New(gateway.Config{
		Registry:       reg,
		Streams:        streams,
		Backend:        backend,
		Sender:         sendapi.New(sendapi.Config{}),
		FirstChunkWait: cfg.firstChunkWait,
	})

	server := app.NewServer(cfg.httpAddr, reg, streams)
	handler.RegisterRoutes(server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer server.Stop()

	// SIGHUP reloads the account file without dropping live streams.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return
		case <-hup:
			slog.Info("reloading accounts", "file", cfg.accountsFile)
			newUnregister, err := registerAccounts(reg, cfg.accountsFile, sink)
			if err != nil {
				slog.Error("account reload failed, keeping previous accounts", "err", err)
				continue
			}
			unregister()
			unregister = newUnregister
		}
	}
}

// registerAccounts loads the account file and mounts every account on the
// registry. It returns a function that unmounts exactly the accounts it
// registered, so a reload can swap the whole set atomically enough for
// callback traffic (new set mounted before the old one is removed).
func registerAccounts(reg *registry.Registry, path string, sink notify.Sink) (func(), error) {
	accs, err := accounts.Load(path)
	if err != nil {
		return nil, err
	}

	var unregisters []func()
	for _, acc := range accs {
		var codec *wxcrypt.Codec
		if acc.EncodingAESKey != "" {
			codec, err = wxcrypt.NewCodec(acc.EncodingAESKey, acc.ReceiverID)
			if err != nil {
				for _, u := range unregisters {
					u()
				}
				return nil, fmt.Errorf("account %q: %w", acc.Name, err)
			}
		} else {
			slog.Warn("account has no key material, callbacks will fail",
				"account", acc.Name, "path", acc.Path)
		}

		unregisters = append(unregisters, reg.Register(&registry.Target{
			Account: acc,
			Codec:   codec,
			Sink:    sink,
		}))
		slog.Info("account mounted", "account", acc.Name, "path", acc.Path)
	}

	return func() {
		for _, u := range unregisters {
			u()
		}
	}, nil
}

// loadConfig loads configuration from environment variables
func loadConfig() config {
	firstWait := time.Duration(0)
	if raw := getEnv("ARAMAKI_FIRST_CHUNK_WAIT", ""); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			firstWait = d
		} else {
			slog.Warn("invalid ARAMAKI_FIRST_CHUNK_WAIT, using default", "value", raw)
		}
	}

	return config{
		httpAddr:     getEnv("ARAMAKI_HTTP_ADDR", ":8080"),
		accountsFile: getEnv("ARAMAKI_ACCOUNTS_FILE", ""),
		backend: genbackend.Config{
			Provider:     getEnv("ARAMAKI_BACKEND", "openai"),
			Model:        getEnv("ARAMAKI_MODEL", ""),
			APIKey:       getEnv("ARAMAKI_API_KEY", ""),
			BaseURL:      getEnv("ARAMAKI_BASE_URL", ""),
			SystemPrompt: getEnv("ARAMAKI_SYSTEM_PROMPT", ""),
			OptionsJSON:  getEnv("ARAMAKI_BACKEND_OPTIONS", ""),
		},
		amqpURL:        getEnv("ARAMAKI_AMQP_URL", ""),
		amqpExchange:   getEnv("ARAMAKI_AMQP_EXCHANGE", "aramaki.events"),
		firstChunkWait: firstWait,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
