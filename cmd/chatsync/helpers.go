package main

import (
	"fmt"
	"os"
	"path/filepath"

	chatsync "github.com/StudyHall-Labs/chatsync"
	"go.uber.org/zap"
)

// getFetcher creates an HTTP fetcher from the stored configuration.
func getFetcher() (*chatsync.HTTPFetcher, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync init <token> <user-id> <role>' first.")
		os.Exit(1)
	}
	return chatsync.NewHTTPFetcher(cfg.Default.BaseURL, cfg.Auth.Token), cfg
}

// getEngine wires a full sync engine: websocket transport, HTTP fetcher,
// and a durable on-disk outbox under the config directory.
func getEngine() (*chatsync.Engine, *chatsync.WSTransport) {
	fetcher, cfg := getFetcher()

	outboxDir := cfg.Default.OutboxDir
	if outboxDir == "" {
		dir, err := configDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve config directory: %v\n", err)
			os.Exit(1)
		}
		outboxDir = filepath.Join(dir, "outbox")
	}
	outbox, err := chatsync.OpenPebbleOutbox(outboxDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open outbox: %v\n", err)
		os.Exit(1)
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		log = zap.NewNop()
	}

	tr := chatsync.NewWSTransport(cfg.Default.BaseURL, cfg.Auth.Token, &chatsync.WSConfig{
		AutoReconnect: true,
		Logger:        log.Named("ws"),
	})

	self := chatsync.Participant{ID: cfg.Auth.UserID, Role: chatsync.Role(cfg.Auth.Role)}
	eng := chatsync.New(self, tr, fetcher,
		chatsync.WithLogger(log.Named("engine")),
		chatsync.WithOutbox(outbox),
	)
	return eng, tr
}
