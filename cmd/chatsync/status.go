package main

import (
	"context"
	"fmt"
	"time"

	chatsync "github.com/StudyHall-Labs/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service reachability",
	Long:  "Display the current configuration and check that the messaging service is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.OutboxDir != "" {
			fmt.Printf("  Outbox:    %s\n", cfg.Default.OutboxDir)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:   %s\n", cfg.Auth.UserID)
			fmt.Printf("  Role:      %s\n", cfg.Auth.Role)
		} else {
			fmt.Println("  User ID:   (not set)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}

		if cfg.Auth.Token == "" || cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		fetcher, fcfg := getFetcher()
		self := chatsync.Participant{ID: fcfg.Auth.UserID, Role: chatsync.Role(fcfg.Auth.Role)}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		summaries, err := fetcher.Conversations(ctx, self)
		if err != nil {
			fmt.Printf("  Error reaching service: %v\n", err)
			return nil
		}

		unread := 0
		for _, s := range summaries {
			unread += s.UnreadCount
		}
		fmt.Println("  Service:       reachable")
		fmt.Printf("  Conversations: %d\n", len(summaries))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return key[:4] + "..."
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
