package main

import (
	"fmt"

	chatsync "github.com/StudyHall-Labs/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token> <user-id> <role>",
	Short: "Store credentials in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your access token and identity in the local configuration file. Role must be 'instructor' or 'student'.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, userID, role := args[0], args[1], args[2]

		if role != string(chatsync.RoleInstructor) && role != string(chatsync.RoleStudent) {
			return fmt.Errorf("role must be %q or %q", chatsync.RoleInstructor, chatsync.RoleStudent)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = userID
		cfg.Auth.Role = role
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = "https://chat.studyhall.app"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
