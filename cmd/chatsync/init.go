package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initParticipant string
	initName        string
	initBaseURL     string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initParticipant, "participant", "", "your participant ID")
	initCmd.Flags().StringVar(&initName, "name", "", "your display name")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "backend URL")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.chatsync/config.toml",
	Long:  "Initialize the CLI by storing your access token and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initParticipant != "" {
			cfg.Default.ParticipantID = initParticipant
		}
		if initName != "" {
			cfg.Default.DisplayName = initName
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", path)
		return nil
	},
}
