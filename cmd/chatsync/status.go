package main

import (
	"context"
	"fmt"
	"time"

	"github.com/classroomx/chatsync"
	"github.com/classroomx/chatsync/rediscache"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Fprintf(out, "  Participant:  %s\n", valueOrDefault(cfg.Default.ParticipantID, "(not set)"))
		fmt.Fprintf(out, "  Display name: %s\n", valueOrDefault(cfg.Default.DisplayName, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:        %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:        (not set)")
		}
		fmt.Fprintf(out, "  Redis cache:  %s\n", valueOrDefault(cfg.Cache.RedisAddr, "(disabled)"))
		fmt.Fprintf(out, "  Media limit:  %s\n", humanize.IBytes(chatsync.DefaultMaxMediaBytes))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		if cfg.Default.ParticipantID == "" {
			fmt.Fprintln(out, "  Backend:      (skipped, no participant configured)")
		} else {
			svc, err := newService(cfg, newLogger())
			if err != nil {
				return err
			}
			if err := svc.Health(ctx); err != nil {
				fmt.Fprintf(out, "  Backend:      UNREACHABLE (%s)\n", describeError(err))
			} else {
				fmt.Fprintln(out, "  Backend:      OK")
			}
		}
		if cfg.Cache.RedisAddr != "" {
			cache := rediscache.Dial(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
			defer cache.Close()
			if err := cache.Ping(ctx); err != nil {
				fmt.Fprintf(out, "  Redis:        UNREACHABLE (%v)\n", err)
			} else {
				fmt.Fprintln(out, "  Redis:        OK")
			}
		}
		return nil
	},
}
