package main

import (
	"context"
	"fmt"
	"time"

	tikuncrm "github.com/dheeraj009joshi/TikunCRM-sub003"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the stored token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, tikuncrm.DefaultBaseURL))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))

		store, err := tikuncrm.DefaultTokenStore()
		if err != nil {
			return err
		}
		token, err := store.Load()
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if token == "" {
			fmt.Println("  Token: (not logged in)")
			return nil
		}
		fmt.Printf("  Token: %s\n", maskToken(token))
		if cfg.Auth.Email != "" {
			fmt.Printf("  Email: %s\n", cfg.Auth.Email)
		}

		if claims, err := tikuncrm.InspectToken(token); err == nil {
			if claims.ExpiresAt != nil {
				if tikuncrm.TokenExpired(token) {
					fmt.Printf("  Expiry: EXPIRED (%s)\n", claims.ExpiresAt.Format(time.RFC3339))
				} else {
					fmt.Printf("  Expiry: valid until %s\n", claims.ExpiresAt.Format(time.RFC3339))
				}
			}
			if claims.Role != "" {
				fmt.Printf("  Role:   %s\n", claims.Role)
			}
		}

		// Live check.
		var opts []tikuncrm.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, tikuncrm.WithBaseURL(cfg.Default.BaseURL))
		}
		client := tikuncrm.NewClient(token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res, err := client.Auth.Me(ctx)
		if err != nil {
			fmt.Printf("\nLive status: unreachable (%v)\n", err)
			return nil
		}
		if err := res.Err(); err != nil {
			fmt.Printf("\nLive status: %v\n", err)
			return nil
		}

		var me tikuncrm.User
		if err := res.Decode(&me); err != nil {
			fmt.Printf("\nLive status: bad response (%v)\n", err)
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		fmt.Printf("  User:       %s (%s)\n", me.FullName, me.ID)
		fmt.Printf("  Role:       %s\n", me.Role)
		fmt.Printf("  Dealership: %s\n", me.DealershipID)
		return nil
	},
}
