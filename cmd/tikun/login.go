package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tikuncrm "github.com/dheeraj009joshi/TikunCRM-sub003"
	"github.com/spf13/cobra"
)

var (
	loginEmail    string
	loginPassword string
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password (or set TIKUN_PASSWORD)")
	loginCmd.MarkFlagRequired("email")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate and store the auth token",
	Long:  "Log in to TikunCRM and persist the returned token in ~/.tikun/auth_token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		password := loginPassword
		if password == "" {
			password = os.Getenv("TIKUN_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("no password given: pass --password or set TIKUN_PASSWORD")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var opts []tikuncrm.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, tikuncrm.WithBaseURL(cfg.Default.BaseURL))
		}
		client := tikuncrm.NewClient("", opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		login, err := client.Auth.Login(ctx, loginEmail, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		store, err := tikuncrm.DefaultTokenStore()
		if err != nil {
			return err
		}
		if err := store.Save(login.Token); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}

		cfg.Auth.UserID = login.User.ID
		cfg.Auth.Email = login.User.Email
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", login.User.Email, login.User.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored auth token",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := tikuncrm.DefaultTokenStore()
		if err != nil {
			return err
		}
		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to clear token: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Logged out.")
		return nil
	},
}
