package main

import (
	"encoding/json"
	"fmt"
	"os"

	tikuncrm "github.com/dheeraj009joshi/TikunCRM-sub003"
)

// getClient creates a TikunCRM client authenticated with the stored token.
func getClient() (*tikuncrm.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	store, err := tikuncrm.DefaultTokenStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate token store: %v\n", err)
		os.Exit(1)
	}
	token, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read token: %v\n", err)
		os.Exit(1)
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'tikun login' first.")
		os.Exit(1)
	}

	var opts []tikuncrm.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, tikuncrm.WithBaseURL(cfg.Default.BaseURL))
	}
	if level := effectiveLogLevel(cfg); level != "" {
		opts = append(opts, tikuncrm.WithLogger(newLogger(level)))
	}
	return tikuncrm.NewClient(token, opts...), cfg
}

// effectiveLogLevel resolves the log level from the flag, then the config.
func effectiveLogLevel(cfg *Config) string {
	if logLevelFlag != "" {
		return logLevelFlag
	}
	return cfg.Default.LogLevel
}

// printJSON pretty-prints v as JSON.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
