package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tikuncrm "github.com/dheeraj009joshi/TikunCRM-sub003"
	"github.com/spf13/cobra"
)

var tailEvents []string

// defaultTailEvents are the server-pushed event types tailed when no
// --event flag is given.
var defaultTailEvents = []string{
	tikuncrm.EventLeadCreated,
	tikuncrm.EventLeadUpdated,
	tikuncrm.EventBadgesRefresh,
	tikuncrm.EventNotificationNew,
	tikuncrm.EventSMSReceived,
	tikuncrm.EventSMSSent,
	tikuncrm.EventWhatsAppReceived,
	tikuncrm.EventWhatsAppSent,
	tikuncrm.EventWhatsAppStatus,
	tikuncrm.EventCallNeedsLeadDetails,
}

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringSliceVar(&tailEvents, "event", nil, "event types to tail (repeatable; default: all known)")
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream live events to the terminal",
	Long:  "Connect to the realtime channel and print incoming events until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		logger := newLogger(valueOrDefault(effectiveLogLevel(cfg), "info"))

		rt := client.Realtime(&tikuncrm.RealtimeConfig{Logger: logger})
		store, err := tikuncrm.DefaultTokenStore()
		if err != nil {
			return err
		}
		session := tikuncrm.NewSession(rt,
			tikuncrm.WithSessionLogger(logger),
			tikuncrm.WithTokenStore(store),
		)
		defer session.Close()

		offStatus := session.OnConnectionChange(func(connected bool) {
			logger.Info().Bool("connected", connected).Msg("connection status")
		})
		defer offStatus()

		events := tailEvents
		if len(events) == 0 {
			events = defaultTailEvents
		}
		for _, eventType := range events {
			sub := session.Subscribe(eventType, func(evt tikuncrm.Event) {
				fmt.Printf("%s  %-24s  %s\n", time.Now().Format(time.RFC3339), evt.Type, string(evt.Data))
			})
			defer sub.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := session.SetIdentity(ctx, tikuncrm.Identity{UserID: cfg.Auth.UserID}); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		fmt.Println("\nShutting down.")
		return nil
	},
}
