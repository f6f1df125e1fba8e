package main

import (
	"context"
	"fmt"
	"time"

	tikuncrm "github.com/dheeraj009joshi/TikunCRM-sub003"
	"github.com/spf13/cobra"
)

var (
	leadsListStage    string
	leadsListAssigned string
	leadsListSearch   string
	leadsListLimit    int
	leadsListJSON     bool

	leadsGetJSON bool
)

func init() {
	rootCmd.AddCommand(leadsCmd)
	leadsCmd.AddCommand(leadsListCmd)
	leadsCmd.AddCommand(leadsGetCmd)

	leadsListCmd.Flags().StringVar(&leadsListStage, "stage", "", "filter by pipeline stage")
	leadsListCmd.Flags().StringVar(&leadsListAssigned, "assigned", "", "filter by assigned user ID")
	leadsListCmd.Flags().StringVar(&leadsListSearch, "search", "", "free-text search")
	leadsListCmd.Flags().IntVar(&leadsListLimit, "limit", 25, "maximum number of leads")
	leadsListCmd.Flags().BoolVar(&leadsListJSON, "json", false, "print raw JSON")

	leadsGetCmd.Flags().BoolVar(&leadsGetJSON, "json", false, "print raw JSON")
}

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Browse leads",
}

var leadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leads",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := client.Leads.List(ctx, &tikuncrm.LeadListOptions{
			Stage:       leadsListStage,
			AssignedTo:  leadsListAssigned,
			Search:      leadsListSearch,
			ListOptions: tikuncrm.ListOptions{Limit: leadsListLimit},
		})
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}

		var leads []tikuncrm.Lead
		if err := res.Decode(&leads); err != nil {
			return err
		}

		if leadsListJSON {
			return printJSON(leads)
		}
		if len(leads) == 0 {
			fmt.Println("No leads.")
			return nil
		}
		for _, lead := range leads {
			assigned := valueOrDefault(lead.AssignedTo, "unassigned")
			fmt.Printf("%-36s  %-12s  %-20s  %s\n", lead.ID, lead.Stage, assigned, lead.VehicleOfInterest)
		}
		return nil
	},
}

var leadsGetCmd = &cobra.Command{
	Use:   "get <lead-id>",
	Short: "Show one lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := client.Leads.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}

		var lead tikuncrm.Lead
		if err := res.Decode(&lead); err != nil {
			return err
		}

		if leadsGetJSON {
			return printJSON(lead)
		}
		fmt.Printf("ID:          %s\n", lead.ID)
		fmt.Printf("Stage:       %s\n", lead.Stage)
		fmt.Printf("Assigned:    %s\n", valueOrDefault(lead.AssignedTo, "unassigned"))
		fmt.Printf("Source:      %s\n", valueOrDefault(lead.Source, "-"))
		fmt.Printf("Vehicle:     %s\n", valueOrDefault(lead.VehicleOfInterest, "-"))
		fmt.Printf("Dealership:  %s\n", lead.DealershipID)
		fmt.Printf("Created:     %s\n", lead.CreatedAt)
		return nil
	},
}
