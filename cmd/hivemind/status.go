package main

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hivemind-dev/hivemind/pkg/api"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of the running process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient(root.apiURL)

			var health api.HealthResponse
			if _, err := client.do(cmd.Context(), http.MethodGet, "/api/v1/health", &health); err != nil {
				return backendErr(fmt.Errorf("no running process at %s: %w", root.apiURL, err))
			}
			var status api.StatusResponse
			if _, err := client.do(cmd.Context(), http.MethodGet, "/api/v1/status", &status); err != nil {
				return internalErr(err)
			}

			fmt.Printf("Health:   %s\n", health.Status)
			fmt.Printf("Database: reachable=%v latency=%s\n", health.Database.Reachable, health.Database.Latency)
			if status.GPU.Available {
				fmt.Printf("GPU:      %s total=%dMB free=%dMB util=%.0f%%\n",
					status.GPU.Vendor, status.GPU.TotalMB, status.GPU.FreeMB, status.GPU.UtilizationPct)
			} else {
				fmt.Println("GPU:      unavailable")
			}

			if status.Fleet != nil {
				fmt.Printf("\nFleet: %d workers (%d active, %d busy)\n",
					status.Fleet.Total, status.Fleet.Active, status.Fleet.Busy)
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tROLE\tSTATE\tBUSY\tPROCESSED")
				for _, worker := range status.Fleet.Workers {
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\n",
						worker.ID, worker.Role, worker.State, worker.Busy, worker.Processed)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			fmt.Printf("\nActive sessions: %d\n", len(status.ActiveSessions))
			for _, session := range status.ActiveSessions {
				marker := ""
				if session.Stale {
					marker = " (stale)"
				}
				fmt.Printf("  %s %s%s  %s\n", session.ID, session.Status, marker, truncate(session.Task, 60))
			}
			return nil
		},
	}
}

func newStopAgentsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-agents",
		Short: "Drain and stop the worker fleet of the running process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient(root.apiURL)
			if _, err := client.do(cmd.Context(), http.MethodPost, "/api/v1/agents/stop", nil); err != nil {
				return backendErr(fmt.Errorf("no running process at %s: %w", root.apiURL, err))
			}
			fmt.Println("fleet stopping")
			return nil
		},
	}
}
