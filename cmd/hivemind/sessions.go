package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivemind-dev/hivemind/pkg/database"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/store"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and control sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(root),
		newSessionsShowCmd(root),
		newSessionsCancelCmd(root),
	)
	return cmd
}

// openStore gives the offline commands direct database access.
func openStore(ctx context.Context, root *rootOptions) (*store.Store, func(), error) {
	cfg, err := root.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	client, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		return nil, nil, internalErr(fmt.Errorf("database init: %w", err))
	}
	return store.New(client, slog.Default()), func() { _ = client.Close() }, nil
}

func newSessionsListCmd(root *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeStore, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeStore()

			sessions, err := st.ListSessions(cmd.Context(), models.SessionStatus(status))
			if err != nil {
				return internalErr(err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tARCH\tCREATED\tTASK")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Status, s.Architecture,
					s.CreatedAt.Format(time.RFC3339), truncate(s.Task, 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, completed, failed, cancelled)")
	return cmd
}

func newSessionsShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session with its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeStore()

			session, err := st.GetSession(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return usageErr("session %s not found", args[0])
			}
			if err != nil {
				return internalErr(err)
			}

			fmt.Printf("Session:      %s\n", session.ID)
			fmt.Printf("Status:       %s\n", session.Status)
			fmt.Printf("Architecture: %s\n", session.Architecture)
			fmt.Printf("Created:      %s\n", session.CreatedAt.Format(time.RFC3339))
			if session.SealedAt != nil {
				fmt.Printf("Sealed:       %s\n", session.SealedAt.Format(time.RFC3339))
			}
			fmt.Printf("Task:         %s\n", session.Task)
			if session.Error != "" {
				fmt.Printf("Error:        %s\n", session.Error)
			}
			for _, warning := range session.Warnings {
				fmt.Printf("Warning:      %s\n", warning)
			}

			subtasks, err := st.ListSubtasks(cmd.Context(), session.ID)
			if err != nil {
				return internalErr(err)
			}
			if len(subtasks) > 0 {
				fmt.Println("\nSubtasks:")
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATE\tROLE\tATTEMPTS\tTEXT")
				for _, sub := range subtasks {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
						sub.ID, sub.State, sub.Role, sub.Attempts, truncate(sub.Text, 60))
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			if session.Result != "" {
				fmt.Println("\nResult:")
				fmt.Println(session.Result)
			}
			return nil
		},
	}
}

func newSessionsCancelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			// A running process owns the session; go through its API
			// first and fall back to the store when none is up.
			client := newAPIClient(root.apiURL)
			code, err := client.do(cmd.Context(), http.MethodPost, "/api/v1/sessions/"+id+"/cancel", nil)
			if err == nil {
				fmt.Println("cancelling", id)
				return nil
			}
			switch code {
			case http.StatusNotFound:
				return usageErr("session %s not found", id)
			case http.StatusConflict:
				return taskErr(fmt.Errorf("session %s already sealed", id))
			case 0:
				// No server reachable; seal directly.
			default:
				return internalErr(err)
			}

			st, closeStore, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeStore()

			session, err := st.GetSession(cmd.Context(), id)
			if errors.Is(err, store.ErrNotFound) {
				return usageErr("session %s not found", id)
			}
			if err != nil {
				return internalErr(err)
			}
			if session.Status.Terminal() {
				return taskErr(fmt.Errorf("session %s already sealed with status %s", id, session.Status))
			}
			if err := st.SealSession(cmd.Context(), session, models.SessionStatusCancelled, "", "cancelled"); err != nil {
				return internalErr(err)
			}
			fmt.Println("cancelled", id)
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
