package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/gateway"
	"github.com/soyeahso/voxgate/internal/store"
	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and end call sessions",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsShowCmd())
	cmd.AddCommand(newSessionsEndCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			db, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := store.NewSessionStore(db).List(context.Background(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndentedJSON(cmd.OutOrStdout(), list)
			}
			printSessions(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session and its lifecycle events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			db, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := context.Background()
			sessions := store.NewSessionStore(db)
			sess, err := sessions.Get(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := sessions.Events(ctx, sess.ID)
			if err != nil {
				return err
			}
			recs, err := store.NewRecordingStore(db).ListBySession(ctx, sess.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printSessions(out, []domain.CallSession{sess})
			fmt.Fprintln(out)
			for _, ev := range events {
				fmt.Fprintf(out, "  %s  %-14s %s\n", ev.At.Format(time.RFC3339), ev.Event, ev.Detail)
			}
			if len(recs) > 0 {
				fmt.Fprintln(out)
				for _, r := range recs {
					fmt.Fprintf(out, "  recording %s  %-10s %s/%s %s\n", r.ID, r.State, r.Bucket, r.Key, r.Error)
				}
			}
			return nil
		},
	}
}

func newSessionsEndCmd() *cobra.Command {
	var (
		url    string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "end <id>",
		Short: "End a live session on the running gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var resp gateway.EndResponse
			if err := newAPIClient(cfg, url).do(ctx, "POST", "/sessions/"+args[0]+"/end", gateway.EndRequest{Reason: reason}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ended %s\n", resp.SessionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "gateway base URL (default: derived from config)")
	cmd.Flags().StringVar(&reason, "reason", "ended from cli", "reason recorded on the session")
	return cmd
}

func printSessions(w io.Writer, list []domain.CallSession) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	for _, s := range list {
		ended := "-"
		if s.EndedAt != nil {
			ended = s.EndedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-36s %-9s %-16s %-16s %s  %s  %s\n",
			s.ID, s.Kind, s.BotType, s.State, s.CreatedAt.Format(time.RFC3339), ended, s.EndReason)
	}
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
