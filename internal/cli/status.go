package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/gateway"
	"github.com/soyeahso/voxgate/internal/logging"
	"github.com/soyeahso/voxgate/internal/store"
	"github.com/soyeahso/voxgate/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration summary and gateway health",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("voxgate %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Printf("Config:  %s\n", paths.Config)
			fmt.Printf("Data:    %s\n", paths.Data)
			fmt.Printf("Logs:    %s\n", paths.Logs)
			fmt.Println()

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Printf("Config:  error loading: %v\n", err)
				return nil
			}

			auth := gateway.ResolveAuth(cfg.Gateway.Auth)
			fmt.Printf("Gateway: port=%d bind=%s auth=%s\n", cfg.Gateway.Port, cfg.Gateway.Bind, auth.Mode)
			if cfg.Gateway.PublicURL != "" {
				fmt.Printf("Public:  %s\n", cfg.Gateway.PublicURL)
			}
			fmt.Printf("Ledger:  %s%s\n", paths.LedgerPath(cfg.Store), ledgerSummary(paths.LedgerPath(cfg.Store)))
			fmt.Printf("Storage: backend=%s\n", cfg.Storage.Backend)

			bots := make([]string, 0, len(cfg.Agent.Bots))
			for name := range cfg.Agent.Bots {
				bots = append(bots, name)
			}
			sort.Strings(bots)
			for _, name := range bots {
				p := cfg.Agent.Bots[name]
				fmt.Printf("Bot:     %-16s transport=%s script=%s bucket=%s\n", name, p.Transport, p.Script, cfg.Archive.BucketFor(name))
			}

			if issues := config.Validate(&cfg); len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			fmt.Println()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			client := newAPIClient(cfg, url)
			var health gateway.HealthResponse
			if err := client.do(ctx, "GET", "/health", nil, &health); err != nil {
				fmt.Printf("Running: no (%s)\n", strings.TrimSpace(err.Error()))
				return nil
			}
			fmt.Printf("Running: yes at %s (version %s, up %s)\n", client.base, health.Version, health.Uptime)
			fmt.Printf("Live:    sessions=%d streams=%d\n", health.Sessions, health.Streams)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "gateway base URL (default: derived from config)")
	return cmd
}

// ledgerSummary describes an existing ledger without creating one.
func ledgerSummary(path string) string {
	if _, err := os.Stat(path); err != nil {
		return " (not created yet)"
	}
	db, err := store.Open(path, logging.New(io.Discard, "silent"))
	if err != nil {
		return fmt.Sprintf(" (unreadable: %v)", err)
	}
	defer db.Close()

	ctx := context.Background()
	v, err := db.SchemaVersion(ctx)
	if err != nil {
		return fmt.Sprintf(" (unreadable: %v)", err)
	}
	recent, err := store.NewSessionStore(db).List(ctx, 1)
	if err != nil || len(recent) == 0 {
		return fmt.Sprintf(" (schema v%d, no sessions)", v)
	}
	return fmt.Sprintf(" (schema v%d, last session %s at %s)", v, recent[0].ID, recent[0].CreatedAt.Format(time.RFC3339))
}
