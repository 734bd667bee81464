package cli

import (
	"os"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/logging"
	"github.com/spf13/cobra"
)

const (
	groupCalls = "calls"
	groupAdmin = "admin"
)

var (
	cfgFile  string
	logLevel string

	// set by the root command before any subcommand runs
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voxgate",
		Short: "Call gateway for voice agents",
		Long: `voxgate answers session requests by opening a video room or dialling a
phone number, starts one agent process per call, relays the call's audio to
that agent, and archives the recording once the call is over.

Configuration is read from ~/.voxgate/config.yaml unless --config or
VOXGATE_HOME points elsewhere.`,
		Example: `  voxgate serve --port 8765
  voxgate sessions list --limit 5
  voxgate archive --room room-123 --bot-type salesBot`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			log = logging.New(nil, startupLevel())
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.voxgate/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent); overrides logging.level")

	cmd.AddGroup(
		&cobra.Group{ID: groupCalls, Title: "Calls:"},
		&cobra.Group{ID: groupAdmin, Title: "Administration:"},
	)
	for _, sub := range []*cobra.Command{newServeCmd(), newSessionsCmd(), newArchiveCmd()} {
		sub.GroupID = groupCalls
		cmd.AddCommand(sub)
	}
	for _, sub := range []*cobra.Command{newStatusCmd(), newConfigCmd(), newVersionCmd()} {
		sub.GroupID = groupAdmin
		cmd.AddCommand(sub)
	}
	return cmd
}

// startupLevel is the level used until the config file has been read:
// --log-level, then VOXGATE_LOG_LEVEL, then info.
func startupLevel() string {
	if logLevel != "" {
		return logLevel
	}
	if env := os.Getenv("VOXGATE_LOG_LEVEL"); env != "" {
		return env
	}
	return "info"
}

// Execute runs the voxgate command line.
func Execute() error {
	return newRootCmd().Execute()
}
