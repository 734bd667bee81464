package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/soyeahso/voxgate/internal/archive"
	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/rooms"
	"github.com/soyeahso/voxgate/internal/store"
	"github.com/spf13/cobra"
)

func newArchiveCmd() *cobra.Command {
	var (
		room        string
		botType     string
		recordingID string
		noRetry     bool
	)

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a room's recordings to object storage",
		Long: "Fetches each finished recording of the room, uploads it to the bucket for the bot type, " +
			"and deletes it at the provider once the upload succeeded.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if room == "" {
				return errors.New("--room is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			closer, err := openLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()
			if noRetry {
				cfg.Archive.MaxRetries = 0
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if botType == "" {
				botType = config.DefaultBotType
				if sess, err := store.NewSessionStore(db).Get(ctx, room); err == nil && sess.BotType != "" {
					botType = sess.BotType
				}
			}

			archiver, err := newArchiver(ctx, cfg, rooms.NewClient(cfg.Rooms, log), db)
			if err != nil {
				return err
			}
			res := archive.NewWorker(archiver, cfg.Archive, log).Process(ctx, archive.Job{
				SessionID:   room,
				BotType:     botType,
				RecordingID: recordingID,
			})

			for _, a := range res.Archived {
				state := "archived"
				if a.Skipped {
					state = "already archived"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s/%s  deleted=%v\n", a.RecordingID, state, a.Bucket, a.Key, a.Deleted)
			}
			if errors.Is(res.Err, archive.ErrNoRecordings) {
				fmt.Fprintf(cmd.OutOrStdout(), "no recordings for room %s\n", room)
				return nil
			}
			return res.Err
		},
	}

	cmd.Flags().StringVar(&room, "room", "", "room name to archive")
	cmd.Flags().StringVar(&botType, "bot-type", "", "bot type selecting the bucket (default: from the ledger, else defaultBot)")
	cmd.Flags().StringVar(&recordingID, "recording", "", "archive only this recording")
	cmd.Flags().BoolVar(&noRetry, "no-retry", false, "fail on the first error instead of backing off")

	return cmd
}
