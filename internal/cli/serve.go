package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/soyeahso/voxgate/internal/archive"
	"github.com/soyeahso/voxgate/internal/gateway"
	"github.com/soyeahso/voxgate/internal/hooks"
	"github.com/soyeahso/voxgate/internal/orchestrator"
	"github.com/soyeahso/voxgate/internal/rooms"
	"github.com/soyeahso/voxgate/internal/store"
	"github.com/soyeahso/voxgate/internal/supervisor"
	"github.com/soyeahso/voxgate/internal/telephony"
	"github.com/spf13/cobra"
	"github.com/tillberg/autorestart"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 45 * time.Second

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the call gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			closer, err := openLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()

			if cfg.Gateway.AutoRestart {
				go autorestart.RestartOnChange()
				log.Info().Msg("restarting on binary change")
			}

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			ledger := store.NewSessionStore(db)
			if ids, err := ledger.FailOrphaned(ctx, "gateway restarted", time.Now()); err != nil {
				log.Warn().Err(err).Msg("could not close sessions left by a previous run")
			} else if len(ids) > 0 {
				log.Warn().Strs("sessions", ids).Msg("sessions left by a previous run marked failed")
			}

			hookMgr := hooks.NewManager(log)
			if err := hooks.RegisterConfigured(hookMgr, cfg.Hooks); err != nil {
				return fmt.Errorf("registering hooks: %w", err)
			}
			defer hookMgr.Wait()

			roomsClient := rooms.NewClient(cfg.Rooms, log)
			archiver, err := newArchiver(ctx, cfg, roomsClient, db)
			if err != nil {
				return err
			}
			worker := archive.NewWorker(archiver, cfg.Archive, log)
			sup := supervisor.New(cfg.Agent, log)

			orch := orchestrator.New(&cfg, orchestrator.Deps{
				Rooms:      roomsClient,
				Telephony:  telephony.NewClient(cfg.Telephony, log),
				Supervisor: sup,
				Ledger:     ledger,
				Archive:    worker,
				Hooks:      hookMgr,
			}, log)
			worker.OnResult = orch.OnArchiveResult

			srv := gateway.New(cfg, orch, log, gateway.WithHooks(hookMgr))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(gctx) })
			g.Go(func() error { return orch.Run(gctx) })
			g.Go(func() error { return worker.Run(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := orch.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("sessions did not end cleanly")
				}
				if err := sup.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("agents did not stop cleanly")
				}
				return nil
			})

			err = g.Wait()
			log.Info().Msg("gateway stopped")
			return err
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}
