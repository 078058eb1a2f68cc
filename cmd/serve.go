package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caselens/citeminer/internal/job"
	"github.com/caselens/citeminer/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the citation analysis API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		manager := job.NewManager(env.Store, env.Pipeline, job.Config{
			Workers:   cfg.Jobs.Workers,
			QueueSize: cfg.Jobs.QueueSize,
		})
		sweeper := job.NewSweeper(env.Store, job.SweeperConfig{
			Interval:     time.Duration(cfg.Jobs.SweepIntervalSec) * time.Second,
			StuckTimeout: time.Duration(cfg.Jobs.StuckTimeoutSecs) * time.Second,
			Retention:    time.Duration(cfg.Jobs.RetentionHours) * time.Hour,
		})

		srv := server.New(server.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			SyncThreshold:  cfg.Input.SyncThreshold,
		}, env.Store, manager, env.Pipeline, env.Resolver, env.Orch, env.LearnStore)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		httpSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: srv.Handler(),
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return manager.Start(gctx)
		})
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		if err := g.Wait(); err != nil && !eris.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
