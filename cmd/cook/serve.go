package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/cook/internal/api"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP job server",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("cook: starting",
		"listen_addr", cfg.ListenAddr,
		"work_dir", cfg.WorkDir,
		"recipe_dir", cfg.RecipeDir,
	)

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	srv := api.NewServer(cfg.ListenAddr, a.manager, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return a.manager.Shutdown(sctx)
	})
	return g.Wait()
}
