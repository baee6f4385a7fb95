package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/nb-research/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := api.New(api.Deps{
			Store:     env.Store,
			Queue:     env.Queue,
			Versions:  env.Versions,
			Estimator: env.Estimator,
		}, api.Config{CORSOrigins: cfg.Server.CORSOrigins})

		withWorker, _ := cmd.Flags().GetBool("worker")

		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gCtx, fmt.Sprintf(":%d", port))
		})
		if withWorker {
			w := newWorker(cmd, env)
			g.Go(func() error { return w.Run(gCtx) })
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().Bool("worker", false, "also run the queue worker in this process")
	serveCmd.Flags().Int("concurrency", 0, "worker concurrency when --worker is set (default from config)")
	rootCmd.AddCommand(serveCmd)
}
