package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/nb-research/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute queued and retrying runs in the background",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return newWorker(cmd, env).Run(ctx)
	},
}

// newWorker builds a worker from config, overridden by --concurrency.
func newWorker(cmd *cobra.Command, env *appEnv) *queue.Worker {
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = cfg.Queue.Concurrency
	}
	return queue.NewWorker(env.Queue, queue.WorkerConfig{
		Concurrency:  concurrency,
		PollInterval: cfg.Queue.PollInterval(),
	})
}

func init() {
	workerCmd.Flags().Int("concurrency", 0, "runs executed in parallel (default from config)")
	rootCmd.AddCommand(workerCmd)
}
