package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
)

func newWorkerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Inspect the worker fleet",
	}
	cmd.AddCommand(newWorkerListCmd(configPath))
	cmd.AddCommand(newWorkerShowCmd(configPath))
	return cmd
}

func newWorkerListCmd(configPath *string) *cobra.Command {
	var (
		status        string
		limit, offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch status {
			case "", db.WorkerOnline, db.WorkerOffline:
			default:
				return usagef("--status must be online or offline, got %q", status)
			}

			env, closeFn, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			workers, total, err := env.workers.List(cmd.Context(), status, repositories.ListOptions{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "WORKER ID\tSTATUS\tLAST SEEN\tINTERVAL\tBINARIES\tTRANSPORT\tVERSION")
			for _, wk := range workers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%ds\t%s\t%s\t%s\n",
					wk.WorkerID,
					wk.Status,
					ago(now, wk.LastSeenAt),
					wk.RegistrationIntervalS,
					joinOrDash(wk.AdvertisedBinaries),
					orDash(wk.TransportChoice),
					orDash(wk.Version),
				)
			}
			w.Flush() //nolint:errcheck
			fmt.Printf("\n%d of %d workers\n", len(workers), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (online or offline)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum workers to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Listing offset")
	return cmd
}

func newWorkerShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <worker-id>",
		Short: "Show one worker's registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usagef("expected exactly one worker id")
			}

			env, closeFn, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			worker, err := env.workers.Get(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					return usagef("no worker with id %q", args[0])
				}
				return err
			}

			now := time.Now().UTC()
			staleAfter := time.Duration(float64(worker.RegistrationIntervalS)*env.cfg.Janitor.WorkerThresholdFactor) * time.Second
			stale := worker.Status == db.WorkerOnline && now.Sub(worker.LastSeenAt) > staleAfter

			fmt.Printf("Worker ID:    %s\n", worker.WorkerID)
			fmt.Printf("Status:       %s", worker.Status)
			if stale {
				fmt.Printf(" (stale, janitor will mark offline)")
			}
			fmt.Println()
			fmt.Printf("Registered:   %s\n", worker.RegisteredAt.UTC().Format(time.RFC3339))
			fmt.Printf("Last seen:    %s (%s)\n", worker.LastSeenAt.UTC().Format(time.RFC3339), ago(now, worker.LastSeenAt))
			fmt.Printf("Interval:     %ds\n", worker.RegistrationIntervalS)
			fmt.Printf("Binaries:     %s\n", joinOrDash(worker.AdvertisedBinaries))
			fmt.Printf("Variables:    %s\n", joinOrDash(worker.AdvertisedVariables))
			fmt.Printf("Transport:    %s\n", orDash(worker.TransportChoice))
			fmt.Printf("Version:      %s\n", orDash(worker.Version))
			return nil
		},
	}
}

// ago renders the age of a timestamp relative to now, second precision.
func ago(now time.Time, t time.Time) string {
	d := now.Sub(t.UTC()).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%s ago", d)
}
