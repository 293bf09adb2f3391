package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgmover/internal/migrationrun"
	"github.com/jfoltran/pgmover/internal/orchestrator"
)

var followStreamPath string

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Replay logical-decoding changes from source to destination",
	Long: `Follow reads the JSON-line event stream produced by an external
logical-decoding process and applies it to the destination, syncing
progress through the source-side sentinel row. It blocks until the
stream is exhausted, the sentinel's endpos is reached, or the process
receives a termination signal. On a termination signal it rolls back
the transaction it is in and exits with the cancellation error; the
final sentinel sync then runs under the already-cancelled context and
does not reach the source.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.WorkDir.Root == "" {
			return fmt.Errorf("--work-dir is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			migrationrun.Quit.Signal()
		}()

		r := orchestrator.New(&cfg, logger)
		defer r.Close()

		if err := r.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		stream, closeStream, err := openStream(followStreamPath)
		if err != nil {
			return fmt.Errorf("open stream: %w", err)
		}
		defer closeStream()

		opts := orchestrator.Options{ReplicationOrigin: cfg.Replication.OriginID}
		return r.Follow(ctx, stream, opts)
	},
}

func init() {
	followCmd.Flags().StringVar(&followStreamPath, "stream", "-", `Logical-decoding event stream to read ("-" for stdin)`)
	rootCmd.AddCommand(followCmd)
}
