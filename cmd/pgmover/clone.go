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

var (
	cloneFollow     bool
	cloneSnapshotID string
	cloneCreateExt  bool
	cloneStreamPath string
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Copy schema and data from source to destination",
	Long: `Clone runs the pre-data schema restore, the parallel table-data copy,
the extension-data copy, and the post-data schema restore, in that
order. The schema stages are skipped if their done-markers already
exist in the work directory, and tables already marked done are not
copied again, so an interrupted clone resumes where it left off. The
extension-data copy has no done-marker and runs again on every clone.

Use --follow to transition into CDC replay immediately after the copy
completes, reading the logical-decoding stream from --stream (default
stdin). The replication slot and consistent snapshot this depends on
are created by an external step; pass the snapshot identifier via
--snapshot-id.`,
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

		opts := orchestrator.Options{
			SnapshotID:        cloneSnapshotID,
			CreateExtensions:  cloneCreateExt,
			ReplicationOrigin: cfg.Replication.OriginID,
		}

		if !cloneFollow {
			return r.Clone(ctx, opts)
		}

		stream, closeStream, err := openStream(cloneStreamPath)
		if err != nil {
			return fmt.Errorf("open stream: %w", err)
		}
		defer closeStream()

		return r.CloneAndFollow(ctx, stream, opts)
	},
}

func init() {
	cloneCmd.Flags().BoolVar(&cloneFollow, "follow", false, "Continue with CDC streaming after the initial copy")
	cloneCmd.Flags().StringVar(&cloneSnapshotID, "snapshot-id", "", "Consistent snapshot identifier to pass to pg_dump/COPY (from an external slot-creation step)")
	cloneCmd.Flags().BoolVar(&cloneCreateExt, "create-extensions", true, "Create extensions on the destination before copying their configuration tables")
	cloneCmd.Flags().StringVar(&cloneStreamPath, "stream", "-", `Logical-decoding event stream to read when --follow is set ("-" for stdin)`)
	rootCmd.AddCommand(cloneCmd)
}
