// Package extdata copies extension configuration table data — the rows
// registered via pg_extension_config_dump — from source to target,
// optionally creating the extensions themselves first. Grounded in
// original_source/extensions.c's copydb_copy_extensions. See spec.md
// §4.E.
package extdata

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgmover/internal/catalog"
	"github.com/jfoltran/pgmover/internal/migrationrun"
)

// Worker copies extension configuration data from source to dest, using
// a server-side COPY bridge: a pgx.Rows iterator reading the source
// under a snapshot transaction feeding pgx.CopyFrom on the destination,
// the same shape the teacher's snapshot.Copier.copyTable already uses
// for ordinary table data.
type Worker struct {
	source *pgxpool.Pool
	dest   *pgxpool.Pool
	logger zerolog.Logger
}

// NewWorker creates a Worker.
func NewWorker(source, dest *pgxpool.Pool, logger zerolog.Logger) *Worker {
	return &Worker{
		source: source,
		dest:   dest,
		logger: logger.With().Str("component", "extdata").Logger(),
	}
}

// CopyExtensions iterates the catalog's extensions, optionally issuing
// CREATE EXTENSION IF NOT EXISTS ... CASCADE for each, then streams every
// registered configuration table's rows (filtered by its extcondition
// WHERE clause) through the COPY bridge.
func (w *Worker) CopyExtensions(ctx context.Context, extensions []catalog.Extension, createExtensions bool, snapshotID string) error {
	var errCount int

	for _, ext := range extensions {
		if migrationrun.Quit.ShouldQuit() {
			return fmt.Errorf("extension data copy aborted: quit signaled")
		}

		if createExtensions {
			w.logger.Info().Str("extension", ext.Name).Msg("creating extension")
			sql := fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s CASCADE", quoteIdent(ext.Name))
			if _, err := w.dest.Exec(ctx, sql); err != nil {
				w.logger.Error().Str("extension", ext.Name).Err(err).Msg("failed to create extension")
				errCount++
				continue
			}
		}

		for _, cfg := range ext.Config {
			if err := w.copyConfigTable(ctx, ext.Name, cfg, snapshotID); err != nil {
				return fmt.Errorf("copy extension %s config table %s: %w", ext.Name, cfg.QualifiedName(), err)
			}
		}
	}

	if errCount > 0 {
		return fmt.Errorf("failed to create %d extension(s)", errCount)
	}
	return nil
}

func (w *Worker) copyConfigTable(ctx context.Context, extName string, cfg catalog.ConfigTable, snapshotID string) error {
	w.logger.Info().Str("extension", extName).Str("table", cfg.QualifiedName()).Msg("copying extension configuration table")

	srcConn, err := w.source.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire source conn: %w", err)
	}
	defer srcConn.Release()

	srcTx, err := srcConn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin source tx: %w", err)
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	if snapshotID != "" {
		if _, err := srcTx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", snapshotID)); err != nil {
			return fmt.Errorf("set snapshot: %w", err)
		}
	}

	selectSQL := fmt.Sprintf("SELECT * FROM %s", cfg.QualifiedName())
	if cfg.WhereClause != "" {
		selectSQL += " " + cfg.WhereClause
	}

	rows, err := srcTx.Query(ctx, selectSQL)
	if err != nil {
		return fmt.Errorf("select from %s: %w", cfg.QualifiedName(), err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	colNames := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		colNames[i] = fd.Name
	}

	var batch [][]any
	var total int64
	const batchSize = 50000

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := w.dest.CopyFrom(ctx, pgx.Identifier{cfg.Schema, cfg.Name}, colNames, pgx.CopyFromRows(batch))
		if err != nil {
			return fmt.Errorf("copy to %s: %w", cfg.QualifiedName(), err)
		}
		total += n
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}
		batch = append(batch, vals)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	w.logger.Info().Str("table", cfg.QualifiedName()).Int64("rows", total).Msg("extension configuration copy complete")
	return nil
}

// StartExtensionDataProcess hands CopyExtensions off to a supervised
// goroutine instead of blocking the caller, the Go analogue of
// copydb_start_extension_data_process's fork()+exit(EXIT_CODE_QUIT).
func (w *Worker) StartExtensionDataProcess(sup *migrationrun.Supervisor, extensions []catalog.Extension, createExtensions bool, snapshotID string) {
	sup.Go("extension-data-copy", func(ctx context.Context) error {
		return w.CopyExtensions(ctx, extensions, createExtensions, snapshotID)
	})
}

func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '"')
	return string(out)
}
