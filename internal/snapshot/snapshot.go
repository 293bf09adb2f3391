// Package snapshot copies table data from source to destination using a
// held consistent snapshot, server-side COPY, and a worker pool — the
// "external table-data copy" stage the Run Context sequences between
// pre-data restore and the extension-data/post-data stages. Resumable
// per object OID through the same Filter Engine done-markers the Schema
// Stage Driver and Archive TOC Rewriter use. See spec.md §4 and §9.
package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgmover/internal/catalog"
	"github.com/jfoltran/pgmover/internal/filter"
	"github.com/jfoltran/pgmover/internal/workdir"
)

// CopyResult holds the outcome of copying a single table.
type CopyResult struct {
	Table      catalog.Table
	RowsCopied int64
	Skipped    bool
	Err        error
}

// ProgressFunc is called to report COPY progress for a table.
// event is "start", "progress", "skip", or "done".
type ProgressFunc func(table catalog.Table, event string, rowsCopied int64)

// Copier performs parallel COPY of catalog tables using a consistent
// snapshot, skipping tables already marked done or filtered out.
type Copier struct {
	source   *pgxpool.Pool
	dest     *pgxpool.Pool
	filter   *filter.Engine
	layout   workdir.Layout
	logger   zerolog.Logger
	progress ProgressFunc

	workers int
}

// NewCopier creates a Copier with the given source/dest pools, filter
// engine, and worker count.
func NewCopier(source, dest *pgxpool.Pool, f *filter.Engine, layout workdir.Layout, workers int, logger zerolog.Logger) *Copier {
	return &Copier{
		source:  source,
		dest:    dest,
		filter:  f,
		layout:  layout,
		logger:  logger.With().Str("component", "snapshot").Logger(),
		workers: workers,
	}
}

// SetProgressFunc sets a callback for COPY progress reporting.
func (c *Copier) SetProgressFunc(fn ProgressFunc) {
	c.progress = fn
}

// DestRowCount returns the exact row count for a table on the destination.
func (c *Copier) DestRowCount(ctx context.Context, t catalog.Table) (int64, error) {
	var count int64
	err := c.dest.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t.QualifiedName())).Scan(&count)
	return count, err
}

// TruncateTable truncates a table on the destination.
func (c *Copier) TruncateTable(ctx context.Context, t catalog.Table) error {
	_, err := c.dest.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", t.QualifiedName()))
	return err
}

// DestHasData returns true if any of the given tables have rows on the destination.
func (c *Copier) DestHasData(ctx context.Context, tables []catalog.Table) (bool, error) {
	for _, t := range tables {
		var exists bool
		err := c.dest.QueryRow(ctx, fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s LIMIT 1)", t.QualifiedName())).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("check %s: %w", t.QualifiedName(), err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// CopyAll copies every catalog table not already done and not filtered
// out, in parallel, using the provided snapshot name for read
// consistency. Each successful copy writes the table's per-OID
// done-marker so a resumed run skips it.
func (c *Copier) CopyAll(ctx context.Context, tables []catalog.Table, snapshotName string) []CopyResult {
	work := make(chan catalog.Table, len(tables))
	var results []CopyResult
	var mu sync.Mutex

	for _, t := range tables {
		if c.filter.HasBeenProcessed(t.OID) || c.filter.IsFilteredOut(t.OID, t.QualifiedName()) {
			c.logger.Debug().Str("table", t.QualifiedName()).Msg("skipping table copy")
			c.reportProgress(t, "skip", 0)
			results = append(results, CopyResult{Table: t, Skipped: true})
			continue
		}
		work <- t
	}
	close(work)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for t := range work {
				result := c.copyTable(ctx, t, snapshotName, workerID)
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	return results
}

func (c *Copier) reportProgress(table catalog.Table, event string, rowsCopied int64) {
	if c.progress != nil {
		c.progress(table, event, rowsCopied)
	}
}

const copyBatchSize = 50000

func (c *Copier) copyTable(ctx context.Context, table catalog.Table, snapshotName string, workerID int) CopyResult {
	log := c.logger.With().Str("table", table.QualifiedName()).Int("worker", workerID).Logger()
	log.Info().Msg("starting COPY")
	c.reportProgress(table, "start", 0)

	srcConn, err := c.source.Acquire(ctx)
	if err != nil {
		return CopyResult{Table: table, Err: fmt.Errorf("acquire source conn: %w", err)}
	}
	defer srcConn.Release()

	srcTx, err := srcConn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return CopyResult{Table: table, Err: fmt.Errorf("begin source tx: %w", err)}
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	if snapshotName != "" {
		if _, err := srcTx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", snapshotName)); err != nil {
			return CopyResult{Table: table, Err: fmt.Errorf("set snapshot: %w", err)}
		}
	}

	qn := table.QualifiedName()
	rows, err := srcTx.Query(ctx, fmt.Sprintf("SELECT * FROM %s", qn))
	if err != nil {
		return CopyResult{Table: table, Err: fmt.Errorf("select from %s: %w", qn, err)}
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	colNames := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		colNames[i] = fd.Name
	}

	var totalCopied int64
	batch := make([][]any, 0, copyBatchSize)

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return CopyResult{Table: table, Err: fmt.Errorf("read row: %w", err)}
		}
		batch = append(batch, vals)

		if len(batch) >= copyBatchSize {
			n, err := c.dest.CopyFrom(ctx,
				pgx.Identifier{table.Schema, table.Name},
				colNames,
				pgx.CopyFromRows(batch))
			if err != nil {
				return CopyResult{Table: table, Err: fmt.Errorf("copy to %s: %w", qn, err)}
			}
			totalCopied += n
			batch = batch[:0]
			c.reportProgress(table, "progress", totalCopied)
		}
	}
	if err := rows.Err(); err != nil {
		return CopyResult{Table: table, Err: fmt.Errorf("rows iteration: %w", err)}
	}

	if len(batch) > 0 {
		n, err := c.dest.CopyFrom(ctx,
			pgx.Identifier{table.Schema, table.Name},
			colNames,
			pgx.CopyFromRows(batch))
		if err != nil {
			return CopyResult{Table: table, Err: fmt.Errorf("copy to %s: %w", qn, err)}
		}
		totalCopied += n
	}

	if err := workdir.WriteMarker(c.layout.IndexDoneMarker(table.OID)); err != nil {
		return CopyResult{Table: table, RowsCopied: totalCopied, Err: fmt.Errorf("write done-marker: %w", err)}
	}

	log.Info().Int64("rows", totalCopied).Msg("COPY complete")
	c.reportProgress(table, "done", totalCopied)
	return CopyResult{Table: table, RowsCopied: totalCopied}
}

