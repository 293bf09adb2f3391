// Package schema drives the pre-data/post-data dump and restore cycle:
// pg_dump to a custom-format archive, pg_restore --use-list filtered by
// internal/archive and internal/filter, and the target-side DDL
// bookkeeping (drop-if-exists, namespace creation) that brackets it. See
// spec.md §4.D.
package schema

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgmover/internal/archive"
	"github.com/jfoltran/pgmover/internal/catalog"
	"github.com/jfoltran/pgmover/internal/config"
	"github.com/jfoltran/pgmover/internal/errs"
	"github.com/jfoltran/pgmover/internal/workdir"
)

// Driver dumps and restores the pre-data and post-data schema sections,
// resuming from workdir done-markers and consulting an archive.Rewriter
// to filter the restore list.
type Driver struct {
	source *pgxpool.Pool
	dest   *pgxpool.Pool

	sourceDSN string
	destDSN   string

	layout   workdir.Layout
	rewriter *archive.Rewriter
	restore  config.RestoreOptions
	filter   config.FilterSpec

	logger zerolog.Logger
}

// NewDriver creates a Driver. sourceDSN/destDSN are passed to the
// pg_dump/pg_restore child processes; source/dest are used for the SQL
// statements this package issues directly.
func NewDriver(source, dest *pgxpool.Pool, sourceDSN, destDSN string, layout workdir.Layout, rewriter *archive.Rewriter, restore config.RestoreOptions, filter config.FilterSpec, logger zerolog.Logger) *Driver {
	return &Driver{
		source:    source,
		dest:      dest,
		sourceDSN: sourceDSN,
		destDSN:   destDSN,
		layout:    layout,
		rewriter:  rewriter,
		restore:   restore,
		filter:    filter,
		logger:    logger.With().Str("component", "schema").Logger(),
	}
}

// DumpSchema runs pg_dump -Fc --section=<section> against the held
// snapshot and writes the archive to the work directory, skipping the
// invocation entirely when the corresponding done-marker already exists.
// section is either SectionPreData or SectionPostData; there is no
// combined section that dumps both in one call.
func (d *Driver) DumpSchema(ctx context.Context, section workdir.Section, snapshotID string) error {
	stage := dumpStage(section)
	marker := d.layout.DoneMarker(stage)
	if workdir.Exists(marker) {
		d.logger.Info().Str("stage", string(stage)).Msg("skipping pg_dump, already done")
		return nil
	}

	dumpPath := d.layout.SchemaDump(section)
	args := []string{
		"-Fc",
		"--section=" + string(section),
		"--file=" + dumpPath,
	}
	if snapshotID != "" {
		args = append(args, "--snapshot="+snapshotID)
	}
	args = append(args, d.sourceDSN)

	if err := d.run(ctx, "pg_dump", args...); err != nil {
		return fmt.Errorf("%w: pg_dump --section=%s", err, section)
	}

	if err := workdir.WriteMarker(marker); err != nil {
		return fmt.Errorf("write done-marker for %s: %w", stage, err)
	}
	return nil
}

// PrepareTargetSchema restores the pre-data archive into the target
// database, grounded in copydb_target_prepare_schema: write a filtered
// restore list, optionally drop existing tables, optionally create
// include-only-filter schemas, then pg_restore --use-list.
func (d *Driver) PrepareTargetSchema(ctx context.Context, tables []catalog.Table) error {
	marker := d.layout.DoneMarker(workdir.StagePreDataRestore)
	if workdir.Exists(marker) {
		d.logger.Info().Msg("skipping pre-data restore, done on a previous run")
		return nil
	}

	dumpPath := d.layout.SchemaDump(workdir.SectionPreData)
	listPath := d.layout.SchemaList(workdir.SectionPreData)
	if err := d.rewriter.Rewrite(ctx, dumpPath, listPath); err != nil {
		return fmt.Errorf("prepare pre-data restore list: %w", err)
	}

	if d.restore.DropIfExists {
		if err := d.DropTargetTables(ctx, tables); err != nil {
			return err
		}
	}

	if len(d.filter.IncludeOnlySchemas) > 0 {
		if err := d.CreateTargetNamespaces(ctx); err != nil {
			return err
		}
	}

	if err := d.restoreArchive(ctx, dumpPath, listPath); err != nil {
		return fmt.Errorf("restore pre-data: %w", err)
	}

	if err := workdir.WriteMarker(marker); err != nil {
		return fmt.Errorf("write done-marker for pre-data-restore: %w", err)
	}
	return nil
}

// FinalizeTargetSchema restores the post-data archive (indexes,
// constraints, triggers) once table data and concurrently-built indexes
// are in place, grounded in copydb_target_finalize_schema.
func (d *Driver) FinalizeTargetSchema(ctx context.Context) error {
	marker := d.layout.DoneMarker(workdir.StagePostDataRestore)
	if workdir.Exists(marker) {
		d.logger.Info().Msg("skipping post-data restore, done on a previous run")
		return nil
	}

	dumpPath := d.layout.SchemaDump(workdir.SectionPostData)
	listPath := d.layout.SchemaList(workdir.SectionPostData)
	if err := d.rewriter.Rewrite(ctx, dumpPath, listPath); err != nil {
		return fmt.Errorf("prepare post-data restore list: %w", err)
	}

	if err := d.restoreArchive(ctx, dumpPath, listPath); err != nil {
		return fmt.Errorf("restore post-data: %w", err)
	}

	if err := workdir.WriteMarker(marker); err != nil {
		return fmt.Errorf("write done-marker for post-data-restore: %w", err)
	}
	return nil
}

// DropTargetTables issues one batched DROP TABLE IF EXISTS ... CASCADE
// covering every catalog table, grounded in copydb_target_drop_tables.
func (d *Driver) DropTargetTables(ctx context.Context, tables []catalog.Table) error {
	if len(tables) == 0 {
		d.logger.Info().Msg("no tables to migrate, skipping drop tables on target")
		return nil
	}

	var q strings.Builder
	q.WriteString("DROP TABLE IF EXISTS ")
	for i, t := range tables {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteString(t.QualifiedName())
	}
	q.WriteString(" CASCADE")

	d.logger.Info().Int("tables", len(tables)).Msg("dropping tables on target, per drop-if-exists")
	if _, err := d.dest.Exec(ctx, q.String()); err != nil {
		return fmt.Errorf("drop target tables: %w", err)
	}
	return nil
}

// CreateTargetNamespaces issues CREATE SCHEMA IF NOT EXISTS for every
// include-only schema, grounded in copydb_target_prepare_namespaces, so
// that table inclusion filters work against a target that does not yet
// have the schema.
func (d *Driver) CreateTargetNamespaces(ctx context.Context) error {
	d.logger.Info().Msg("creating schemas specified in inclusion filter")

	var q strings.Builder
	for _, schemaName := range d.filter.IncludeOnlySchemas {
		fmt.Fprintf(&q, "CREATE SCHEMA IF NOT EXISTS %s;", quoteIdent(schemaName))
	}
	if q.Len() == 0 {
		return nil
	}

	if _, err := d.dest.Exec(ctx, q.String()); err != nil {
		return fmt.Errorf("create target namespaces: %w", err)
	}
	return nil
}

func (d *Driver) restoreArchive(ctx context.Context, dumpPath, listPath string) error {
	args := []string{
		"--use-list=" + listPath,
		"--dbname=" + d.destDSN,
		dumpPath,
	}
	return d.run(ctx, "pg_restore", args...)
}

func (d *Driver) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("%w: %s exited %d: %s", errs.ErrChildFailure, name, exitErr.ExitCode(), string(out))
		}
		return fmt.Errorf("%w: %s: %v", errs.ErrChildFailure, name, err)
	}
	return nil
}

func dumpStage(section workdir.Section) workdir.Stage {
	if section == workdir.SectionPostData {
		return workdir.StagePostDataDump
	}
	return workdir.StagePreDataDump
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
