// Package orchestrator assembles one migration run's Run Context and
// sequences its stages: connect, pre-data, table-data copy, extension
// data, post-data, replay. Grounded in the teacher's
// pipeline.Pipeline (connect/initComponents/RunClone/RunCloneAndFollow
// phase shape), re-sequenced to this system's pre-data/post-data split
// and source-side sentinel instead of the teacher's in-memory one. See
// spec.md §2.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgmover/internal/archive"
	"github.com/jfoltran/pgmover/internal/catalog"
	"github.com/jfoltran/pgmover/internal/config"
	"github.com/jfoltran/pgmover/internal/extdata"
	"github.com/jfoltran/pgmover/internal/filter"
	"github.com/jfoltran/pgmover/internal/migrationrun"
	"github.com/jfoltran/pgmover/internal/replay"
	"github.com/jfoltran/pgmover/internal/schema"
	"github.com/jfoltran/pgmover/internal/sentinel"
	"github.com/jfoltran/pgmover/internal/snapshot"
	"github.com/jfoltran/pgmover/internal/workdir"
)

// Options carries the inputs a migration run needs beyond cfg itself:
// the consistent-snapshot identifier (produced by an external
// slot-creation step), whether to create extensions, and the replication
// origin name. The replay stream is passed to Follow/CloneAndFollow
// separately.
type Options struct {
	SnapshotID       string
	CreateExtensions bool
	ReplicationOrigin string
}

// RunContext owns the pools and components assembled for one migration
// run, mirroring the teacher's Pipeline but split across the
// pre-data/post-data/extension-data/replay stages this system adds.
type RunContext struct {
	cfg    *config.Config
	logger zerolog.Logger

	source *pgxpool.Pool
	dest   *pgxpool.Pool

	catalog  catalog.Catalog
	filter   *filter.Engine
	schema   *schema.Driver
	copier   *snapshot.Copier
	extdata  *extdata.Worker
	sentinel *sentinel.Coordinator
	sup      *migrationrun.Supervisor

	mu    sync.Mutex
	phase string
}

// New creates a RunContext. Connect must be called before any stage
// method.
func New(cfg *config.Config, logger zerolog.Logger) *RunContext {
	return &RunContext{
		cfg:    cfg,
		logger: logger.With().Str("component", "orchestrator").Logger(),
		phase:  "idle",
		sup:    migrationrun.NewSupervisor(logger),
	}
}

// Phase reports the current stage name, for status reporting.
func (r *RunContext) Phase() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *RunContext) setPhase(p string) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
	r.logger.Info().Str("phase", p).Msg("entering phase")
}

// Connect establishes the source and destination pools, discovers the
// Source Object Catalog, and wires the Filter Engine, Archive TOC
// Rewriter, Schema Stage Driver, table-data Copier, Extension Data
// Worker, and Sentinel Coordinator around them.
func (r *RunContext) Connect(ctx context.Context) error {
	r.setPhase("connecting")
	connectTimeout := 30 * time.Second

	source, err := connectPool(ctx, r.cfg.Source.DSN(), connectTimeout)
	if err != nil {
		return fmt.Errorf("source pool: %w", err)
	}
	r.source = source

	dest, err := connectPool(ctx, r.cfg.Dest.DSN(), connectTimeout)
	if err != nil {
		source.Close()
		return fmt.Errorf("dest pool: %w", err)
	}
	r.dest = dest

	r.logger.Info().Msg("discovering source object catalog")
	cat, err := catalog.Discover(ctx, r.source)
	if err != nil {
		return fmt.Errorf("discover catalog: %w", err)
	}
	r.catalog = cat

	layout := workdir.New(r.cfg.WorkDir.Root)
	r.filter = filter.New(r.cfg.Filter, layout, cat.Tables)
	rewriter := archive.NewRewriter(r.filter, r.logger)
	r.schema = schema.NewDriver(r.source, r.dest, r.cfg.Source.DSN(), r.cfg.Dest.DSN(), layout, rewriter, r.cfg.Restore, r.cfg.Filter, r.logger)
	r.copier = snapshot.NewCopier(r.source, r.dest, r.filter, layout, r.cfg.Snapshot.Workers, r.logger)
	r.extdata = extdata.NewWorker(r.source, r.dest, r.logger)
	r.sentinel = sentinel.NewCoordinator(r.source, r.cfg.Sentinel.Table, r.logger)

	r.logger.Info().Int("tables", len(cat.Tables)).Int("extensions", len(cat.Extensions)).Msg("catalog discovered")
	return nil
}

// Close releases both pools.
func (r *RunContext) Close() {
	if r.source != nil {
		r.source.Close()
	}
	if r.dest != nil {
		r.dest.Close()
	}
}

// Clone runs the pre-data, table-data, extension-data, and post-data
// stages: a full initial copy with no CDC follow. Grounded in the
// teacher's Pipeline.RunClone, re-sequenced around the pre-data/
// post-data archive split and the extension-data worker the teacher
// does not have.
func (r *RunContext) Clone(ctx context.Context, opts Options) error {
	r.setPhase("pre-data")
	if err := r.schema.DumpSchema(ctx, workdir.SectionPreData, opts.SnapshotID); err != nil {
		return fmt.Errorf("dump pre-data: %w", err)
	}
	if err := r.schema.PrepareTargetSchema(ctx, r.catalog.Tables); err != nil {
		return fmt.Errorf("prepare target schema: %w", err)
	}

	r.setPhase("table-data")
	r.copier.SetProgressFunc(func(t catalog.Table, event string, rows int64) {
		r.logger.Debug().Str("table", t.QualifiedName()).Str("event", event).Int64("rows", rows).Msg("table copy progress")
	})
	results := r.copier.CopyAll(ctx, r.catalog.Tables, opts.SnapshotID)
	for _, res := range results {
		if res.Err != nil {
			return fmt.Errorf("copy table %s: %w", res.Table.QualifiedName(), res.Err)
		}
	}

	r.setPhase("extension-data")
	r.extdata.StartExtensionDataProcess(r.sup, r.catalog.Extensions, opts.CreateExtensions, opts.SnapshotID)
	if err := r.sup.Wait(); err != nil {
		return fmt.Errorf("extension data copy: %w", err)
	}

	r.setPhase("post-data")
	if err := r.schema.DumpSchema(ctx, workdir.SectionPostData, opts.SnapshotID); err != nil {
		return fmt.Errorf("dump post-data: %w", err)
	}
	if err := r.schema.FinalizeTargetSchema(ctx); err != nil {
		return fmt.Errorf("finalize target schema: %w", err)
	}

	r.setPhase("done")
	r.logger.Info().Msg("clone completed")
	return nil
}

// Follow runs the Replay Engine against stream, the Go analogue of the
// teacher's Pipeline.RunFollow but reading the spec's JSON-line wire
// format instead of decoding pgoutput off a live replication
// connection.
func (r *RunContext) Follow(ctx context.Context, stream io.Reader, opts Options) error {
	r.setPhase("replay")
	engine := replay.NewEngine(r.dest, r.sentinel, opts.ReplicationOrigin, r.logger)
	if err := engine.Replay(ctx, stream); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	r.setPhase("done")
	return nil
}

// CloneAndFollow runs Clone followed immediately by Follow, the
// zero-downtime migration path: full copy, then CDC replay until the
// caller cancels ctx or the stream reaches its endpos.
func (r *RunContext) CloneAndFollow(ctx context.Context, stream io.Reader, opts Options) error {
	if err := r.Clone(ctx, opts); err != nil {
		return err
	}
	return r.Follow(ctx, stream, opts)
}

func connectPool(ctx context.Context, dsn string, timeout time.Duration) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
