// Package sentinel coordinates the Replay Engine with the source-side
// logical-decoding producer through a shared database row: the Replay
// Engine writes replay_lsn/flush_lsn, the producer writes
// endpos/apply_enabled. Grounded in original_source/ld_replay.c's
// stream_apply_send_sync_sentinel/stream_apply_fetch_sync_sentinel/
// stream_apply_sync_sentinel contract. See spec.md §4.G.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Row mirrors the sentinel table's logical columns.
type Row struct {
	Endpos       pglogrepl.LSN
	ApplyEnabled bool
	WriteLSN     pglogrepl.LSN
	FlushLSN     pglogrepl.LSN
	ReplayLSN    pglogrepl.LSN
}

// Coordinator mediates access to the sentinel row. At most one UPSERT may
// be in flight at a time; SendSyncSentinel/FetchSyncSentinel model the
// async send/fetch split the Replay Engine's hot path relies on,
// FetchSyncSentinel never blocking on network I/O.
type Coordinator struct {
	pool   *pgxpool.Pool
	table  string
	logger zerolog.Logger

	mu       sync.Mutex
	inFlight bool
	resultCh chan fetchResult
}

type fetchResult struct {
	row Row
	err error
}

// ErrAlreadyInFlight is returned by SendSyncSentinel when a prior send has
// not yet been collected by FetchSyncSentinel.
var ErrAlreadyInFlight = errors.New("pgmover: sentinel query already in flight")

// NewCoordinator creates a Coordinator against the given schema-qualified
// sentinel table.
func NewCoordinator(pool *pgxpool.Pool, table string, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		pool:   pool,
		table:  table,
		logger: logger.With().Str("component", "sentinel").Logger(),
	}
}

// InFlight reports whether a SendSyncSentinel result is still pending.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// SendSyncSentinel starts, without blocking the caller, an UPSERT of the
// current replay_lsn/flush_lsn and a read-back of endpos/apply_enabled.
// The result is collected later via FetchSyncSentinel. Returns
// ErrAlreadyInFlight if a previous send has not yet been fetched.
func (c *Coordinator) SendSyncSentinel(ctx context.Context, replayLSN, flushLSN pglogrepl.LSN) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrAlreadyInFlight
	}
	resultCh := make(chan fetchResult, 1)
	c.inFlight = true
	c.resultCh = resultCh
	c.mu.Unlock()

	go func() {
		row, err := c.upsertAndFetch(ctx, replayLSN, flushLSN)
		resultCh <- fetchResult{row: row, err: err}
	}()
	return nil
}

// FetchSyncSentinel non-blockingly checks whether the in-flight send has
// completed. done is false when no result is ready yet; the caller
// should retry on a later loop iteration.
func (c *Coordinator) FetchSyncSentinel() (done bool, row Row, err error) {
	c.mu.Lock()
	ch := c.resultCh
	c.mu.Unlock()

	if ch == nil {
		return true, Row{}, nil
	}

	select {
	case res := <-ch:
		c.mu.Lock()
		c.inFlight = false
		c.resultCh = nil
		c.mu.Unlock()
		return true, res.row, res.err
	default:
		return false, Row{}, nil
	}
}

// DrainSyncSentinel blocks, polling at the given cadence, until an
// in-flight send completes. Used during loop-termination cleanup.
func (c *Coordinator) DrainSyncSentinel(ctx context.Context, pollInterval time.Duration) (Row, error) {
	for {
		done, row, err := c.FetchSyncSentinel()
		if done {
			return row, err
		}
		select {
		case <-ctx.Done():
			return Row{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// SyncSentinel performs a blocking send+fetch round trip, used at
// shutdown. The wait for apply_enabled before the main loop starts does
// not use it: WaitForApplyEnabled reads the row with FetchRow and writes
// neither replay_lsn nor flush_lsn.
func (c *Coordinator) SyncSentinel(ctx context.Context, replayLSN, flushLSN pglogrepl.LSN) (Row, error) {
	return c.upsertAndFetch(ctx, replayLSN, flushLSN)
}

// WaitForApplyEnabled blocks, polling at pollInterval, until the sentinel
// row's apply_enabled flag is true or ctx is cancelled.
func (c *Coordinator) WaitForApplyEnabled(ctx context.Context, pollInterval time.Duration) error {
	for {
		row, err := c.FetchRow(ctx)
		if err != nil {
			return err
		}
		if row.ApplyEnabled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// FetchRow reads the sentinel row without modifying replay_lsn/flush_lsn.
func (c *Coordinator) FetchRow(ctx context.Context) (Row, error) {
	query := fmt.Sprintf(`SELECT endpos, apply_enabled, write_lsn, flush_lsn, replay_lsn FROM %s`, c.table)

	var row Row
	var endpos, writeLSN, flushLSN, replayLSN string
	err := c.pool.QueryRow(ctx, query).Scan(&endpos, &row.ApplyEnabled, &writeLSN, &flushLSN, &replayLSN)
	if err != nil {
		return Row{}, fmt.Errorf("fetch sentinel row: %w", err)
	}

	if row.Endpos, err = parseLSNOrZero(endpos); err != nil {
		return Row{}, err
	}
	if row.WriteLSN, err = parseLSNOrZero(writeLSN); err != nil {
		return Row{}, err
	}
	if row.FlushLSN, err = parseLSNOrZero(flushLSN); err != nil {
		return Row{}, err
	}
	if row.ReplayLSN, err = parseLSNOrZero(replayLSN); err != nil {
		return Row{}, err
	}
	return row, nil
}

func (c *Coordinator) upsertAndFetch(ctx context.Context, replayLSN, flushLSN pglogrepl.LSN) (Row, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET replay_lsn = $1, flush_lsn = $2
		RETURNING endpos, apply_enabled, write_lsn, flush_lsn, replay_lsn`, c.table)

	var row Row
	var endpos, writeLSN, flushLSNOut, replayLSNOut string
	err := c.pool.QueryRow(ctx, query, replayLSN.String(), flushLSN.String()).
		Scan(&endpos, &row.ApplyEnabled, &writeLSN, &flushLSNOut, &replayLSNOut)
	if err != nil {
		return Row{}, fmt.Errorf("sync sentinel: %w", err)
	}

	if row.Endpos, err = parseLSNOrZero(endpos); err != nil {
		return Row{}, err
	}
	if row.WriteLSN, err = parseLSNOrZero(writeLSN); err != nil {
		return Row{}, err
	}
	if row.FlushLSN, err = parseLSNOrZero(flushLSNOut); err != nil {
		return Row{}, err
	}
	if row.ReplayLSN, err = parseLSNOrZero(replayLSNOut); err != nil {
		return Row{}, err
	}
	return row, nil
}

func parseLSNOrZero(s string) (pglogrepl.LSN, error) {
	if s == "" {
		return 0, nil
	}
	lsn, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return 0, fmt.Errorf("parse lsn %q: %w", s, err)
	}
	return lsn, nil
}
