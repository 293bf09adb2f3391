// Package replay applies the JSON event stream from the logical-decoding
// producer to the target database, coordinating with the source-side
// sentinel row. Grounded in the teacher's Applier (transaction framing,
// pgx.Tx usage) for the apply half and in
// original_source/ld_replay.c (stream_apply_replay, stream_replay_line)
// for the loop and sentinel cadence. See spec.md §4.F.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgmover/internal/errs"
	"github.com/jfoltran/pgmover/internal/migrationrun"
	"github.com/jfoltran/pgmover/internal/sentinel"
	"github.com/jfoltran/pgmover/internal/stream"
)

const sentinelSyncInterval = time.Second
const sentinelDrainInterval = 100 * time.Millisecond

// Engine consumes a line-oriented JSON event stream and applies it to the
// target database, syncing progress through a sentinel.Coordinator.
type Engine struct {
	dest        *pgxpool.Pool
	coordinator *sentinel.Coordinator
	originName  string
	logger      zerolog.Logger

	previousLSN      pglogrepl.LSN
	endpos           pglogrepl.LSN
	reachedEndPos    bool
	sentinelSyncTime time.Time
}

// NewEngine creates a replay Engine writing to dest, syncing progress
// through coordinator under replication origin originName.
func NewEngine(dest *pgxpool.Pool, coordinator *sentinel.Coordinator, originName string, logger zerolog.Logger) *Engine {
	return &Engine{
		dest:        dest,
		coordinator: coordinator,
		originName:  originName,
		logger:      logger.With().Str("component", "replay").Logger(),
	}
}

// Replay reads Events from r until it is exhausted, reachedEndPos
// latches, or ctx is cancelled.
func (e *Engine) Replay(ctx context.Context, r io.Reader) error {
	if err := e.coordinator.WaitForApplyEnabled(ctx, sentinelSyncInterval); err != nil {
		return fmt.Errorf("wait for apply_enabled: %w", err)
	}

	row, err := e.coordinator.FetchRow(ctx)
	if err != nil {
		return fmt.Errorf("load sentinel context: %w", err)
	}
	e.endpos = row.Endpos

	originLSN, err := e.setupReplicationOrigin(ctx)
	if err != nil {
		return fmt.Errorf("setup replication origin: %w", err)
	}
	// The origin's own progress is transactionally tied to the last
	// COMMIT applied on the destination, so it survives a crash between
	// a target commit and the next (rate-limited) sentinel sync. The
	// sentinel row's replay_lsn is only an async approximation of that
	// and is merely a fallback for a brand-new origin.
	if originLSN != 0 {
		e.previousLSN = originLSN
	} else {
		e.previousLSN = row.ReplayLSN
	}

	if e.endpos != 0 && e.endpos <= e.previousLSN {
		e.logger.Info().
			Stringer("endpos", e.endpos).
			Stringer("previousLSN", e.previousLSN).
			Msg("replay previously reached endpos")
		return nil
	}

	stoppedOnEndPos, runErr := e.runLoop(ctx, r)
	cleanupErr := e.cleanup(ctx, stoppedOnEndPos)
	if runErr != nil {
		return runErr
	}
	return cleanupErr
}

func (e *Engine) runLoop(ctx context.Context, r io.Reader) (stoppedOnEndPos bool, err error) {
	dec := stream.NewDecoder(r)
	var tx pgx.Tx

	for {
		select {
		case <-ctx.Done():
			if tx != nil {
				_ = tx.Rollback(ctx)
			}
			return false, ctx.Err()
		default:
		}
		if migrationrun.Quit.ShouldQuit() {
			if tx != nil {
				_ = tx.Rollback(ctx)
			}
			return false, nil
		}

		ev, decErr := dec.Next()
		if decErr == io.EOF {
			return false, nil
		}
		if decErr != nil {
			if tx != nil {
				_ = tx.Rollback(ctx)
			}
			return false, decErr
		}

		tx, err = e.applyEvent(ctx, tx, ev)
		if err != nil {
			if tx != nil {
				_ = tx.Rollback(ctx)
			}
			return false, fmt.Errorf("apply %s: %w", ev.Action, err)
		}

		stop, err := e.maybeSyncSentinel(ctx, ev)
		if err != nil {
			return false, err
		}
		if stop {
			return true, nil
		}
	}
}

// applyEvent applies one Event within the transaction framing described
// by spec.md §4.F and returns the (possibly new) in-flight transaction.
func (e *Engine) applyEvent(ctx context.Context, tx pgx.Tx, ev stream.Event) (pgx.Tx, error) {
	switch ev.Action {
	case stream.ActionBegin:
		newTx, err := e.dest.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin tx: %w", err)
		}
		return newTx, nil

	case stream.ActionCommit:
		lsn, err := ev.ParsedLSN()
		if err != nil {
			if tx != nil {
				_ = tx.Rollback(ctx)
			}
			return nil, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
		}
		if tx != nil {
			// Advance the origin on the same transaction as the batch's
			// last statement, so origin_lsn and the batch's effect land
			// (or fail to land) atomically: a crash can never leave the
			// destination committed with the origin pointing earlier,
			// which is what would make a restart re-apply this batch.
			if lsn != 0 {
				if _, err := tx.Exec(ctx, `SELECT pg_replication_origin_xact_setup($1, clock_timestamp())`, lsn.String()); err != nil {
					_ = tx.Rollback(ctx)
					return nil, fmt.Errorf("set replication origin lsn: %w", err)
				}
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("commit tx: %w", err)
			}
		}
		e.previousLSN = lsn
		return nil, nil

	case stream.ActionInsert, stream.ActionUpdate, stream.ActionDelete, stream.ActionTruncate, stream.ActionMessage:
		if tx == nil {
			return nil, fmt.Errorf("%w: %s event outside transaction", errs.ErrProtocol, ev.Action)
		}
		if ev.SQL == "" {
			return tx, nil
		}
		if _, err := tx.Exec(ctx, ev.SQL); err != nil {
			return tx, err
		}
		return tx, nil

	case stream.ActionSwitch:
		e.logger.Debug().Str("lsn", ev.LSN).Msg("WAL file boundary")
		return tx, nil

	case stream.ActionKeepalive:
		return tx, nil

	default:
		return tx, fmt.Errorf("%w: unknown stream action %q", errs.ErrProtocol, ev.Action)
	}
}

// maybeSyncSentinel implements spec.md §4.F step 3: on COMMIT/KEEPALIVE,
// complete an in-flight sentinel query non-blockingly, or issue a new one
// if a second has elapsed since the last send; and step 4, the endpos
// check.
func (e *Engine) maybeSyncSentinel(ctx context.Context, ev stream.Event) (stop bool, err error) {
	if ev.Action == stream.ActionCommit || ev.Action == stream.ActionKeepalive {
		if e.coordinator.InFlight() {
			done, row, ferr := e.coordinator.FetchSyncSentinel()
			if done {
				if ferr != nil {
					return false, fmt.Errorf("fetch sentinel: %w", ferr)
				}
				e.applySentinelRow(row)
			}
		} else if time.Since(e.sentinelSyncTime) > sentinelSyncInterval {
			if err := e.coordinator.SendSyncSentinel(ctx, e.previousLSN, e.previousLSN); err != nil &&
				!errors.Is(err, sentinel.ErrAlreadyInFlight) {
				return false, fmt.Errorf("send sentinel: %w", err)
			}
			e.sentinelSyncTime = time.Now()
		}
	}

	if e.reachedEndPos || (e.endpos != 0 && e.endpos <= e.previousLSN) {
		e.reachedEndPos = true
		return true, nil
	}
	return false, nil
}

func (e *Engine) applySentinelRow(row sentinel.Row) {
	e.endpos = row.Endpos
}

func (e *Engine) cleanup(ctx context.Context, stoppedOnEndPos bool) error {
	if e.coordinator.InFlight() {
		if _, err := e.coordinator.DrainSyncSentinel(ctx, sentinelDrainInterval); err != nil {
			return fmt.Errorf("drain in-flight sentinel: %w", err)
		}
	}

	if _, err := e.coordinator.SyncSentinel(ctx, e.previousLSN, e.previousLSN); err != nil {
		return fmt.Errorf("final sentinel sync: %w", err)
	}

	if stoppedOnEndPos || e.reachedEndPos {
		e.logger.Info().Stringer("replayLSN", e.previousLSN).Msg("replay stopped: endpos reached")
	} else {
		e.logger.Info().Stringer("replayLSN", e.previousLSN).Msg("replay stopped: input exhausted")
	}
	return nil
}

// setupReplicationOrigin creates the replication origin if it does not
// exist, configures the current session to use it, and returns the LSN
// already recorded against it via pg_replication_origin_progress — the
// durable high-water mark left by the last committed xact_setup, which
// is what makes resuming after a crash idempotent. Grounded in the
// teacher's pgwire.Conn.SetReplicationOrigin.
func (e *Engine) setupReplicationOrigin(ctx context.Context) (pglogrepl.LSN, error) {
	_, err := e.dest.Exec(ctx,
		`SELECT pg_replication_origin_create($1)
		 WHERE NOT EXISTS (SELECT 1 FROM pg_replication_origin WHERE roname = $1)`,
		e.originName)
	if err != nil {
		return 0, fmt.Errorf("create replication origin: %w", err)
	}

	if _, err := e.dest.Exec(ctx, `SELECT pg_replication_origin_session_setup($1)`, e.originName); err != nil {
		return 0, fmt.Errorf("setup replication origin session: %w", err)
	}

	var progress string
	err = e.dest.QueryRow(ctx,
		`SELECT pg_replication_origin_progress($1, false)::text`, e.originName).Scan(&progress)
	if err != nil {
		return 0, fmt.Errorf("read replication origin progress: %w", err)
	}

	e.logger.Info().Str("origin", e.originName).Str("progress", progress).Msg("replication origin configured")

	if progress == "" {
		return 0, nil
	}
	lsn, err := pglogrepl.ParseLSN(progress)
	if err != nil {
		return 0, fmt.Errorf("parse origin progress lsn %q: %w", progress, err)
	}
	return lsn, nil
}
