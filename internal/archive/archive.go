// Package archive rewrites pg_restore --list output, commenting out the
// entries a Filter Engine and per-OID done-markers say must not be
// restored, and writes the result back as a pg_restore --use-list file.
// See spec.md §4.C.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jfoltran/pgmover/internal/errs"
	"github.com/jfoltran/pgmover/internal/migrationrun"
	"github.com/jfoltran/pgmover/internal/workdir"
	"github.com/rs/zerolog"
)

// TOCEntry is one line of pg_restore --list output:
//
//	<dumpId>; <catalogOid> <objectOid> <desc> <restoreListName>
type TOCEntry struct {
	DumpID      int
	CatalogOID  uint32
	ObjectOID   uint32
	Desc        string
	RestoreName string
}

// Filter decides whether an object must be skipped. internal/filter.Engine
// satisfies this.
type Filter interface {
	IsFilteredOut(oid uint32, restoreName string) bool
	HasBeenProcessed(oid uint32) bool
}

// Rewriter produces a filtered pg_restore --use-list file from a dump
// archive's table of contents.
type Rewriter struct {
	filter Filter
	logger zerolog.Logger
	quit   *migrationrun.QuitFlag

	// MaxListSize caps the in-memory list buffer. Go does not surface
	// allocation failures the way PQExpBuffer does, so this is how
	// ErrOutOfMemory is made observable and testable: exceeding it aborts
	// the rewrite before anything is written to disk. Zero means no cap.
	MaxListSize int
}

// NewRewriter creates a Rewriter that consults filter for each entry and
// aborts per-entry on the process-wide migrationrun.Quit signal.
func NewRewriter(filter Filter, logger zerolog.Logger) *Rewriter {
	return &Rewriter{
		filter: filter,
		quit:   &migrationrun.Quit,
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// ListArchive shells out to pg_restore --list and parses its output. It is
// the "external archive reader" collaborator.
func ListArchive(ctx context.Context, dumpPath string) ([]TOCEntry, error) {
	cmd := exec.CommandContext(ctx, "pg_restore", "--list", dumpPath)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%w: pg_restore --list: %s", errs.ErrChildFailure, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("%w: pg_restore --list: %v", errs.ErrChildFailure, err)
	}
	return parseTOC(out)
}

func parseTOC(data []byte) ([]TOCEntry, error) {
	var entries []TOCEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") {
			continue
		}
		entry, ok := parseTOCLine(trimmed)
		if ok {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan toc: %v", errs.ErrIO, err)
	}
	return entries, nil
}

// parseTOCLine parses one "<dumpId>; <catalogOid> <objectOid> <desc> <name>"
// line as emitted by pg_restore --list.
func parseTOCLine(line string) (TOCEntry, bool) {
	semi := strings.Index(line, ";")
	if semi < 0 {
		return TOCEntry{}, false
	}
	dumpID, err := strconv.Atoi(strings.TrimSpace(line[:semi]))
	if err != nil {
		return TOCEntry{}, false
	}
	rest := strings.TrimSpace(line[semi+1:])
	fields := strings.SplitN(rest, " ", 4)
	if len(fields) < 4 {
		return TOCEntry{}, false
	}
	catalogOID, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return TOCEntry{}, false
	}
	objectOID, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return TOCEntry{}, false
	}
	descAndName := fields[3]
	lastSpace := strings.LastIndex(descAndName, " ")
	desc := fields[2]
	restoreName := descAndName
	if lastSpace >= 0 {
		desc = desc + " " + descAndName[:lastSpace]
		restoreName = descAndName[lastSpace+1:]
	}
	return TOCEntry{
		DumpID:      dumpID,
		CatalogOID:  uint32(catalogOID),
		ObjectOID:   uint32(objectOID),
		Desc:        desc,
		RestoreName: restoreName,
	}, true
}

// Rewrite fetches dumpPath's table of contents, comments out entries that
// are already processed or filtered out, and writes the result to
// listPath, suitable for pg_restore --use-list. It writes no file at all
// on any failure.
func (r *Rewriter) Rewrite(ctx context.Context, dumpPath, listPath string) error {
	entries, err := ListArchive(ctx, dumpPath)
	if err != nil {
		return err
	}

	contents, err := r.buildListContents(ctx, entries)
	if err != nil {
		return err
	}

	if err := workdir.Write(listPath, []byte(contents)); err != nil {
		return fmt.Errorf("write restore list: %w", err)
	}
	return nil
}

// buildListContents renders entries as a pg_restore --use-list file,
// commenting out entries the Filter rejects. It returns ErrOutOfMemory
// without a partial result if MaxListSize is exceeded, and aborts without
// a partial result if ctx is cancelled or migrationrun.Quit is signaled.
func (r *Rewriter) buildListContents(ctx context.Context, entries []TOCEntry) (string, error) {
	var buf strings.Builder
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if r.quit != nil && r.quit.ShouldQuit() {
			return "", fmt.Errorf("%w: restore list rewrite aborted", errs.ErrPreconditionViolation)
		}

		prefix := ""

		switch {
		case r.filter.HasBeenProcessed(e.ObjectOID):
			prefix = ";"
			r.logger.Debug().Int("dumpId", e.DumpID).Str("desc", e.Desc).
				Uint32("oid", e.ObjectOID).Str("name", e.RestoreName).
				Msg("skipping already processed entry")
		case r.filter.IsFilteredOut(e.ObjectOID, e.RestoreName):
			prefix = ";"
			r.logger.Debug().Int("dumpId", e.DumpID).Str("desc", e.Desc).
				Uint32("oid", e.ObjectOID).Str("name", e.RestoreName).
				Msg("skipping filtered-out entry")
		}

		fmt.Fprintf(&buf, "%s%d; %d %d %s %s\n",
			prefix, e.DumpID, e.CatalogOID, e.ObjectOID, e.Desc, e.RestoreName)

		if r.MaxListSize > 0 && buf.Len() > r.MaxListSize {
			return "", fmt.Errorf("%w: restore list exceeds %d bytes", errs.ErrOutOfMemory, r.MaxListSize)
		}
	}
	return buf.String(), nil
}
