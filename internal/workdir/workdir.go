// Package workdir lays out the per-run files a migration writes to disk:
// dump archives, rewritten TOC lists, and the done-markers that make
// every stage resumable. See spec.md §6 for the layout this package
// implements.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
)

// Section names the pg_dump/pg_restore section a schema artifact belongs
// to.
type Section string

const (
	SectionPreData  Section = "pre-data"
	SectionPostData Section = "post-data"
)

// Stage names one of the four resumable schema sub-stages.
type Stage string

const (
	StagePreDataDump     Stage = "pre-data-dump"
	StagePreDataRestore  Stage = "pre-data-restore"
	StagePostDataDump    Stage = "post-data-dump"
	StagePostDataRestore Stage = "post-data-restore"
)

// Layout produces absolute, deterministic, collision-free paths for
// every artifact under one run-root.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root. It does not touch the filesystem.
func New(root string) Layout {
	return Layout{Root: root}
}

// SchemaDir is the directory holding dump archives.
func (l Layout) SchemaDir() string {
	return filepath.Join(l.Root, "schema")
}

// DoneDir is the directory holding per-stage done-markers.
func (l Layout) DoneDir() string {
	return filepath.Join(l.Root, "run", "done")
}

// IndexDir is the directory holding per-object done-markers.
func (l Layout) IndexDir() string {
	return filepath.Join(l.Root, "run", "indexes")
}

// SchemaDump returns the path of the custom-format archive for section.
func (l Layout) SchemaDump(section Section) string {
	switch section {
	case SectionPreData:
		return filepath.Join(l.SchemaDir(), "pre.dump")
	case SectionPostData:
		return filepath.Join(l.SchemaDir(), "post.dump")
	default:
		return filepath.Join(l.SchemaDir(), string(section)+".dump")
	}
}

// SchemaList returns the path of the rewritten TOC list for section.
func (l Layout) SchemaList(section Section) string {
	switch section {
	case SectionPreData:
		return filepath.Join(l.SchemaDir(), "pre.list")
	case SectionPostData:
		return filepath.Join(l.SchemaDir(), "post.list")
	default:
		return filepath.Join(l.SchemaDir(), string(section)+".list")
	}
}

// DoneMarker returns the path of the zero-byte marker certifying stage
// completion.
func (l Layout) DoneMarker(stage Stage) string {
	return filepath.Join(l.DoneDir(), string(stage))
}

// IndexDoneMarker returns the path of the per-object marker for oid.
func (l Layout) IndexDoneMarker(oid uint32) string {
	return filepath.Join(l.IndexDir(), fmt.Sprintf("%d.done", oid))
}

// Exists reports whether path exists on disk. A marker's absence means
// the unit of work it names must be (re)done.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteMarker durably creates a zero-byte file at path, which is how
// done-markers and the absence-means-redo invariant are realized. The
// write is atomic with respect to readers: it writes to a sibling temp
// file and renames it into place, so a concurrent Exists(path) never
// observes a partially written marker.
func WriteMarker(path string) error {
	return Write(path, nil)
}

// Write durably writes data to path, creating parent directories as
// needed, and renaming a temp file into place so concurrent readers
// never observe a partial write.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
