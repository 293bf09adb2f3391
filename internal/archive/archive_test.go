package archive

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgmover/internal/catalog"
	"github.com/jfoltran/pgmover/internal/config"
	"github.com/jfoltran/pgmover/internal/filter"
	"github.com/jfoltran/pgmover/internal/migrationrun"
	"github.com/jfoltran/pgmover/internal/workdir"
)

type stubFilter struct {
	filteredOut map[uint32]bool
	processed   map[uint32]bool
}

func (f stubFilter) IsFilteredOut(oid uint32, restoreName string) bool { return f.filteredOut[oid] }
func (f stubFilter) HasBeenProcessed(oid uint32) bool                  { return f.processed[oid] }

func TestParseTOCLine(t *testing.T) {
	entry, ok := parseTOCLine(`3; 1259 16412 TABLE public orders`)
	if !ok {
		t.Fatal("expected line to parse")
	}
	if entry.DumpID != 3 || entry.CatalogOID != 1259 || entry.ObjectOID != 16412 {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Desc != "TABLE public" || entry.RestoreName != "orders" {
		t.Errorf("unexpected desc/name: %q %q", entry.Desc, entry.RestoreName)
	}
}

func TestParseTOC_SkipsCommentsAndBlankLines(t *testing.T) {
	data := []byte(";\n; Archive created at ...\n\n3; 1259 16412 TABLE public orders\n;4; 1259 16413 INDEX public orders_pkey\n")
	entries, err := parseTOC(data)
	if err != nil {
		t.Fatalf("parseTOC: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d: %+v", len(entries), entries)
	}
	if entries[0].ObjectOID != 16412 {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestBuildListContents_CommentsOutFilteredAndProcessed(t *testing.T) {
	entries := []TOCEntry{
		{DumpID: 1, CatalogOID: 1259, ObjectOID: 100, Desc: "TABLE public", RestoreName: "orders"},
		{DumpID: 2, CatalogOID: 1259, ObjectOID: 200, Desc: "TABLE public", RestoreName: "customers"},
		{DumpID: 3, CatalogOID: 1259, ObjectOID: 300, Desc: "TABLE public", RestoreName: "archive_log"},
	}

	f := stubFilter{
		filteredOut: map[uint32]bool{300: true},
		processed:   map[uint32]bool{200: true},
	}
	r := NewRewriter(f, zerolog.Nop())

	out, err := r.buildListContents(context.Background(), entries)
	if err != nil {
		t.Fatalf("buildListContents: %v", err)
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), out)
	}
	if strings.HasPrefix(lines[0], ";") {
		t.Errorf("entry 100 should not be commented out: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], ";") {
		t.Errorf("already-processed entry 200 should be commented out: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], ";") {
		t.Errorf("filtered-out entry 300 should be commented out: %q", lines[2])
	}
	if !strings.Contains(lines[0], "1; 1259 100 TABLE public orders") {
		t.Errorf("line format mismatch: %q", lines[0])
	}
}

func TestBuildListContents_MaxListSizeExceeded(t *testing.T) {
	f := stubFilter{filteredOut: map[uint32]bool{}, processed: map[uint32]bool{}}
	r := NewRewriter(f, zerolog.Nop())
	r.MaxListSize = 10

	entries := []TOCEntry{
		{DumpID: 1, CatalogOID: 1259, ObjectOID: 100, Desc: "TABLE public", RestoreName: "orders"},
		{DumpID: 2, CatalogOID: 1259, ObjectOID: 200, Desc: "TABLE public", RestoreName: "customers"},
	}

	_, err := r.buildListContents(context.Background(), entries)
	if err == nil {
		t.Fatal("expected an out-of-memory error")
	}
}

func TestBuildListContents_AbortsOnQuitSignal(t *testing.T) {
	f := stubFilter{filteredOut: map[uint32]bool{}, processed: map[uint32]bool{}}
	r := NewRewriter(f, zerolog.Nop())

	var quit migrationrun.QuitFlag
	quit.Signal()
	r.quit = &quit

	entries := []TOCEntry{
		{DumpID: 1, CatalogOID: 1259, ObjectOID: 100, Desc: "TABLE public", RestoreName: "orders"},
	}
	_, err := r.buildListContents(context.Background(), entries)
	if err == nil {
		t.Fatal("expected an error once the quit flag is signaled")
	}
}

// TestBuildListContents_ExcludeSchemaCommentsMatchingEntries is scenario
// S3: an archive with entries for public.a, public.b, private.c and an
// excludeSchemas=["private"] filter must comment out only the private.c
// entry, preserving line order, using a real filter.Engine rather than a
// stub.
func TestBuildListContents_ExcludeSchemaCommentsMatchingEntries(t *testing.T) {
	tables := []catalog.Table{
		{OID: 10, Schema: "public", Name: "a"},
		{OID: 20, Schema: "public", Name: "b"},
		{OID: 30, Schema: "private", Name: "c"},
	}
	spec := config.FilterSpec{ExcludeSchemas: []string{"private"}}
	f := filter.New(spec, workdir.New(t.TempDir()), tables)
	r := NewRewriter(f, zerolog.Nop())

	entries := []TOCEntry{
		{DumpID: 1, CatalogOID: 1259, ObjectOID: 10, Desc: "TABLE public", RestoreName: "public.a"},
		{DumpID: 2, CatalogOID: 1259, ObjectOID: 20, Desc: "TABLE public", RestoreName: "public.b"},
		{DumpID: 3, CatalogOID: 1259, ObjectOID: 30, Desc: "TABLE private", RestoreName: "private.c"},
	}

	out, err := r.buildListContents(context.Background(), entries)
	if err != nil {
		t.Fatalf("buildListContents: %v", err)
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines preserving order, got %d: %q", len(lines), out)
	}
	if strings.HasPrefix(lines[0], ";") || strings.HasPrefix(lines[1], ";") {
		t.Errorf("public.a/public.b should not be commented out: %q", lines[:2])
	}
	if !strings.HasPrefix(lines[2], ";") {
		t.Errorf("private.c should be commented out: %q", lines[2])
	}
}

// TestBuildListContents_PerOIDMarkerCommentsMatchingEntry is scenario S4:
// a per-OID done-marker for OID 12345 must comment out every TOC entry
// carrying that OID.
func TestBuildListContents_PerOIDMarkerCommentsMatchingEntry(t *testing.T) {
	tables := []catalog.Table{{OID: 12345, Schema: "public", Name: "orders_pkey"}}
	layout := workdir.New(t.TempDir())
	if err := workdir.WriteMarker(layout.IndexDoneMarker(12345)); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	f := filter.New(config.FilterSpec{}, layout, tables)
	r := NewRewriter(f, zerolog.Nop())

	entries := []TOCEntry{
		{DumpID: 4, CatalogOID: 1259, ObjectOID: 12345, Desc: "INDEX public", RestoreName: "orders_pkey"},
	}
	out, err := r.buildListContents(context.Background(), entries)
	if err != nil {
		t.Fatalf("buildListContents: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), ";") {
		t.Errorf("entry with a done-marker should be commented out: %q", out)
	}
}
