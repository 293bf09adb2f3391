package schema

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgmover/internal/catalog"
	"github.com/jfoltran/pgmover/internal/config"
	"github.com/jfoltran/pgmover/internal/workdir"
)

func TestDropTargetTables_EmptyCatalogSkips(t *testing.T) {
	d := &Driver{logger: zerolog.Nop()}
	if err := d.DropTargetTables(nil, nil); err != nil {
		t.Fatalf("empty table list should be a no-op, got %v", err)
	}
}

func TestDumpStage(t *testing.T) {
	if got := dumpStage(workdir.SectionPreData); got != workdir.StagePreDataDump {
		t.Errorf("pre-data -> %v, want %v", got, workdir.StagePreDataDump)
	}
	if got := dumpStage(workdir.SectionPostData); got != workdir.StagePostDataDump {
		t.Errorf("post-data -> %v, want %v", got, workdir.StagePostDataDump)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got, want := quoteIdent(`weird"name`), `"weird""name"`; got != want {
		t.Errorf("quoteIdent = %q, want %q", got, want)
	}
}

func TestPrepareTargetSchema_SkipsWhenDone(t *testing.T) {
	dir := t.TempDir()
	layout := workdir.New(dir)
	if err := workdir.WriteMarker(layout.DoneMarker(workdir.StagePreDataRestore)); err != nil {
		t.Fatalf("WriteMarker: %v", err)
	}

	d := &Driver{layout: layout, logger: zerolog.Nop()}
	if err := d.PrepareTargetSchema(nil, []catalog.Table{{OID: 1, Schema: "public", Name: "orders"}}); err != nil {
		t.Fatalf("PrepareTargetSchema should short-circuit on existing marker, got %v", err)
	}
}

func TestFinalizeTargetSchema_SkipsWhenDone(t *testing.T) {
	dir := t.TempDir()
	layout := workdir.New(dir)
	if err := workdir.WriteMarker(layout.DoneMarker(workdir.StagePostDataRestore)); err != nil {
		t.Fatalf("WriteMarker: %v", err)
	}

	d := &Driver{layout: layout, logger: zerolog.Nop()}
	if err := d.FinalizeTargetSchema(nil); err != nil {
		t.Fatalf("FinalizeTargetSchema should short-circuit on existing marker, got %v", err)
	}
}

func TestNewDriver_StoresDSNsAndPaths(t *testing.T) {
	dir := t.TempDir()
	layout := workdir.New(dir)
	d := NewDriver(nil, nil, "postgres://source", "postgres://dest", layout, nil, config.RestoreOptions{}, config.FilterSpec{}, zerolog.Nop())

	if d.sourceDSN != "postgres://source" || d.destDSN != "postgres://dest" {
		t.Errorf("DSNs not stored correctly: %+v", d)
	}
	if filepath.Base(d.layout.SchemaDump(workdir.SectionPreData)) != "pre.dump" {
		t.Errorf("unexpected dump path: %s", d.layout.SchemaDump(workdir.SectionPreData))
	}
}

func TestCreateTargetNamespaces_NoFilterIsNoop(t *testing.T) {
	d := &Driver{filter: config.FilterSpec{}, logger: zerolog.Nop()}
	if err := d.CreateTargetNamespaces(nil); err != nil {
		t.Fatalf("empty include-only schema list should be a no-op, got %v", err)
	}
}
