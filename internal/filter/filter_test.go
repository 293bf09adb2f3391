package filter

import (
	"path/filepath"
	"testing"

	"github.com/jfoltran/pgmover/internal/catalog"
	"github.com/jfoltran/pgmover/internal/config"
	"github.com/jfoltran/pgmover/internal/workdir"
)

func tables() []catalog.Table {
	return []catalog.Table{
		{OID: 1, Schema: "public", Name: "orders"},
		{OID: 2, Schema: "public", Name: "customers"},
		{OID: 3, Schema: "billing", Name: "invoices"},
	}
}

func TestIsFilteredOut_NoFilters(t *testing.T) {
	e := New(config.FilterSpec{}, workdir.New(t.TempDir()), tables())
	if e.IsFilteredOut(1, "public.orders") {
		t.Error("with no filter spec, nothing should be filtered out")
	}
}

func TestIsFilteredOut_ExcludeTable(t *testing.T) {
	spec := config.FilterSpec{ExcludeTables: []string{"public.orders"}}
	e := New(spec, workdir.New(t.TempDir()), tables())

	if !e.IsFilteredOut(1, "public.orders") {
		t.Error("excluded table should be filtered out")
	}
	if e.IsFilteredOut(2, "public.customers") {
		t.Error("non-excluded table should not be filtered out")
	}
}

func TestIsFilteredOut_ExcludeSchema(t *testing.T) {
	spec := config.FilterSpec{ExcludeSchemas: []string{"billing"}}
	e := New(spec, workdir.New(t.TempDir()), tables())

	if !e.IsFilteredOut(3, "billing.invoices") {
		t.Error("table in excluded schema should be filtered out")
	}
	if e.IsFilteredOut(1, "public.orders") {
		t.Error("table outside excluded schema should not be filtered out")
	}
}

func TestIsFilteredOut_IncludeOnlyWinsOverExclude(t *testing.T) {
	spec := config.FilterSpec{
		IncludeOnlyTables: []string{"public.orders"},
		ExcludeTables:     []string{"public.orders"},
	}
	e := New(spec, workdir.New(t.TempDir()), tables())

	if e.IsFilteredOut(1, "public.orders") {
		t.Error("include-only should win over a conflicting exclude entry")
	}
}

func TestIsFilteredOut_ConjunctiveIncludeOnly(t *testing.T) {
	spec := config.FilterSpec{
		IncludeOnlySchemas: []string{"public"},
		IncludeOnlyTables:  []string{"public.orders"},
	}
	e := New(spec, workdir.New(t.TempDir()), tables())

	if e.IsFilteredOut(1, "public.orders") {
		t.Error("orders matches both include-only dimensions, should be kept")
	}
	if !e.IsFilteredOut(2, "public.customers") {
		t.Error("customers matches schema but not table, should be filtered out")
	}
	if !e.IsFilteredOut(3, "billing.invoices") {
		t.Error("invoices matches neither dimension, should be filtered out")
	}
}

func TestHasBeenProcessed(t *testing.T) {
	dir := t.TempDir()
	l := workdir.New(dir)
	e := New(config.FilterSpec{}, l, tables())

	if e.HasBeenProcessed(1) {
		t.Fatal("no marker written yet")
	}

	if err := workdir.WriteMarker(l.IndexDoneMarker(1)); err != nil {
		t.Fatalf("WriteMarker: %v", err)
	}
	if !e.HasBeenProcessed(1) {
		t.Error("marker should now be observed")
	}
	if e.HasBeenProcessed(2) {
		t.Error("unrelated OID should not be marked processed")
	}

	if got := filepath.Base(l.IndexDoneMarker(1)); got != "1.done" {
		t.Errorf("marker file name = %q, want 1.done", got)
	}
}
