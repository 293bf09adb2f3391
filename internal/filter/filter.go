// Package filter implements the Filter Engine: deciding, for a given
// object OID and restore name, whether it is included, excluded, or
// already done. See spec.md §4.B.
package filter

import (
	"github.com/jfoltran/pgmover/internal/catalog"
	"github.com/jfoltran/pgmover/internal/config"
	"github.com/jfoltran/pgmover/internal/workdir"
)

// Engine combines a Filter Specification with the on-disk per-OID
// done-markers to answer the two predicates the Archive TOC Rewriter and
// Schema Stage Driver need.
type Engine struct {
	spec   config.FilterSpec
	layout workdir.Layout
	// tableSchema maps an object OID to its owning schema, when known,
	// so that exclude/include-only-schemas can be applied to objects
	// (indexes, constraints) that do not carry a schema name of their
	// own in the archive TOC.
	tableSchema map[uint32]string
}

// FilterSpec carries the four disjoint lists from the Filter
// Specification.
type FilterSpec = config.FilterSpec

// New creates an Engine for the given spec and work directory, indexing
// tables so that schema membership can be resolved by OID during TOC
// rewriting.
func New(spec FilterSpec, layout workdir.Layout, tables []catalog.Table) *Engine {
	schemaByOID := make(map[uint32]string, len(tables))
	for _, t := range tables {
		schemaByOID[t.OID] = t.Schema
	}
	return &Engine{spec: spec, layout: layout, tableSchema: schemaByOID}
}

// HasBeenProcessed reports whether a per-OID done-marker exists for oid,
// i.e. this object's work is already durable and must be skipped
// regardless of filter state.
func (e *Engine) HasBeenProcessed(oid uint32) bool {
	if oid == 0 {
		return false
	}
	return workdir.Exists(e.layout.IndexDoneMarker(oid))
}

// IsFilteredOut reports whether the object identified by oid and
// restoreName should be excluded from the dump/restore/replay set.
//
// Semantics: if any include-only list is non-empty, the object is kept
// only when it matches every non-empty include-only dimension (schema
// AND table are conjunctive — see DESIGN.md Open Question (b));
// otherwise it is kept unless it matches an exclude entry. Include-only
// wins over exclude on conflict, since the catalog's include-only lists
// are authoritative.
func (e *Engine) IsFilteredOut(oid uint32, restoreName string) bool {
	schema, hasSchema := e.tableSchema[oid]

	hasIncludeSchemas := len(e.spec.IncludeOnlySchemas) > 0
	hasIncludeTables := len(e.spec.IncludeOnlyTables) > 0

	if hasIncludeSchemas || hasIncludeTables {
		if hasIncludeSchemas {
			if !hasSchema || !contains(e.spec.IncludeOnlySchemas, schema) {
				return true
			}
		}
		if hasIncludeTables {
			if !contains(e.spec.IncludeOnlyTables, restoreName) {
				return true
			}
		}
		return false
	}

	if hasSchema && contains(e.spec.ExcludeSchemas, schema) {
		return true
	}
	if contains(e.spec.ExcludeTables, restoreName) {
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
