package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Discover queries the source database for the tables and extensions
// eligible for migration. It is the concrete default for the "Catalog
// introspection" collaborator that spec.md treats as external input:
// callers that already have a catalog (e.g. produced by a separate
// planning pass) do not need this function.
func Discover(ctx context.Context, pool *pgxpool.Pool) (Catalog, error) {
	tables, err := discoverTables(ctx, pool)
	if err != nil {
		return Catalog{}, fmt.Errorf("discover tables: %w", err)
	}

	extensions, err := discoverExtensions(ctx, pool)
	if err != nil {
		return Catalog{}, fmt.Errorf("discover extensions: %w", err)
	}

	return Catalog{Tables: tables, Extensions: extensions}, nil
}

func discoverTables(ctx context.Context, pool *pgxpool.Pool) ([]Table, error) {
	rows, err := pool.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p')
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY c.oid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.OID, &t.Schema, &t.Name); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// discoverExtensions lists installed extensions and, for each, the
// configuration tables registered via pg_extension_config_dump together
// with their extcondition WHERE clause, mirroring pgcopydb's extension
// catalog.
func discoverExtensions(ctx context.Context, pool *pgxpool.Pool) ([]Extension, error) {
	rows, err := pool.Query(ctx, `
		SELECT e.extname, e.oid
		FROM pg_extension e
		ORDER BY e.extname`)
	if err != nil {
		return nil, err
	}

	type extRow struct {
		name string
		oid  uint32
	}
	var extRows []extRow
	for rows.Next() {
		var r extRow
		if err := rows.Scan(&r.name, &r.oid); err != nil {
			rows.Close()
			return nil, err
		}
		extRows = append(extRows, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	extensions := make([]Extension, 0, len(extRows))
	for _, r := range extRows {
		config, err := discoverExtensionConfig(ctx, pool, r.oid)
		if err != nil {
			return nil, fmt.Errorf("extension %s config: %w", r.name, err)
		}
		extensions = append(extensions, Extension{Name: r.name, Config: config})
	}
	return extensions, nil
}

func discoverExtensionConfig(ctx context.Context, pool *pgxpool.Pool, extOID uint32) ([]ConfigTable, error) {
	rows, err := pool.Query(ctx, `
		SELECT n.nspname, c.relname, COALESCE(cond.condition, '')
		FROM pg_extension e,
		     LATERAL unnest(e.extconfig) WITH ORDINALITY AS t(reloid, ord)
		JOIN pg_class c ON c.oid = t.reloid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN LATERAL (
			SELECT unnest(e.extcondition)::text AS condition
			OFFSET t.ord - 1 LIMIT 1
		) cond ON true
		WHERE e.oid = $1
		ORDER BY t.ord`, extOID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []ConfigTable
	for rows.Next() {
		var c ConfigTable
		if err := rows.Scan(&c.Schema, &c.Name, &c.WhereClause); err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}
