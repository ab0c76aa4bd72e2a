// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package index maintains a SQLite-backed secondary index over the
// layers in a [layerstore.Store], so listLocal/listLocalBy (spec
// §4.3) run as indexed SQL queries instead of directory walks.
//
// This mirrors a telemetry-style SQLite-backed secondary index: a thin SQLite
// layer built on lib/sqlitepool, with the on-disk CBOR records in
// layerstore remaining the durable source of truth — the index is
// rebuilt from those records on open and kept incrementally in sync
// on every mutation, so a corrupted or deleted index database is
// always safely recoverable.
package index

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/capsule-foundation/capsule/lib/capref"
	"github.com/capsule-foundation/capsule/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS layers (
	channel    TEXT NOT NULL,
	id         TEXT NOT NULL,
	version    TEXT NOT NULL,
	arch       TEXT NOT NULL,
	module     TEXT NOT NULL,
	sub_ref    TEXT NOT NULL DEFAULT '',
	commit_hex TEXT NOT NULL,
	kind       TEXT NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel, id, version, arch, module, sub_ref)
);
CREATE INDEX IF NOT EXISTS layers_by_id ON layers (id);
CREATE INDEX IF NOT EXISTS layers_by_line ON layers (channel, id, arch);
`

// Row is a flattened projection of a layerstore.LayerItem, enough to
// reconstruct the Key (and the caller re-reads the CBOR record for
// full detail when needed).
type Row struct {
	Ref       capref.Reference
	Module    capref.Module
	SubRef    string
	CommitHex string
	Kind      string
	Deleted   bool
}

// Index is a SQLite-backed secondary index, safe for concurrent use.
type Index struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open creates or opens the index database at path.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("layerstore index: opening %s: %w", path, err)
	}
	return &Index{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (idx *Index) Close() error {
	return idx.pool.Close()
}

// Upsert inserts or replaces the index row for a layer.
func (idx *Index) Upsert(ctx context.Context, row Row) error {
	conn, err := idx.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer idx.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO layers (channel, id, version, arch, module, sub_ref, commit_hex, kind, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel, id, version, arch, module, sub_ref) DO UPDATE SET
			commit_hex = excluded.commit_hex,
			kind = excluded.kind,
			deleted = excluded.deleted
	`, &sqlitex.ExecOptions{
		Args: []any{
			row.Ref.Channel, row.Ref.ID, string(row.Ref.Version), row.Ref.Arch,
			string(row.Module), row.SubRef, row.CommitHex, row.Kind, boolToInt(row.Deleted),
		},
	})
}

// Delete removes the index row for a layer. It is not an error to
// delete a row that does not exist.
func (idx *Index) Delete(ctx context.Context, ref capref.Reference, module capref.Module, subRef string) error {
	conn, err := idx.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer idx.pool.Put(conn)

	return sqlitex.Execute(conn, `
		DELETE FROM layers WHERE channel = ? AND id = ? AND version = ? AND arch = ? AND module = ? AND sub_ref = ?
	`, &sqlitex.ExecOptions{
		Args: []any{ref.Channel, ref.ID, string(ref.Version), ref.Arch, string(module), subRef},
	})
}

// List returns every row matching the given optional filters. Any nil
// filter argument is unconstrained.
func (idx *Index) List(ctx context.Context, id, channel, version *string, deleted *bool) ([]Row, error) {
	conn, err := idx.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer idx.pool.Put(conn)

	query := "SELECT channel, id, version, arch, module, sub_ref, commit_hex, kind, deleted FROM layers WHERE 1=1"
	var args []any
	if id != nil {
		query += " AND id = ?"
		args = append(args, *id)
	}
	if channel != nil {
		query += " AND channel = ?"
		args = append(args, *channel)
	}
	if version != nil {
		query += " AND version = ?"
		args = append(args, *version)
	}
	if deleted != nil {
		query += " AND deleted = ?"
		args = append(args, boolToInt(*deleted))
	}

	var rows []Row
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, Row{
				Ref: capref.Reference{
					Channel: stmt.ColumnText(0),
					ID:      stmt.ColumnText(1),
					Version: capref.Version(stmt.ColumnText(2)),
					Arch:    stmt.ColumnText(3),
				},
				Module:    capref.Module(stmt.ColumnText(4)),
				SubRef:    stmt.ColumnText(5),
				CommitHex: stmt.ColumnText(6),
				Kind:      stmt.ColumnText(7),
				Deleted:   stmt.ColumnInt(8) != 0,
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("layerstore index: list: %w", err)
	}
	return rows, nil
}

// Rebuild replaces the entire index content with rows, inside a
// single transaction. Used on store open to recover from a missing or
// stale index database using the CBOR records as ground truth.
func (idx *Index) Rebuild(ctx context.Context, rows []Row) error {
	conn, err := idx.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer idx.pool.Put(conn)

	release, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("layerstore index: starting rebuild transaction: %w", err)
	}
	defer release(&err)

	if err = sqlitex.ExecuteTransient(conn, "DELETE FROM layers", nil); err != nil {
		return err
	}
	for _, row := range rows {
		if err = sqlitex.Execute(conn, `
			INSERT INTO layers (channel, id, version, arch, module, sub_ref, commit_hex, kind, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, &sqlitex.ExecOptions{
			Args: []any{
				row.Ref.Channel, row.Ref.ID, string(row.Ref.Version), row.Ref.Arch,
				string(row.Module), row.SubRef, row.CommitHex, row.Kind, boolToInt(row.Deleted),
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
