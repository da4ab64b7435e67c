// Package fieldpg implements fieldsync.RemoteGateway on PostgreSQL through a
// pgx connection pool.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldpg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Config holds configuration for the Postgres gateway
type Config struct {
	Schema string // schema holding the field tables, e.g. "public"
}

// DefaultConfig returns a configuration using the public schema
func DefaultConfig() *Config {
	return &Config{Schema: "public"}
}

// Gateway is the remote store used by the sync engine
type Gateway struct {
	pool   *pgxpool.Pool
	schema string
	logger *slog.Logger
}

// NewGateway creates a gateway over pool. A nil config uses DefaultConfig.
func NewGateway(pool *pgxpool.Pool, config *Config, logger *slog.Logger) (*Gateway, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Schema == "" {
		return nil, fmt.Errorf("config.Schema must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{pool: pool, schema: config.Schema, logger: logger}, nil
}

func (g *Gateway) qualified(table string) string {
	return pgx.Identifier{g.schema, table}.Sanitize()
}

func (g *Gateway) checkTable(table string) error {
	if _, ok := tableColumns[table]; !ok {
		return &fieldsync.RemoteError{Code: fieldsync.CodeRejected, Table: table, Message: "unknown table"}
	}
	return nil
}

// sortedColumns returns the columns of row in a stable order, validating each
func sortedColumns(table string, row fieldsync.Row) ([]string, error) {
	cols := make([]string, 0, len(row))
	for c := range row {
		if !knownColumn(table, c) {
			return nil, &fieldsync.RemoteError{Code: fieldsync.CodeRejected, Table: table, Message: fmt.Sprintf("unknown column %q", c)}
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, nil
}

// buildInsert renders an INSERT returning the stored row. The row must carry "id".
func (g *Gateway) buildInsert(table string, row fieldsync.Row) (string, []any, error) {
	cols, err := sortedColumns(table, row)
	if err != nil {
		return "", nil, err
	}
	idents := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		idents[i] = pgx.Identifier{c}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING *`,
		g.qualified(table), strings.Join(idents, ", "), strings.Join(params, ", "))
	return q, args, nil
}

func (g *Gateway) buildUpdate(table, id string, row fieldsync.Row) (string, []any, error) {
	delete(row, fieldsync.ColID)
	cols, err := sortedColumns(table, row)
	if err != nil {
		return "", nil, err
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), i+1)
		args = append(args, row[c])
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, g.qualified(table), strings.Join(sets, ", "), len(args))
	return q, args, nil
}

func (g *Gateway) buildSelect(table string, filters []fieldsync.Filter) (string, []any, error) {
	var where []string
	var args []any
	for _, f := range filters {
		if !knownColumn(table, f.Column) {
			return "", nil, &fieldsync.RemoteError{Code: fieldsync.CodeRejected, Table: table, Message: fmt.Sprintf("unknown column %q", f.Column)}
		}
		col := pgx.Identifier{f.Column}.Sanitize()
		switch f.Op {
		case fieldsync.OpEq:
			if f.Value == nil {
				where = append(where, col+" IS NULL")
				continue
			}
			args = append(args, f.Value)
			where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
		case fieldsync.OpIn:
			values, ok := f.Value.([]string)
			if !ok {
				return "", nil, &fieldsync.RemoteError{Code: fieldsync.CodeRejected, Table: table, Message: "in filter needs []string"}
			}
			args = append(args, values)
			where = append(where, fmt.Sprintf("%s = ANY($%d)", col, len(args)))
		default:
			return "", nil, &fieldsync.RemoteError{Code: fieldsync.CodeRejected, Table: table, Message: fmt.Sprintf("unsupported filter %q", f.Op)}
		}
	}
	q := fmt.Sprintf(`SELECT * FROM %s`, g.qualified(table))
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q + " ORDER BY " + seqColumn, args, nil
}

// Insert writes row and returns the stored row. A missing "id" gets a new UUID.
func (g *Gateway) Insert(ctx context.Context, table string, row fieldsync.Row) (fieldsync.Row, error) {
	if err := g.checkTable(table); err != nil {
		return nil, err
	}
	values := make(fieldsync.Row, len(row)+1)
	for k, v := range row {
		values[k] = v
	}
	if values[fieldsync.ColID] == nil {
		values[fieldsync.ColID] = uuid.NewString()
	}
	q, args, err := g.buildInsert(table, values)
	if err != nil {
		return nil, err
	}

	rows, err := g.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(table, err)
	}
	stored, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify(table, err)
	}
	g.logger.Debug("remote insert", "table", table, "id", stored[fieldsync.ColID])
	return stored, nil
}

// Update overwrites the columns present in row. A missing row is reported as not_found.
func (g *Gateway) Update(ctx context.Context, table string, id string, row fieldsync.Row) error {
	if err := g.checkTable(table); err != nil {
		return err
	}
	values := make(fieldsync.Row, len(row))
	for k, v := range row {
		values[k] = v
	}
	if len(values) == 0 || (len(values) == 1 && values[fieldsync.ColID] != nil) {
		return nil
	}
	q, args, err := g.buildUpdate(table, id, values)
	if err != nil {
		return err
	}
	tag, err := g.pool.Exec(ctx, q, args...)
	if err != nil {
		return classify(table, err)
	}
	if tag.RowsAffected() == 0 {
		return &fieldsync.RemoteError{Code: fieldsync.CodeNotFound, Table: table, Message: "no row with id " + id}
	}
	g.logger.Debug("remote update", "table", table, "id", id)
	return nil
}

// SelectByID returns the row with the given id, or nil when there is none
func (g *Gateway) SelectByID(ctx context.Context, table string, id string) (fieldsync.Row, error) {
	if err := g.checkTable(table); err != nil {
		return nil, err
	}
	q, args, err := g.buildSelect(table, []fieldsync.Filter{fieldsync.Eq(fieldsync.ColID, id)})
	if err != nil {
		return nil, err
	}
	rows, err := g.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(table, err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(table, err)
	}
	return row, nil
}

// SelectWhere returns every row matching all filters, ordered by id
func (g *Gateway) SelectWhere(ctx context.Context, table string, filters ...fieldsync.Filter) ([]fieldsync.Row, error) {
	if err := g.checkTable(table); err != nil {
		return nil, err
	}
	q, args, err := g.buildSelect(table, filters)
	if err != nil {
		return nil, err
	}
	rows, err := g.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(table, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify(table, err)
	}
	out := make([]fieldsync.Row, len(maps))
	for i, m := range maps {
		out[i] = m
	}
	return out, nil
}
