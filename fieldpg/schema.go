// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// tableColumns is the whitelist of writable and selectable columns per table.
// Identifiers never come from callers unchecked.
var tableColumns = map[string][]string{
	fieldsync.TableCommerces: {"id", "name", "address", "phone", "category", "route_id", "created_at"},
	fieldsync.TableVisits: {"id", "commerce_id", "promoter_id", "visited_at",
		"products_done", "competitors_done", "photos_done", "location_done", "route_id", "created_at"},
	fieldsync.TableVisitProducts:    {"id", "visit_id", "product_id", "name", "quantity", "price", "facings"},
	fieldsync.TableVisitCompetitors: {"id", "visit_id", "brand", "product", "price", "notes"},
	fieldsync.TableVisitPhotos:      {"id", "visit_id", "uri", "kind"},
	fieldsync.TableVisitLocations:   {"id", "visit_id", "latitude", "longitude", "accuracy"},
}

// seqColumn records insertion order. Selects sort by it so rows sharing a
// created_at keep the order they were written in.
const seqColumn = "seq"

func knownColumn(table, column string) bool {
	for _, c := range tableColumns[table] {
		if c == column {
			return true
		}
	}
	return false
}

// EnsureSchema creates the schema and tables if they do not exist. The unique
// constraints mirror fieldsync.NaturalKeyColumns.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	s := pgx.Identifier{g.schema}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.commerces (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			address    TEXT NOT NULL,
			phone      TEXT NOT NULL DEFAULT '',
			category   TEXT NOT NULL DEFAULT '',
			route_id   TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT commerces_natural_key UNIQUE (name, address)
		)`, s),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS commerces_route_idx ON %s.commerces (route_id)`, s),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.visits (
			id               TEXT PRIMARY KEY,
			commerce_id      TEXT NOT NULL REFERENCES %s.commerces(id),
			promoter_id      TEXT NOT NULL,
			visited_at       TIMESTAMPTZ NOT NULL,
			products_done    BOOLEAN NOT NULL DEFAULT false,
			competitors_done BOOLEAN NOT NULL DEFAULT false,
			photos_done      BOOLEAN NOT NULL DEFAULT false,
			location_done    BOOLEAN NOT NULL DEFAULT false,
			route_id         TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT visits_natural_key UNIQUE (commerce_id, visited_at, promoter_id)
		)`, s, s),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS visits_route_idx ON %s.visits (route_id)`, s),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.visit_products (
			id         TEXT PRIMARY KEY,
			visit_id   TEXT NOT NULL REFERENCES %s.visits(id) ON DELETE CASCADE,
			product_id TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			quantity   INTEGER NOT NULL DEFAULT 0,
			price      DOUBLE PRECISION NOT NULL DEFAULT 0,
			facings    INTEGER NOT NULL DEFAULT 0
		)`, s, s),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.visit_competitors (
			id       TEXT PRIMARY KEY,
			visit_id TEXT NOT NULL REFERENCES %s.visits(id) ON DELETE CASCADE,
			brand    TEXT NOT NULL,
			product  TEXT NOT NULL DEFAULT '',
			price    DOUBLE PRECISION NOT NULL DEFAULT 0,
			notes    TEXT NOT NULL DEFAULT ''
		)`, s, s),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.visit_photos (
			id       TEXT PRIMARY KEY,
			visit_id TEXT NOT NULL REFERENCES %s.visits(id) ON DELETE CASCADE,
			uri      TEXT NOT NULL,
			kind     TEXT NOT NULL DEFAULT ''
		)`, s, s),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.visit_locations (
			id        TEXT PRIMARY KEY,
			visit_id  TEXT NOT NULL REFERENCES %s.visits(id) ON DELETE CASCADE,
			latitude  DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			accuracy  DOUBLE PRECISION NOT NULL DEFAULT 0
		)`, s, s),
	}
	// Added separately so tables created before the column existed pick it up
	for _, table := range []string{"commerces", "visits", "visit_products", "visit_competitors", "visit_photos", "visit_locations"} {
		stmts = append(stmts, fmt.Sprintf(`ALTER TABLE %s.%s ADD COLUMN IF NOT EXISTS %s BIGINT GENERATED ALWAYS AS IDENTITY`,
			s, pgx.Identifier{table}.Sanitize(), seqColumn))
	}
	for _, child := range []string{"visit_products", "visit_competitors", "visit_photos", "visit_locations"} {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s.%s (visit_id)`,
			pgx.Identifier{child + "_visit_idx"}.Sanitize(), s, pgx.Identifier{child}.Sanitize()))
	}

	for _, stmt := range stmts {
		if _, err := g.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema %s: %w", g.schema, err)
		}
	}
	g.logger.Info("remote schema ready", "schema", g.schema)
	return nil
}
