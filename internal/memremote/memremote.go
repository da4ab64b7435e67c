// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package memremote is an in-memory fieldsync.RemoteGateway with unique
// constraints and fault injection, used by tests and local simulations.
package memremote

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Operation names passed to hooks and counted by Calls
const (
	OpInsert      = "insert"
	OpUpdate      = "update"
	OpSelectByID  = "select_by_id"
	OpSelectWhere = "select_where"
)

// Hook may fail an operation before it is applied. Returning nil lets it proceed.
// It runs under the gateway lock and must not call back into the gateway.
type Hook func(op, table string, row fieldsync.Row) error

// Gateway stores rows per table in insertion order
type Gateway struct {
	mu      sync.Mutex
	tables  map[string][]fieldsync.Row
	unique  map[string][][]string
	ids     []string
	calls   map[string]int
	hook    Hook
	lostAck map[string]int
}

// New creates a gateway enforcing the natural key constraints of commerces and visits
func New() *Gateway {
	g := &Gateway{
		tables:  make(map[string][]fieldsync.Row),
		unique:  make(map[string][][]string),
		calls:   make(map[string]int),
		lostAck: make(map[string]int),
	}
	for kind, cols := range fieldsync.NaturalKeyColumns {
		g.unique[kind.Table()] = [][]string{cols}
	}
	return g
}

// QueueIDs makes the next inserts return these IDs, in order
func (g *Gateway) QueueIDs(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ids = append(g.ids, ids...)
}

// SetHook installs a hook consulted before every operation
func (g *Gateway) SetHook(h Hook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hook = h
}

// LoseInsertAcks makes the next n inserts into table succeed but report a transient error,
// as when the response is lost on the way back.
func (g *Gateway) LoseInsertAcks(table string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lostAck[table] += n
}

// Calls returns how many times op was invoked (including failed calls)
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// TotalCalls returns the number of operations of any kind
func (g *Gateway) TotalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

// Rows returns copies of all rows in table
func (g *Gateway) Rows(table string) []fieldsync.Row {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]fieldsync.Row, 0, len(g.tables[table]))
	for _, r := range g.tables[table] {
		out = append(out, copyRow(r))
	}
	return out
}

// Seed stores a row directly, bypassing hooks and constraints
func (g *Gateway) Seed(table string, row fieldsync.Row) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tables[table] = append(g.tables[table], copyRow(row))
}

func (g *Gateway) enter(op, table string, row fieldsync.Row) error {
	g.calls[op]++
	if g.hook != nil {
		return g.hook(op, table, row)
	}
	return nil
}

func (g *Gateway) Insert(_ context.Context, table string, row fieldsync.Row) (fieldsync.Row, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpInsert, table, row); err != nil {
		return nil, err
	}

	stored := copyRow(row)
	for _, cols := range g.unique[table] {
		for _, existing := range g.tables[table] {
			if sameColumns(existing, stored, cols) {
				return nil, &fieldsync.RemoteError{
					Code:    fieldsync.CodeUniqueViolation,
					Table:   table,
					Message: fmt.Sprintf("duplicate key value violates unique constraint on %v", cols),
				}
			}
		}
	}

	if stored[fieldsync.ColID] == nil {
		id := uuid.NewString()
		if len(g.ids) > 0 {
			id, g.ids = g.ids[0], g.ids[1:]
		}
		stored[fieldsync.ColID] = id
	}
	g.tables[table] = append(g.tables[table], stored)

	if g.lostAck[table] > 0 {
		g.lostAck[table]--
		return nil, &fieldsync.RemoteError{Code: fieldsync.CodeTransient, Table: table, Message: "connection reset before response"}
	}
	return copyRow(stored), nil
}

func (g *Gateway) Update(_ context.Context, table string, id string, row fieldsync.Row) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpUpdate, table, row); err != nil {
		return err
	}
	for i, existing := range g.tables[table] {
		if existing[fieldsync.ColID] == id {
			for k, v := range row {
				if k != fieldsync.ColID {
					existing[k] = v
				}
			}
			g.tables[table][i] = existing
			return nil
		}
	}
	return &fieldsync.RemoteError{Code: fieldsync.CodeNotFound, Table: table, Message: "no row with id " + id}
}

func (g *Gateway) SelectByID(_ context.Context, table string, id string) (fieldsync.Row, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpSelectByID, table, nil); err != nil {
		return nil, err
	}
	for _, existing := range g.tables[table] {
		if existing[fieldsync.ColID] == id {
			return copyRow(existing), nil
		}
	}
	return nil, nil
}

func (g *Gateway) SelectWhere(_ context.Context, table string, filters ...fieldsync.Filter) ([]fieldsync.Row, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpSelectWhere, table, nil); err != nil {
		return nil, err
	}
	var out []fieldsync.Row
	for _, existing := range g.tables[table] {
		if matches(existing, filters) {
			out = append(out, copyRow(existing))
		}
	}
	return out, nil
}

func matches(row fieldsync.Row, filters []fieldsync.Filter) bool {
	for _, f := range filters {
		switch f.Op {
		case fieldsync.OpEq:
			if !sameValue(row[f.Column], f.Value) {
				return false
			}
		case fieldsync.OpIn:
			values, _ := f.Value.([]string)
			s, _ := row[f.Column].(string)
			if !slices.Contains(values, s) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func sameColumns(a, b fieldsync.Row, cols []string) bool {
	for _, c := range cols {
		if !sameValue(a[c], b[c]) {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	ta, okA := a.(time.Time)
	tb, okB := b.(time.Time)
	if okA && okB {
		return ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func copyRow(r fieldsync.Row) fieldsync.Row {
	out := make(fieldsync.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
