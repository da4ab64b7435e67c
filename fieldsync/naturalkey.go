// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// Natural keys are the business columns the remote store declares unique.
// A unique conflict on insert means the row already exists remotely (typically
// an earlier push whose response was lost), so the engine looks it up by these
// columns instead of inserting again.
//
//	commerces: (name, address)
//	visits:    (commerce_id, visited_at, promoter_id)
var NaturalKeyColumns = map[Kind][]string{
	KindCommerce: {"name", "address"},
	KindVisit:    {"commerce_id", "visited_at", "promoter_id"},
}

// NaturalKey returns the filters selecting the remote row that duplicates row
func NaturalKey(kind Kind, row Row) []Filter {
	cols := NaturalKeyColumns[kind]
	filters := make([]Filter, 0, len(cols))
	for _, col := range cols {
		filters = append(filters, Eq(col, row[col]))
	}
	return filters
}
