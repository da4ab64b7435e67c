// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import "context"

// Row is a remote table row keyed by column name
type Row map[string]any

// FilterOp is a comparison supported by RemoteGateway.SelectWhere
type FilterOp string

const (
	OpEq FilterOp = "eq"
	OpIn FilterOp = "in"
)

// Filter is a single column predicate; multiple filters are AND-ed
type Filter struct {
	Column string
	Op     FilterOp
	Value  any // []string for OpIn
}

// Eq builds an equality filter
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// In builds a set membership filter
func In(column string, values []string) Filter {
	return Filter{Column: column, Op: OpIn, Value: values}
}

// RemoteGateway is the authoritative store. Implementations return *RemoteError
// so the engine can tell unique conflicts from transient and permanent failures.
type RemoteGateway interface {
	// Insert writes a new row and returns the stored row including its assigned "id"
	Insert(ctx context.Context, table string, row Row) (Row, error)

	// Update overwrites the columns present in row for the row with the given id
	Update(ctx context.Context, table string, id string, row Row) error

	// SelectByID returns the row or nil when it does not exist
	SelectByID(ctx context.Context, table string, id string) (Row, error)

	// SelectWhere returns all rows matching every filter
	SelectWhere(ctx context.Context, table string, filters ...Filter) ([]Row, error)
}

// ConnectivityProbe reports network state; it is queried synchronously before any sync attempt
type ConnectivityProbe interface {
	IsConnected() bool
	IsInternetReachable() bool
}

// User is the signed-in promoter
type User struct {
	ID      string
	RouteID string
}

// Auth exposes the session state the engine needs
type Auth interface {
	IsAuthenticated() bool
	CurrentUser() (User, bool)
	// OnSessionChange registers fn for sign-in (signedIn=true) and sign-out events.
	// The returned function removes the registration.
	OnSessionChange(fn func(user User, signedIn bool)) (cancel func())
}
