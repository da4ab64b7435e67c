// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldpg

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// classify maps driver errors onto the remote error taxonomy
func classify(table string, err error) error {
	if err == nil {
		return nil
	}
	var remoteErr *fieldsync.RemoteError
	if errors.As(err, &remoteErr) {
		return err
	}
	code := fieldsync.CodeTransient

	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		code = pgErrorCode(pgErr)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err):
		code = fieldsync.CodeTransient
	}
	return &fieldsync.RemoteError{Code: code, Table: table, Err: err}
}

func pgErrorCode(pgErr *pgconn.PgError) string {
	state := pgErr.SQLState()
	switch state {
	case "23505": // unique_violation
		return fieldsync.CodeUniqueViolation
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"57014", // query_canceled (statement_timeout)
		"57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03": // cannot_connect_now
		return fieldsync.CodeTransient
	}
	// connection exceptions and insufficient resources
	if strings.HasPrefix(state, "08") || strings.HasPrefix(state, "53") {
		return fieldsync.CodeTransient
	}
	return fieldsync.CodeRejected
}
