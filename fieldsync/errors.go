// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteConflict matches remote errors caused by a unique constraint (duplicate natural key)
	ErrRemoteConflict = errors.New("remote unique constraint conflict")
	// ErrRemoteTransient matches network, timeout and server-side retryable failures
	ErrRemoteTransient = errors.New("remote transient failure")
	// ErrRemoteRejected matches validation, permission and not-found failures
	ErrRemoteRejected = errors.New("remote rejected the request")

	ErrDanglingReference = errors.New("referenced entity is not synced yet")
	ErrOffline           = errors.New("device is offline")
	ErrUnauthenticated   = errors.New("no authenticated session")
	ErrUnknownKind       = errors.New("unknown entity kind")
	ErrEntityNotFound    = errors.New("entity not found in local store")
)

// Remote error codes
const (
	CodeUniqueViolation = "unique_violation"
	CodeTransient       = "transient"
	CodeRejected        = "rejected"
	CodeNotFound        = "not_found"
)

// RemoteError is returned by RemoteGateway implementations. Code tells the
// engine how to react; Err keeps the driver error for logging.
type RemoteError struct {
	Code    string
	Table   string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Table != "" {
		return fmt.Sprintf("remote %s on %s: %s", e.Code, e.Table, msg)
	}
	return fmt.Sprintf("remote %s: %s", e.Code, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Is lets errors.Is match the taxonomy sentinels
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemoteConflict:
		return e.Code == CodeUniqueViolation
	case ErrRemoteTransient:
		return e.Code == CodeTransient
	case ErrRemoteRejected:
		return e.Code == CodeRejected || e.Code == CodeNotFound
	}
	return false
}

// IsConflict reports whether err is a unique constraint conflict
func IsConflict(err error) bool { return errors.Is(err, ErrRemoteConflict) }

// IsRejected reports whether err is a permanent rejection by the remote store.
// Errors that are not RemoteErrors are never considered rejections.
func IsRejected(err error) bool { return errors.Is(err, ErrRemoteRejected) }

// StorageCorruptError is returned by a LocalStore when a persisted collection cannot be decoded
type StorageCorruptError struct {
	Kind Kind
	Err  error
}

func (e *StorageCorruptError) Error() string {
	return fmt.Sprintf("local collection %q is corrupt: %v", e.Kind, e.Err)
}

func (e *StorageCorruptError) Unwrap() error { return e.Err }
