// Package services defines the business logic for the updates feed: the
// synchronizer that keeps the update store in step with the message source,
// and the read service behind the public API.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrUpdateNotFound indicates that the requested update does not exist.
	ErrUpdateNotFound = errors.New("update not found")

	// ErrSyncRunNotFound indicates that the requested sync run does not exist.
	ErrSyncRunNotFound = errors.New("sync run not found")

	// ErrNoSource is returned when a sync is requested but no message source
	// is configured.
	ErrNoSource = errors.New("no message source configured")
)
