// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are stable, lowercase snake_case strings sent in the `code` field of
// every error envelope (see fail in response.go). Clients branch on them;
// the message is for humans.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "sync_unavailable",
//	  "message": "no message source configured"
//	}
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeListFailed       = "list_failed"
	ErrCodeSyncFailed       = "sync_failed"
	ErrCodeSyncUnavailable  = "sync_unavailable"
	ErrCodeMediaFailed      = "media_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
