package attachcache

import "errors"

// Per-item rejections. None of them is fatal to the caller's pipeline:
// CacheAll turns each into a fallback to the original URL.
var (
	// ErrInvalidURL is returned when the remote URL cannot be parsed or is not absolute http(s).
	ErrInvalidURL = errors.New("invalid attachment url")

	// ErrUnsupportedSource is returned for URLs outside the trusted media hosts.
	ErrUnsupportedSource = errors.New("not a supported source")

	// ErrUnsupportedType is returned when the content type is not on the allow-list.
	ErrUnsupportedType = errors.New("unsupported attachment type")

	// ErrDownloadFailed is returned when the remote host answers with a non-2xx
	// status (typically an expired signed URL) or the transfer breaks.
	ErrDownloadFailed = errors.New("attachment download failed")

	// ErrTooLarge is returned when the payload exceeds the configured ceiling.
	ErrTooLarge = errors.New("attachment too large")
)
