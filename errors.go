package downloader

import "fmt"

// rtError is a simple sentinel error type, so callers can classify failures
// with errors.Is without allocating a distinct type per case.
type rtError string

func (e rtError) Error() string { return string(e) }

// Sentinel errors. Wrap one of these with fmt.Errorf("...: %w", Err...) to
// add context while keeping it classifiable with errors.Is.
const (
	// ErrMetadata is returned when the HEAD request fails past the retry
	// budget, or the origin doesn't report a Content-Length.
	ErrMetadata = rtError("metadata error")

	// ErrRangeUnsupported is returned by a Task when a GET that required a
	// byte range came back as a non-range response. The download driver
	// answers it with full-file recovery instead of surfacing it.
	ErrRangeUnsupported = rtError("range unsupported")

	// ErrTransport covers connection/timeout/proxy/HTTP-status failures that
	// survived the retry wrapper.
	ErrTransport = rtError("transport error")

	// ErrIntegrity is returned when a chunk file is shorter than its
	// declared segment during merge.
	ErrIntegrity = rtError("integrity error")

	// ErrCancelled is returned when the caller's context was cancelled
	// mid-download.
	ErrCancelled = rtError("download cancelled")

	// ErrFilesystem covers chunk/target write, rename, or delete failures.
	ErrFilesystem = rtError("filesystem error")
)

func metadataErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(ErrMetadata))...)
}

func rangeUnsupportedErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(ErrRangeUnsupported))...)
}

func transportErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(ErrTransport))...)
}

func integrityErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(ErrIntegrity))...)
}

func cancelledErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(ErrCancelled))...)
}

func filesystemErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(ErrFilesystem))...)
}
