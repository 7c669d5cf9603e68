package transfer

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure classes the engine distinguishes. Retry policy is decided on the
// kind alone, never on error text.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindAuthentication
	KindPath
	KindCompression
	KindExtraction
	KindCleanup
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuthentication:
		return "authentication"
	case KindPath:
		return "path"
	case KindCompression:
		return "compression"
	case KindExtraction:
		return "extraction"
	case KindCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// ConnectionError represents transient network failures: dial errors, dropped sessions, timeouts
// reported by the channel.
type ConnectionError struct {
	Operation string // The operation that failed (e.g., "dial", "put")
	Err       error  // Underlying error, if any
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error during %s: %v", e.Operation, e.Err)
	}

	return fmt.Sprintf("connection error during %s", e.Operation)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents rejected credentials. It is never retried.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// PathError represents a missing or inaccessible source or destination path.
type PathError struct {
	Path   string // The path that caused the error
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path error for '%s': %s", e.Path, e.Reason)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// CompressionError represents a failure to build an archive, locally or on the remote side.
type CompressionError struct {
	Archive    string // Archive being produced
	Stderr     string // Remote stderr, empty for local failures
	ExitStatus int    // Remote exit status, 0 for local failures
	Err        error  // Underlying error, if any
}

func (e *CompressionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("compression of %s failed (exit %d): %s", e.Archive, e.ExitStatus, e.Stderr)
	}

	if e.Err != nil {
		return fmt.Sprintf("compression of %s failed: %v", e.Archive, e.Err)
	}

	return fmt.Sprintf("compression of %s failed (exit %d)", e.Archive, e.ExitStatus)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// ExtractionError represents a failure to unpack an archive, locally or on the remote side.
type ExtractionError struct {
	Archive    string // Archive being extracted
	Stderr     string // Remote stderr, empty for local failures
	ExitStatus int    // Remote exit status, 0 for local failures
	Err        error  // Underlying error, if any
}

func (e *ExtractionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("extraction of %s failed (exit %d): %s", e.Archive, e.ExitStatus, e.Stderr)
	}

	if e.Err != nil {
		return fmt.Sprintf("extraction of %s failed: %v", e.Archive, e.Err)
	}

	return fmt.Sprintf("extraction of %s failed (exit %d)", e.Archive, e.ExitStatus)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// CleanupError represents a failure to remove a temporary artifact. Callers downgrade it to a warning.
type CleanupError struct {
	Path string // Artifact that could not be removed
	Err  error  // Underlying error, if any
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of %s failed: %v", e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// KindOf classifies err by walking its chain for one of the typed errors above.
func KindOf(err error) Kind {
	var (
		authErr     *AuthenticationError
		connErr     *ConnectionError
		pathErr     *PathError
		compressErr *CompressionError
		extractErr  *ExtractionError
		cleanupErr  *CleanupError
	)

	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &authErr):
		return KindAuthentication
	case errors.As(err, &connErr):
		return KindConnection
	case errors.As(err, &pathErr):
		return KindPath
	case errors.As(err, &compressErr):
		return KindCompression
	case errors.As(err, &extractErr):
		return KindExtraction
	case errors.As(err, &cleanupErr):
		return KindCleanup
	default:
		return KindUnknown
	}
}

// Retryable reports whether a per-item attempt that failed with err may be tried again.
// Path failures are retried like connection failures; only authentication is terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindAuthentication, KindCompression, KindExtraction:
		return false
	default:
		return err != nil
	}
}
