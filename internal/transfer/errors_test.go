package transfer

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

// TestConnectionError_Error verifies error message formatting
func TestConnectionError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *ConnectionError
		wantFormat string
	}{
		{
			name:       "with cause",
			err:        &ConnectionError{Operation: "put", Err: errors.New("connection reset")},
			wantFormat: "connection error during put: connection reset",
		},
		{
			name:       "without cause",
			err:        &ConnectionError{Operation: "dial"},
			wantFormat: "connection error during dial",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

// TestPathError_Error verifies error message formatting
func TestPathError_Error(t *testing.T) {
	err := &PathError{Path: "/data/a.txt", Reason: "not found"}

	expected := "path error for '/data/a.txt': not found"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestAuthenticationError_Error verifies error message formatting
func TestAuthenticationError_Error(t *testing.T) {
	err := &AuthenticationError{Operation: "dial"}

	expected := "authentication failed during dial"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestExtractionError_Error verifies remote and local formatting
func TestExtractionError_Error(t *testing.T) {
	remote := &ExtractionError{Archive: "/tmp/x.tar.gz", Stderr: "tar: bad header", ExitStatus: 2}
	if got, want := remote.Error(), "extraction of /tmp/x.tar.gz failed (exit 2): tar: bad header"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	local := &ExtractionError{Archive: "x.tar.gz", Err: errors.New("unexpected EOF")}
	if got, want := local.Error(), "extraction of x.tar.gz failed: unexpected EOF"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// TestErrorTypes_Unwrap verifies error chain traversal
func TestErrorTypes_Unwrap(t *testing.T) {
	cause := errors.New("underlying cause")

	tests := []struct {
		name string
		err  error
	}{
		{name: "ConnectionError", err: &ConnectionError{Operation: "put", Err: cause}},
		{name: "AuthenticationError", err: &AuthenticationError{Operation: "dial", Err: cause}},
		{name: "PathError", err: &PathError{Path: "a", Reason: "denied", Err: cause}},
		{name: "CompressionError", err: &CompressionError{Archive: "a.tar.gz", Err: cause}},
		{name: "ExtractionError", err: &ExtractionError{Archive: "a.tar.gz", Err: cause}},
		{name: "CleanupError", err: &CleanupError{Path: "a.tar.gz", Err: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != cause {
				t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
			}

			// Verify errors.Is works through the chain
			wrapped := fmt.Errorf("context: %w", tt.err)
			if !errors.Is(wrapped, cause) {
				t.Error("errors.Is() should find cause in wrapped chain")
			}
		})
	}
}

// TestPathError_As verifies programmatic error type detection
func TestPathError_As(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", &PathError{Path: "sub/b.txt", Reason: "not found", Err: os.ErrNotExist})

	var target *PathError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract PathError from wrapped chain")
	}

	if target.Path != "sub/b.txt" {
		t.Errorf("Path = %q, want %q", target.Path, "sub/b.txt")
	}

	if !errors.Is(wrapped, os.ErrNotExist) {
		t.Error("errors.Is() should find os.ErrNotExist in wrapped chain")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Kind
		retryable bool
	}{
		{name: "nil", err: nil, want: KindUnknown, retryable: false},
		{name: "plain", err: errors.New("boom"), want: KindUnknown, retryable: true},
		{name: "connection", err: &ConnectionError{Operation: "put"}, want: KindConnection, retryable: true},
		{name: "wrapped connection", err: fmt.Errorf("x: %w", &ConnectionError{Operation: "get"}), want: KindConnection, retryable: true},
		{name: "authentication", err: &AuthenticationError{Operation: "dial"}, want: KindAuthentication, retryable: false},
		{name: "path", err: &PathError{Path: "a", Reason: "missing"}, want: KindPath, retryable: true},
		{name: "compression", err: &CompressionError{Archive: "a"}, want: KindCompression, retryable: false},
		{name: "extraction", err: &ExtractionError{Archive: "a"}, want: KindExtraction, retryable: false},
		{name: "cleanup", err: &CleanupError{Path: "a"}, want: KindCleanup, retryable: true},
		{
			name:      "authentication wins over connection",
			err:       &ConnectionError{Operation: "dial", Err: &AuthenticationError{Operation: "dial"}},
			want:      KindAuthentication,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}

			if got := Retryable(tt.err); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	if KindConnection.String() != "connection" {
		t.Errorf("String() = %q", KindConnection.String())
	}

	if Kind(99).String() != "unknown" {
		t.Errorf("String() = %q", Kind(99).String())
	}
}
