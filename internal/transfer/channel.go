package transfer

import (
	"context"
	"net"
	"os"
	"strconv"
)

// Credentials identify an account on a remote host.
type Credentials struct {
	Host   string
	Port   int
	User   string
	Secret string
}

// Address returns host:port.
func (c Credentials) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ExecResult is the outcome of a remote command that ran to completion.
type ExecResult struct {
	ExitStatus int
	Stderr     string
}

// ByteProgressFunc receives cumulative bytes copied for one file and the file's total size.
type ByteProgressFunc func(transferred, total int64)

// Channel is an authenticated remote file session. A Channel is owned by one caller at a time and
// must be discarded after any I/O failure.
type Channel interface {
	// Stat returns metadata for p, or a *PathError when p does not exist.
	Stat(ctx context.Context, p string) (os.FileInfo, error)
	ListDir(ctx context.Context, p string) ([]string, error)
	// IsDir reports whether p is a directory. It never guesses: an error is returned when p cannot be
	// classified.
	IsDir(ctx context.Context, p string) (bool, error)
	Mkdir(ctx context.Context, p string) error
	Put(ctx context.Context, localPath, remotePath string, onProgress ByteProgressFunc) error
	Get(ctx context.Context, remotePath, localPath string, onProgress ByteProgressFunc) error
	Remove(ctx context.Context, p string) error
	// Exec runs command on the remote host. A non-zero exit status is not an error; err is reserved
	// for failures to run the command at all.
	Exec(ctx context.Context, command string) (ExecResult, error)
	Close() error
}

// Dialer opens Channels. Dial fails with *AuthenticationError or *ConnectionError.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, creds Credentials) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, creds Credentials) (Channel, error) {
	return f(ctx, creds)
}
