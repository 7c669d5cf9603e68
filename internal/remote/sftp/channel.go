// Package sftp implements transfer.Channel over an SSH connection using the SFTP subsystem for file
// operations and plain SSH sessions for remote commands.
package sftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/italolelis/sftp_sync/internal/progress"
	"github.com/italolelis/sftp_sync/internal/transfer"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const progressInterval = 256 * 1024

// Config tunes how connections are established.
type Config struct {
	DialTimeout time.Duration
	// HostKeyFile is a known_hosts file used to verify the server. When empty any host key is
	// accepted.
	HostKeyFile string
}

// Dialer opens SFTP channels.
type Dialer struct {
	cfg Config
}

// NewDialer creates a dialer.
func NewDialer(cfg Config) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	return &Dialer{cfg: cfg}
}

// Dial connects and authenticates with a password, then starts the SFTP subsystem.
func (d *Dialer) Dial(ctx context.Context, creds transfer.Credentials) (transfer.Channel, error) {
	hostKeyCallback, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User: creds.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(creds.Secret),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = creds.Secret
				}

				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.cfg.DialTimeout,
	}

	addr := creds.Address()
	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &transfer.ConnectionError{Operation: "dial", Err: err}
	}

	// The handshake has no context of its own; bound it with the dial timeout.
	if err := conn.SetDeadline(time.Now().Add(d.cfg.DialTimeout)); err != nil {
		conn.Close()

		return nil, &transfer.ConnectionError{Operation: "dial", Err: err}
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()

		if isAuthFailure(err) {
			return nil, &transfer.AuthenticationError{Operation: "dial", Err: err}
		}

		return nil, &transfer.ConnectionError{Operation: "handshake", Err: err}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()

		return nil, &transfer.ConnectionError{Operation: "handshake", Err: err}
	}

	client := ssh.NewClient(c, chans, reqs)

	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()

		return nil, &transfer.ConnectionError{Operation: "sftp", Err: err}
	}

	return &Channel{ssh: client, sftp: sc}, nil
}

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.cfg.HostKeyFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	cb, err := knownhosts.New(d.cfg.HostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}

	return cb, nil
}

// isAuthFailure recognises rejected credentials. x/crypto/ssh reports them only as text.
func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Channel is one authenticated SFTP session.
type Channel struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (c *Channel) Stat(_ context.Context, p string) (os.FileInfo, error) {
	info, err := c.sftp.Stat(p)
	if err != nil {
		return nil, classify("stat", p, err)
	}

	return info, nil
}

func (c *Channel) ListDir(_ context.Context, p string) ([]string, error) {
	entries, err := c.sftp.ReadDir(p)
	if err != nil {
		return nil, classify("list", p, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names, nil
}

// IsDir trusts the mode bits when the server reports them and otherwise tries to list p: success
// means a directory, failure a file.
func (c *Channel) IsDir(ctx context.Context, p string) (bool, error) {
	info, err := c.Stat(ctx, p)
	if err != nil {
		return false, err
	}

	switch {
	case info.IsDir():
		return true, nil
	case info.Mode().IsRegular() && info.Mode().Perm() != 0:
		return false, nil
	}

	if _, err := c.sftp.ReadDir(p); err != nil {
		return false, nil
	}

	return true, nil
}

func (c *Channel) Mkdir(_ context.Context, p string) error {
	if err := c.sftp.Mkdir(p); err != nil {
		return classify("mkdir", p, err)
	}

	return nil
}

func (c *Channel) Put(_ context.Context, localPath, remotePath string, onProgress transfer.ByteProgressFunc) error {
	src, err := os.Open(localPath)
	if err != nil {
		return &transfer.PathError{Path: localPath, Reason: "cannot open local file", Err: err}
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return &transfer.PathError{Path: localPath, Reason: "cannot stat local file", Err: err}
	}

	dst, err := c.sftp.Create(remotePath)
	if err != nil {
		return classify("put", remotePath, err)
	}

	if _, err := io.Copy(dst, progressReader(src, info.Size(), onProgress)); err != nil {
		dst.Close()

		return classify("put", remotePath, err)
	}

	if err := dst.Close(); err != nil {
		return classify("put", remotePath, err)
	}

	return nil
}

func (c *Channel) Get(_ context.Context, remotePath, localPath string, onProgress transfer.ByteProgressFunc) error {
	src, err := c.sftp.Open(remotePath)
	if err != nil {
		return classify("get", remotePath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return classify("get", remotePath, err)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return &transfer.PathError{Path: localPath, Reason: "cannot create local file", Err: err}
	}

	if _, err := io.Copy(dst, progressReader(src, info.Size(), onProgress)); err != nil {
		dst.Close()

		return classify("get", remotePath, err)
	}

	if err := dst.Close(); err != nil {
		return &transfer.PathError{Path: localPath, Reason: "cannot write local file", Err: err}
	}

	return nil
}

func (c *Channel) Remove(_ context.Context, p string) error {
	if err := c.sftp.Remove(p); err != nil {
		return classify("remove", p, err)
	}

	return nil
}

// Exec runs command in a fresh SSH session and captures its stderr.
func (c *Channel) Exec(_ context.Context, command string) (transfer.ExecResult, error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return transfer.ExecResult{}, &transfer.ConnectionError{Operation: "exec", Err: err}
	}
	defer session.Close()

	var stderr bytes.Buffer

	session.Stderr = &stderr

	err = session.Run(command)

	var exitErr *ssh.ExitError

	switch {
	case err == nil:
		return transfer.ExecResult{Stderr: stderr.String()}, nil
	case errors.As(err, &exitErr):
		return transfer.ExecResult{ExitStatus: exitErr.ExitStatus(), Stderr: strings.TrimSpace(stderr.String())}, nil
	default:
		return transfer.ExecResult{}, &transfer.ConnectionError{Operation: "exec", Err: err}
	}
}

// Close ends the SFTP subsystem and the SSH connection.
func (c *Channel) Close() error {
	return errors.Join(c.sftp.Close(), c.ssh.Close())
}

func progressReader(r io.Reader, size int64, onProgress transfer.ByteProgressFunc) io.Reader {
	if onProgress == nil {
		return r
	}

	return progress.NewReader(r, size, progressInterval, func(written, total int64) {
		onProgress(written, total)
	})
}

// classify maps SFTP failures onto the transfer taxonomy: status replies from the server are path
// problems, anything else means the session is unusable.
func classify(op, p string, err error) error {
	var status *sftp.StatusError

	switch {
	case errors.Is(err, os.ErrNotExist):
		return &transfer.PathError{Path: p, Reason: "no such file or directory", Err: err}
	case errors.Is(err, os.ErrPermission):
		return &transfer.PathError{Path: p, Reason: "permission denied", Err: err}
	case errors.As(err, &status):
		return &transfer.PathError{Path: p, Reason: op + " rejected by server", Err: err}
	default:
		return &transfer.ConnectionError{Operation: op, Err: err}
	}
}
