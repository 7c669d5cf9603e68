package transfer

import (
	"context"
	"fmt"
	"os"

	"github.com/italolelis/sftp_sync/internal/telemetry"
)

// InstrumentedDialer wraps Dialer with telemetry. Channels it opens are instrumented too.
type InstrumentedDialer struct {
	dialer    Dialer
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDialer creates a new instrumented dialer.
func NewInstrumentedDialer(dialer Dialer, tel *telemetry.Telemetry) *InstrumentedDialer {
	return &InstrumentedDialer{dialer: dialer, telemetry: tel}
}

// Dial opens a channel with telemetry.
func (d *InstrumentedDialer) Dial(ctx context.Context, creds Credentials) (Channel, error) {
	var ch Channel

	err := d.telemetry.InstrumentChannelOperation(ctx, "dial", func(ctx context.Context) error {
		var err error

		ch, err = d.dialer.Dial(ctx, creds)

		return err
	})
	if err != nil {
		return nil, err
	}

	return NewInstrumentedChannel(ch, d.telemetry), nil
}

// InstrumentedChannel wraps Channel with telemetry.
type InstrumentedChannel struct {
	ch        Channel
	telemetry *telemetry.Telemetry
}

// NewInstrumentedChannel creates a new instrumented channel.
func NewInstrumentedChannel(ch Channel, tel *telemetry.Telemetry) *InstrumentedChannel {
	return &InstrumentedChannel{ch: ch, telemetry: tel}
}

func (c *InstrumentedChannel) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	var info os.FileInfo

	err := c.telemetry.InstrumentChannelOperation(ctx, "stat", func(ctx context.Context) error {
		var err error

		info, err = c.ch.Stat(ctx, p)

		return err
	})

	return info, err
}

func (c *InstrumentedChannel) ListDir(ctx context.Context, p string) ([]string, error) {
	var names []string

	err := c.telemetry.InstrumentChannelOperation(ctx, "list_dir", func(ctx context.Context) error {
		var err error

		names, err = c.ch.ListDir(ctx, p)

		return err
	})

	return names, err
}

func (c *InstrumentedChannel) IsDir(ctx context.Context, p string) (bool, error) {
	var isDir bool

	err := c.telemetry.InstrumentChannelOperation(ctx, "is_dir", func(ctx context.Context) error {
		var err error

		isDir, err = c.ch.IsDir(ctx, p)

		return err
	})

	return isDir, err
}

func (c *InstrumentedChannel) Mkdir(ctx context.Context, p string) error {
	return c.telemetry.InstrumentChannelOperation(ctx, "mkdir", func(ctx context.Context) error {
		return c.ch.Mkdir(ctx, p)
	})
}

func (c *InstrumentedChannel) Put(ctx context.Context, localPath, remotePath string, onProgress ByteProgressFunc) error {
	return c.telemetry.InstrumentChannelOperation(ctx, "put", func(ctx context.Context) error {
		return c.ch.Put(ctx, localPath, remotePath, onProgress)
	})
}

func (c *InstrumentedChannel) Get(ctx context.Context, remotePath, localPath string, onProgress ByteProgressFunc) error {
	return c.telemetry.InstrumentChannelOperation(ctx, "get", func(ctx context.Context) error {
		return c.ch.Get(ctx, remotePath, localPath, onProgress)
	})
}

func (c *InstrumentedChannel) Remove(ctx context.Context, p string) error {
	return c.telemetry.InstrumentChannelOperation(ctx, "remove", func(ctx context.Context) error {
		return c.ch.Remove(ctx, p)
	})
}

// Exec runs a remote command with telemetry. A non-zero exit status counts as an error in metrics.
func (c *InstrumentedChannel) Exec(ctx context.Context, command string) (ExecResult, error) {
	var res ExecResult

	var err error

	_ = c.telemetry.InstrumentChannelOperation(ctx, "exec", func(ctx context.Context) error {
		res, err = c.ch.Exec(ctx, command)
		if err == nil && res.ExitStatus != 0 {
			return fmt.Errorf("remote command exited with status %d", res.ExitStatus)
		}

		return err
	})

	return res, err
}

func (c *InstrumentedChannel) Close() error {
	return c.ch.Close()
}
