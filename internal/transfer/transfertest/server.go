// Package transfertest provides an in-memory remote host for exercising code built on transfer.Channel.
package transfertest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/sftp_sync/internal/transfer"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel closed")

type failure struct {
	op    string
	path  string
	times int
	err   error
}

// ExecFunc handles a remote command.
type ExecFunc func(ctx context.Context, s *Server, command string) (transfer.ExecResult, error)

// Server is an in-memory remote filesystem. Channels dialed from it share its state; local paths
// given to Put and Get refer to the real filesystem.
type Server struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	failures []*failure
	dialErrs []error
	ops      []string
	dials    int
	open     int
	exec     ExecFunc
}

// NewServer returns an empty server whose filesystem holds only "/".
func NewServer() *Server {
	return &Server{
		files: map[string][]byte{},
		dirs:  map[string]bool{"/": true, ".": true},
	}
}

// OnExec installs the handler for Exec. Without one, every command exits with status 127.
func (s *Server) OnExec(fn ExecFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exec = fn
}

// FailDial makes the next len(errs) dials fail with errs in order.
func (s *Server) FailDial(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dialErrs = append(s.dialErrs, errs...)
}

// Fail makes the next times calls of op on p fail with err. An empty p matches every path and a
// negative times never expires.
func (s *Server) Fail(op, p string, times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p != "" {
		p = path.Clean(p)
	}

	s.failures = append(s.failures, &failure{op: op, path: p, times: times, err: err})
}

// WriteFile stores data at p, creating parent directories.
func (s *Server) WriteFile(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = path.Clean(p)
	s.mkdirAll(path.Dir(p))
	s.files[p] = slices.Clone(data)
}

// MkdirAll creates p and its parents.
func (s *Server) MkdirAll(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mkdirAll(path.Clean(p))
}

// ReadFile returns the content stored at p.
func (s *Server) ReadFile(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[path.Clean(p)]

	return slices.Clone(data), ok
}

// Files returns every file path below root, sorted.
func (s *Server) Files(root string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	root = path.Clean(root)

	var out []string

	for p := range s.files {
		if root == "/" || root == "." || strings.HasPrefix(p, root+"/") {
			out = append(out, p)
		}
	}

	slices.Sort(out)

	return out
}

// HasDir reports whether p is a directory.
func (s *Server) HasDir(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dirs[path.Clean(p)]
}

// Ops returns the operation log, one "<op> <path>" line per channel call.
func (s *Server) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.ops)
}

// Count returns how many logged operations are op.
func (s *Server) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, line := range s.ops {
		if strings.HasPrefix(line, op+" ") {
			n++
		}
	}

	return n
}

// Dials returns the number of dial attempts.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dials
}

// OpenChannels returns the number of channels not yet closed.
func (s *Server) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.open
}

// Dial implements transfer.Dialer.
func (s *Server) Dial(_ context.Context, _ transfer.Credentials) (transfer.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++

	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]

		return nil, err
	}

	s.open++

	return &channel{s: s}, nil
}

func (s *Server) mkdirAll(p string) {
	for p != "/" && p != "." && !s.dirs[p] {
		s.dirs[p] = true
		p = path.Dir(p)
	}
}

// record logs the call and returns the injected failure for it, if any. Callers hold s.mu.
func (s *Server) record(op, p string) error {
	s.ops = append(s.ops, op+" "+p)

	for _, f := range s.failures {
		if f.op != op || (f.path != "" && f.path != p) || f.times == 0 {
			continue
		}

		if f.times > 0 {
			f.times--
		}

		return f.err
	}

	return nil
}

func (s *Server) children(dir string) []string {
	var names []string

	for _, set := range []map[string]bool{s.dirs, toSet(s.files)} {
		for p := range set {
			if p != dir && path.Dir(p) == dir {
				names = append(names, path.Base(p))
			}
		}
	}

	slices.Sort(names)

	return slices.Compact(names)
}

func toSet(files map[string][]byte) map[string]bool {
	set := make(map[string]bool, len(files))
	for p := range files {
		set[p] = true
	}

	return set
}

type channel struct {
	s      *Server
	closed bool
}

func notFound(p string) error {
	return &transfer.PathError{Path: p, Reason: "no such file", Err: os.ErrNotExist}
}

// begin cleans p, logs the call and reports an injected or closed-channel failure.
func (c *channel) begin(op, p string) (string, error) {
	if p != "" {
		p = path.Clean(p)
	}

	if err := c.s.record(op, p); err != nil {
		return p, err
	}

	if c.closed {
		return p, &transfer.ConnectionError{Operation: op, Err: ErrClosed}
	}

	return p, nil
}

func (c *channel) Stat(_ context.Context, p string) (os.FileInfo, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	p, err := c.begin("stat", p)
	if err != nil {
		return nil, err
	}

	if c.s.dirs[p] {
		return fileInfo{name: path.Base(p), dir: true}, nil
	}

	if data, ok := c.s.files[p]; ok {
		return fileInfo{name: path.Base(p), size: int64(len(data))}, nil
	}

	return nil, notFound(p)
}

func (c *channel) ListDir(_ context.Context, p string) ([]string, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	p, err := c.begin("list", p)
	if err != nil {
		return nil, err
	}

	if !c.s.dirs[p] {
		return nil, notFound(p)
	}

	return c.s.children(p), nil
}

func (c *channel) IsDir(_ context.Context, p string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	p, err := c.begin("isdir", p)
	if err != nil {
		return false, err
	}

	if c.s.dirs[p] {
		return true, nil
	}

	if _, ok := c.s.files[p]; ok {
		return false, nil
	}

	return false, notFound(p)
}

func (c *channel) Mkdir(_ context.Context, p string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	p, err := c.begin("mkdir", p)
	if err != nil {
		return err
	}

	if c.s.dirs[p] {
		return &transfer.PathError{Path: p, Reason: "already exists", Err: fs.ErrExist}
	}

	if !c.s.dirs[path.Dir(p)] {
		return notFound(path.Dir(p))
	}

	c.s.dirs[p] = true

	return nil
}

func (c *channel) Put(_ context.Context, localPath, remotePath string, onProgress transfer.ByteProgressFunc) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	remotePath, err := c.begin("put", remotePath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return &transfer.PathError{Path: localPath, Reason: "cannot read local file", Err: err}
	}

	if !c.s.dirs[path.Dir(remotePath)] {
		return notFound(path.Dir(remotePath))
	}

	c.s.files[remotePath] = data

	if onProgress != nil {
		onProgress(int64(len(data)), int64(len(data)))
	}

	return nil
}

func (c *channel) Get(_ context.Context, remotePath, localPath string, onProgress transfer.ByteProgressFunc) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	remotePath, err := c.begin("get", remotePath)
	if err != nil {
		return err
	}

	data, ok := c.s.files[remotePath]
	if !ok {
		return notFound(remotePath)
	}

	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return &transfer.PathError{Path: localPath, Reason: "cannot write local file", Err: err}
	}

	if onProgress != nil {
		onProgress(int64(len(data)), int64(len(data)))
	}

	return nil
}

func (c *channel) Remove(_ context.Context, p string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	p, err := c.begin("remove", p)
	if err != nil {
		return err
	}

	if _, ok := c.s.files[p]; !ok {
		return notFound(p)
	}

	delete(c.s.files, p)

	return nil
}

// Exec runs the installed handler without holding the server lock, so handlers may use the
// Server's helpers.
func (c *channel) Exec(ctx context.Context, command string) (transfer.ExecResult, error) {
	c.s.mu.Lock()

	err := c.s.record("exec", command)
	if err == nil && c.closed {
		err = &transfer.ConnectionError{Operation: "exec", Err: ErrClosed}
	}

	handler := c.s.exec

	c.s.mu.Unlock()

	if err != nil {
		return transfer.ExecResult{}, err
	}

	if handler == nil {
		return transfer.ExecResult{ExitStatus: 127, Stderr: "command not found"}, nil
	}

	return handler(ctx, c.s, command)
}

func (c *channel) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if c.closed {
		return fmt.Errorf("close: %w", ErrClosed)
	}

	c.closed = true
	c.s.open--

	return nil
}

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (fi fileInfo) Name() string { return fi.name }
func (fi fileInfo) Size() int64  { return fi.size }
func (fi fileInfo) Mode() os.FileMode {
	if fi.dir {
		return os.ModeDir | 0o755
	}

	return 0o644
}
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return fi.dir }
func (fi fileInfo) Sys() any           { return nil }
