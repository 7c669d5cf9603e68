// Package manifest enumerates a source tree into an ordered snapshot of relative paths.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/italolelis/sftp_sync/internal/logctx"
)

// Kind classifies a manifest entry.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}

	return "file"
}

// Entry is one item of a tree, identified by its forward-slash path relative to the root.
type Entry struct {
	Path string
	Kind Kind
	Size int64
}

func (e Entry) IsDir() bool {
	return e.Kind == KindDir
}

// Manifest is the snapshot of a tree computed once per session. Directories always precede the
// entries they contain.
type Manifest struct {
	Root    string
	Entries []Entry
	// Skipped lists subtrees that could not be read and were left out.
	Skipped []string
}

// Files returns the file entries in manifest order.
func (m Manifest) Files() []Entry {
	return m.filter(KindFile)
}

// Dirs returns the directory entries in manifest order.
func (m Manifest) Dirs() []Entry {
	return m.filter(KindDir)
}

// TotalBytes sums the sizes of all files. Remote manifests carry no sizes.
func (m Manifest) TotalBytes() int64 {
	var total int64

	for _, e := range m.Entries {
		if e.Kind == KindFile {
			total += e.Size
		}
	}

	return total
}

// Paths returns the relative paths of the entries of kind k.
func (m Manifest) Paths(k Kind) []string {
	entries := m.filter(k)
	out := make([]string, 0, len(entries))

	for _, e := range entries {
		out = append(out, e.Path)
	}

	return out
}

func (m Manifest) filter(k Kind) []Entry {
	out := make([]Entry, 0, len(m.Entries))

	for _, e := range m.Entries {
		if e.Kind == k {
			out = append(out, e)
		}
	}

	return out
}

// Local walks root on the local filesystem. The root must be an existing directory; unreadable
// subtrees below it are logged and skipped.
func Local(ctx context.Context, root string) (Manifest, error) {
	logger := logctx.LoggerFromContext(ctx).With("root", root)

	info, err := os.Stat(root)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to stat local root: %w", err)
	}

	if !info.IsDir() {
		return Manifest{}, fmt.Errorf("local root %s is not a directory", root)
	}

	m := Manifest{Root: root}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}

			rel, _ := relative(root, p)
			logger.WarnContext(ctx, "skipping unreadable path", "path", rel, "err", err)
			m.Skipped = append(m.Skipped, rel)

			if d != nil && d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if p == root {
			return nil
		}

		rel, err := relative(root, p)
		if err != nil {
			return err
		}

		entry, ok := localEntry(p, rel, d)
		if !ok {
			logger.DebugContext(ctx, "skipping non-regular file", "path", rel, "mode", d.Type().String())

			return nil
		}

		m.Entries = append(m.Entries, entry)

		return nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to walk local root: %w", err)
	}

	return m, nil
}

// localEntry classifies a walked path. Symlinks count only when they resolve to a regular file;
// linked directories are not followed.
func localEntry(p, rel string, d fs.DirEntry) (Entry, bool) {
	if d.IsDir() {
		return Entry{Path: rel, Kind: KindDir}, true
	}

	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return Entry{}, false
	}

	return Entry{Path: rel, Kind: KindFile, Size: info.Size()}, true
}

func relative(root, p string) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", p, err)
	}

	return filepath.ToSlash(rel), nil
}

// Lister is the part of a remote channel the enumerator needs. IsDir must give an unambiguous
// answer for an existing path.
type Lister interface {
	ListDir(ctx context.Context, p string) ([]string, error)
	IsDir(ctx context.Context, p string) (bool, error)
}

// ErrNotDirectory is returned when a remote root exists but is a file.
var ErrNotDirectory = errors.New("not a directory")

// RemoteOption configures Remote.
type RemoteOption func(*remoteWalker)

// WithAbortOn makes Remote stop with an error instead of skipping the subtree whenever abort
// reports true for a listing or classification failure below the root. Context errors always abort.
func WithAbortOn(abort func(error) bool) RemoteOption {
	return func(w *remoteWalker) {
		w.abort = abort
	}
}

// Remote walks root through l, depth first with names sorted per directory. Failing to list the
// root is fatal; failing to list or classify anything below it is logged and the subtree skipped,
// unless the failure is one the caller asked to abort on.
func Remote(ctx context.Context, l Lister, root string, opts ...RemoteOption) (Manifest, error) {
	root = path.Clean(root)

	isDir, err := l.IsDir(ctx, root)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to inspect remote root: %w", err)
	}

	if !isDir {
		return Manifest{}, fmt.Errorf("remote root %s: %w", root, ErrNotDirectory)
	}

	names, err := l.ListDir(ctx, root)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to list remote root: %w", err)
	}

	m := Manifest{Root: root}
	w := &remoteWalker{l: l, root: root, m: &m}

	for _, opt := range opts {
		opt(w)
	}

	if err := w.walk(ctx, "", names); err != nil {
		return Manifest{}, err
	}

	return m, nil
}

type remoteWalker struct {
	l     Lister
	root  string
	m     *Manifest
	abort func(error) bool
}

func (w *remoteWalker) mustAbort(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return w.abort != nil && w.abort(err)
}

func (w *remoteWalker) walk(ctx context.Context, rel string, names []string) error {
	logger := logctx.LoggerFromContext(ctx)

	slices.Sort(names)

	for _, name := range names {
		if name == "." || name == ".." || name == "" {
			continue
		}

		childRel := path.Join(rel, name)
		full := path.Join(w.root, childRel)

		isDir, err := w.l.IsDir(ctx, full)
		if err != nil {
			if w.mustAbort(err) {
				return fmt.Errorf("failed to inspect remote path %s: %w", childRel, err)
			}

			logger.WarnContext(ctx, "skipping remote path", "path", childRel, "err", err)
			w.m.Skipped = append(w.m.Skipped, childRel)

			continue
		}

		if !isDir {
			w.m.Entries = append(w.m.Entries, Entry{Path: childRel, Kind: KindFile})

			continue
		}

		children, err := w.l.ListDir(ctx, full)
		if err != nil {
			if w.mustAbort(err) {
				return fmt.Errorf("failed to list remote directory %s: %w", childRel, err)
			}

			logger.WarnContext(ctx, "skipping unlistable remote directory", "path", childRel, "err", err)
			w.m.Skipped = append(w.m.Skipped, childRel)

			continue
		}

		w.m.Entries = append(w.m.Entries, Entry{Path: childRel, Kind: KindDir})

		if err := w.walk(ctx, childRel, children); err != nil {
			return err
		}
	}

	return nil
}
