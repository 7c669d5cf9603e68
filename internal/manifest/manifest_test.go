package manifest

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()

	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestLocal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "0123456789")
	writeFile(t, root, "sub/b.txt", "01234567890123456789")
	writeFile(t, root, "sub/deeper/c.bin", "c")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	m, err := Local(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []Entry{
		{Path: "a.txt", Kind: KindFile, Size: 10},
		{Path: "empty", Kind: KindDir},
		{Path: "sub", Kind: KindDir},
		{Path: "sub/b.txt", Kind: KindFile, Size: 20},
		{Path: "sub/deeper", Kind: KindDir},
		{Path: "sub/deeper/c.bin", Kind: KindFile, Size: 1},
	}, m.Entries)

	assert.Equal(t, []string{"a.txt", "sub/b.txt", "sub/deeper/c.bin"}, m.Paths(KindFile))
	assert.Equal(t, []string{"empty", "sub", "sub/deeper"}, m.Paths(KindDir))
	assert.Len(t, m.Files(), 3)
	assert.Len(t, m.Dirs(), 3)
	assert.Equal(t, int64(31), m.TotalBytes())
	assert.Empty(t, m.Skipped)
}

func TestLocal_IsDeterministic(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"z.txt", "m/1.txt", "a/2.txt", "a/b/3.txt"} {
		writeFile(t, root, rel, rel)
	}

	first, err := Local(context.Background(), root)
	require.NoError(t, err)

	second, err := Local(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, first.Entries, second.Entries)
}

func TestLocal_RootErrors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "file.txt", "x")

	_, err := Local(context.Background(), filepath.Join(root, "missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Local(context.Background(), filepath.Join(root, "file.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a directory")
}

// fakeLister is a tiny remote tree: dirs maps each directory to its children.
type fakeLister struct {
	dirs   map[string][]string
	files  map[string]bool
	denied map[string]bool
	// broken makes IsDir fail with the given error.
	broken map[string]error
}

func (f *fakeLister) ListDir(_ context.Context, p string) ([]string, error) {
	if f.denied[p] {
		return nil, errors.New("permission denied")
	}

	children, ok := f.dirs[p]
	if !ok {
		return nil, os.ErrNotExist
	}

	return slices.Clone(children), nil
}

func (f *fakeLister) IsDir(_ context.Context, p string) (bool, error) {
	if err, ok := f.broken[p]; ok {
		return false, err
	}

	if _, ok := f.dirs[p]; ok {
		return true, nil
	}

	if f.files[p] {
		return false, nil
	}

	return false, os.ErrNotExist
}

func newFakeLister(paths ...string) *fakeLister {
	f := &fakeLister{dirs: map[string][]string{"/srv": nil}, files: map[string]bool{}, denied: map[string]bool{}, broken: map[string]error{}}

	for _, p := range paths {
		isDir := strings.HasSuffix(p, "/")
		p = path.Clean(p)

		if isDir {
			if _, ok := f.dirs[p]; !ok {
				f.dirs[p] = nil
			}
		} else {
			f.files[p] = true
		}

		parent := path.Dir(p)
		f.dirs[parent] = append(f.dirs[parent], path.Base(p))
	}

	return f
}

func TestRemote(t *testing.T) {
	l := newFakeLister("/srv/sub/", "/srv/sub/b.txt", "/srv/a.txt", "/srv/sub/deeper/", "/srv/sub/deeper/c.bin")

	m, err := Remote(context.Background(), l, "/srv/")
	require.NoError(t, err)

	assert.Equal(t, "/srv", m.Root)
	assert.Equal(t, []Entry{
		{Path: "a.txt", Kind: KindFile},
		{Path: "sub", Kind: KindDir},
		{Path: "sub/b.txt", Kind: KindFile},
		{Path: "sub/deeper", Kind: KindDir},
		{Path: "sub/deeper/c.bin", Kind: KindFile},
	}, m.Entries)
}

func TestRemote_SkipsUnlistableSubtree(t *testing.T) {
	l := newFakeLister("/srv/a.txt", "/srv/private/", "/srv/private/secret.txt", "/srv/public/", "/srv/public/p.txt")
	l.denied["/srv/private"] = true

	m, err := Remote(context.Background(), l, "/srv")
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt", "public/p.txt"}, m.Paths(KindFile))
	assert.Equal(t, []string{"public"}, m.Paths(KindDir))
	assert.Equal(t, []string{"private"}, m.Skipped)
}

func TestRemote_RootFailures(t *testing.T) {
	l := newFakeLister("/srv/a.txt")

	_, err := Remote(context.Background(), l, "/nowhere")
	require.Error(t, err)

	_, err = Remote(context.Background(), l, "/srv/a.txt")
	require.ErrorIs(t, err, ErrNotDirectory)

	l.denied["/srv"] = true
	_, err = Remote(context.Background(), l, "/srv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list remote root")
}

var errLinkDown = errors.New("link down")

func TestRemote_AbortsOnSelectedFailures(t *testing.T) {
	l := newFakeLister("/srv/a.txt", "/srv/sub/", "/srv/sub/b.txt")
	l.broken["/srv/sub"] = errLinkDown

	abortOnLinkDown := WithAbortOn(func(err error) bool { return errors.Is(err, errLinkDown) })

	_, err := Remote(context.Background(), l, "/srv", abortOnLinkDown)
	require.ErrorIs(t, err, errLinkDown)
	assert.Contains(t, err.Error(), "failed to inspect remote path sub")

	// The same failure is skipped when the caller does not ask to abort on it.
	m, err := Remote(context.Background(), l, "/srv")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, m.Paths(KindFile))
	assert.Equal(t, []string{"sub"}, m.Skipped)
}

func TestRemote_AbortsOnCancellation(t *testing.T) {
	l := newFakeLister("/srv/a.txt", "/srv/sub/", "/srv/sub/b.txt")
	l.broken["/srv/sub"] = context.Canceled

	_, err := Remote(context.Background(), l, "/srv")
	require.ErrorIs(t, err, context.Canceled)
}
