package jsonfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/italolelis/sftp_sync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveLoadClear(t *testing.T) {
	ctx := context.Background()

	s, err := New(filepath.Join(t.TempDir(), "progress"))
	require.NoError(t, err)

	key := storage.Key{Direction: storage.Upload, Root: "/home/me/data"}

	got, err := s.Completed(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Save(ctx, key, []string{"sub/b.txt", "a.txt", "a.txt"}))

	got, err = s.Completed(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, got)

	all, err := s.Load(ctx, storage.Upload)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"/home/me/data": {"a.txt", "sub/b.txt"}}, all)

	require.NoError(t, s.Clear(ctx, key))

	got, err = s.Completed(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_DirectionsAreSeparateNamespaces(t *testing.T) {
	ctx := context.Background()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	up := storage.Key{Direction: storage.Upload, Root: "/data"}
	down := storage.Key{Direction: storage.Download, Root: "/data"}

	require.NoError(t, s.Save(ctx, up, []string{"a.txt"}))
	require.NoError(t, s.Save(ctx, down, []string{"z.bin"}))

	gotUp, err := s.Completed(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, gotUp)

	gotDown, err := s.Completed(ctx, down)
	require.NoError(t, err)
	assert.Equal(t, []string{"z.bin"}, gotDown)

	assert.FileExists(t, s.Path(storage.Upload))
	assert.FileExists(t, s.Path(storage.Download))
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := storage.Key{Direction: storage.Download, Root: "/remote/data"}

	first, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, key, []string{"a.txt"}))

	second, err := New(dir)
	require.NoError(t, err)

	got, err := second.Completed(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, got)
}

func TestStore_IgnoresLeftoverTempFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := storage.Key{Direction: storage.Upload, Root: "/data"}

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, key, []string{"a.txt"}))

	// A crash between creating the temp file and renaming it leaves a truncated temp behind.
	require.NoError(t, os.WriteFile(s.Path(storage.Upload)+tmpExt, []byte(`{"/data": ["a.t`), filePerm))

	got, err := s.Completed(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, got)

	require.NoError(t, s.Save(ctx, key, []string{"a.txt", "b.txt"}))
	assert.NoFileExists(t, s.Path(storage.Upload)+tmpExt)

	raw, err := os.ReadFile(s.Path(storage.Upload))
	require.NoError(t, err)

	var doc map[string][]string
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, []string{"a.txt", "b.txt"}, doc["/data"])
}

func TestStore_RejectsUnknownDirection(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	err = s.Save(context.Background(), storage.Key{Direction: "sideways", Root: "/x"}, nil)
	require.ErrorIs(t, err, storage.ErrInvalidDirection)
}

func TestStore_CorruptDocument(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(storage.Upload), []byte("{not json"), filePerm))

	_, err = s.Load(context.Background(), storage.Upload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode upload progress")
}
