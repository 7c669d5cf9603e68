package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string, modTime time.Time) string {
	t.Helper()

	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(p, modTime, modTime))

	return p
}

func TestDeleteExpiredArchives(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	expiredUpload := touch(t, dir, "upload_1111.tar.gz", old)
	expiredDownload := touch(t, dir, "download_2222.tar.gz", old)
	fresh := touch(t, dir, "upload_3333.tar.gz", now.Add(-time.Minute))
	unrelated := touch(t, dir, "notes.tar.gz", old)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "upload_dir.tar.gz"), 0o755))

	deleted, err := DeleteExpiredArchives(context.Background(), dir, 24*time.Hour, now)
	require.NoError(t, err)

	assert.Equal(t, 2, deleted)
	assert.NoFileExists(t, expiredUpload)
	assert.NoFileExists(t, expiredDownload)
	assert.FileExists(t, fresh)
	assert.FileExists(t, unrelated)
	assert.DirExists(t, filepath.Join(dir, "upload_dir.tar.gz"))
}

func TestDeleteExpiredArchives_MissingDir(t *testing.T) {
	deleted, err := DeleteExpiredArchives(context.Background(), filepath.Join(t.TempDir(), "nope"), time.Hour, time.Now())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestIsArchiveArtifact(t *testing.T) {
	assert.True(t, IsArchiveArtifact("upload_abc.tar.gz"))
	assert.True(t, IsArchiveArtifact("download_abc.tar.gz"))
	assert.False(t, IsArchiveArtifact("upload_abc.zip"))
	assert.False(t, IsArchiveArtifact("backup.tar.gz"))
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	dir := t.TempDir()
	expired := touch(t, dir, "upload_old.tar.gz", time.Now().Add(-2*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- (&Sweeper{Dir: dir, KeepDuration: time.Hour, Interval: time.Hour}).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(expired)

		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
