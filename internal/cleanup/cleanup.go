package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/sftp_sync/internal/logctx"
)

// archivePrefixes are the artifact names written by the archive pipeline.
var archivePrefixes = []string{"upload_", "download_"}

const archiveSuffix = ".tar.gz"

// IsArchiveArtifact reports whether name looks like a pipeline artifact.
func IsArchiveArtifact(name string) bool {
	if !strings.HasSuffix(name, archiveSuffix) {
		return false
	}

	for _, prefix := range archivePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}

// DeleteExpiredArchives removes archive artifacts in dir last modified more than keepDuration ago.
// Artifacts are normally removed by the pipeline itself; this catches the ones a killed process left
// behind. Other files in dir are never touched.
func DeleteExpiredArchives(ctx context.Context, dir string, keepDuration time.Duration, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, err
	}

	deleted := 0

	for _, entry := range entries {
		if entry.IsDir() || !IsArchiveArtifact(entry.Name()) {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("Failed to stat archive", "file", filePath, "err", err)

			return deleted, err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete expired archive", "file", filePath, "err", err)

			return deleted, err
		}

		deleted++

		logger.Info("Deleted expired archive", "file", filePath, "size", humanize.Bytes(uint64(info.Size())))
	}

	return deleted, nil
}

// Sweeper periodically runs DeleteExpiredArchives.
type Sweeper struct {
	Dir          string
	KeepDuration time.Duration
	Interval     time.Duration
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		if _, err := DeleteExpiredArchives(ctx, s.Dir, s.KeepDuration, time.Now()); err != nil {
			logger.Error("failed to delete expired archives", "dir", s.Dir, "err", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return nil
		case <-ticker.C:
		}
	}
}
