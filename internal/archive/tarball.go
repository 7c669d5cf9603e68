package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/italolelis/sftp_sync/internal/logctx"
	"github.com/italolelis/sftp_sync/internal/manifest"
	"github.com/klauspost/compress/gzip"
)

// Stats describes what an archive step processed.
type Stats struct {
	Files int
	Dirs  int
	Bytes int64
	// Skipped lists files that vanished between enumeration and archiving.
	Skipped []string
}

// ErrFileChanged is returned when a file shrinks while it is being archived.
var ErrFileChanged = errors.New("file changed while archiving")

// ErrIllegalPath is returned for archive entries that would land outside the extraction target.
var ErrIllegalPath = errors.New("illegal path in archive")

// Build writes the entries of m, read from root, to w as a gzip-compressed tar. onBytes receives the
// cumulative number of content bytes archived after each file. Files that disappeared since m was
// taken are skipped; a file that shrinks mid-copy fails the build with ErrFileChanged.
func Build(ctx context.Context, root string, m manifest.Manifest, w io.Writer, onBytes func(int64)) (Stats, error) {
	logger := logctx.LoggerFromContext(ctx)

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	var stats Stats

	for _, e := range m.Entries {
		src := filepath.Join(root, filepath.FromSlash(e.Path))

		info, err := os.Stat(src)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.WarnContext(ctx, "skipping vanished entry", "path", e.Path)
				stats.Skipped = append(stats.Skipped, e.Path)

				continue
			}

			return stats, fmt.Errorf("failed to stat %s: %w", e.Path, err)
		}

		if e.IsDir() {
			if err := writeDir(tw, e.Path, info); err != nil {
				return stats, err
			}

			stats.Dirs++

			continue
		}

		n, err := writeFile(tw, src, e.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.WarnContext(ctx, "skipping vanished entry", "path", e.Path)
				stats.Skipped = append(stats.Skipped, e.Path)

				continue
			}

			return stats, err
		}

		stats.Files++
		stats.Bytes += n

		if onBytes != nil {
			onBytes(stats.Bytes)
		}
	}

	if err := tw.Close(); err != nil {
		return stats, fmt.Errorf("failed to finish tar stream: %w", err)
	}

	if err := gz.Close(); err != nil {
		return stats, fmt.Errorf("failed to finish gzip stream: %w", err)
	}

	return stats, nil
}

func writeDir(tw *tar.Writer, name string, info fs.FileInfo) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     int64(info.Mode().Perm()),
		ModTime:  info.ModTime(),
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}

	return nil
}

// writeFile archives src with the size of the open handle, so a file growing during the copy cannot
// corrupt the stream.
func writeFile(tw *tar.Writer, src, name string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	return writeEntry(tw, f, &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	})
}

// writeEntry copies exactly hdr.Size bytes of r after the header. A tar header commits to its size,
// so a source that ends early cannot be skipped any more and fails with ErrFileChanged.
func writeEntry(tw *tar.Writer, r io.Reader, hdr *tar.Header) (int64, error) {
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("failed to write header for %s: %w", hdr.Name, err)
	}

	n, err := io.CopyN(tw, r, hdr.Size)
	if errors.Is(err, io.EOF) {
		return n, fmt.Errorf("failed to archive %s: %w (read %d of %d bytes)", hdr.Name, ErrFileChanged, n, hdr.Size)
	}

	if err != nil {
		return n, fmt.Errorf("failed to archive %s: %w", hdr.Name, err)
	}

	return n, nil
}

// Extract unpacks a gzip-compressed tar from r into dest, creating dest if needed. Entries whose
// path would escape dest are rejected; links and special files are ignored.
func Extract(ctx context.Context, r io.Reader, dest string) (Stats, error) {
	logger := logctx.LoggerFromContext(ctx)

	var stats Stats

	gz, err := gzip.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return stats, fmt.Errorf("failed to create extraction target: %w", err)
	}

	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}

		if err != nil {
			return stats, fmt.Errorf("failed to read tar stream: %w", err)
		}

		target, ok, err := entryTarget(dest, hdr.Name)
		if err != nil {
			return stats, err
		}

		if !ok {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return stats, fmt.Errorf("failed to create %s: %w", hdr.Name, err)
			}

			stats.Dirs++
		case tar.TypeReg:
			n, err := extractFile(tr, target, hdr)
			if err != nil {
				return stats, err
			}

			stats.Files++
			stats.Bytes += n
		default:
			logger.DebugContext(ctx, "ignoring archive entry", "name", hdr.Name, "type", string(hdr.Typeflag))
		}
	}
}

// entryTarget resolves an archive name below dest. ok is false for the archive's own root entry.
func entryTarget(dest, name string) (string, bool, error) {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	if clean == "." || clean == "" {
		return "", false, nil
	}

	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false, fmt.Errorf("%w: %s", ErrIllegalPath, name)
	}

	target := filepath.Join(dest, filepath.FromSlash(clean))

	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false, fmt.Errorf("%w: %s", ErrIllegalPath, name)
	}

	return target, true, nil
}

func extractFile(r io.Reader, target string, hdr *tar.Header) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create parent of %s: %w", hdr.Name, err)
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode(hdr))
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", hdr.Name, err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()

		return n, fmt.Errorf("failed to write %s: %w", hdr.Name, err)
	}

	if err := f.Close(); err != nil {
		return n, fmt.Errorf("failed to close %s: %w", hdr.Name, err)
	}

	return n, nil
}

func dirMode(hdr *tar.Header) os.FileMode {
	if perm := os.FileMode(hdr.Mode).Perm(); perm != 0 {
		return perm | 0o700
	}

	return 0o755
}

func fileMode(hdr *tar.Header) os.FileMode {
	if perm := os.FileMode(hdr.Mode).Perm(); perm != 0 {
		return perm | 0o600
	}

	return 0o644
}
