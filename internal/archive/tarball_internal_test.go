package archive

import (
	"archive/tar"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteEntry_ShrunkSourceFails(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	n, err := writeEntry(tw, strings.NewReader("abc"), &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     "log.txt",
		Mode:     0o644,
		Size:     10,
		ModTime:  time.Now(),
	})
	require.ErrorIs(t, err, ErrFileChanged)
	assert.Equal(t, int64(3), n)
	assert.Contains(t, err.Error(), "log.txt")
	assert.Contains(t, err.Error(), "read 3 of 10 bytes")
}

func TestWriteEntry_GrownSourceIsTruncated(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	n, err := writeEntry(tw, strings.NewReader("abcdef"), &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     "log.txt",
		Mode:     0o644,
		Size:     3,
		ModTime:  time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	assert.Equal(t, int64(3), n)

	tr := tar.NewReader(&buf)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(3), hdr.Size)

	var got bytes.Buffer
	_, err = got.ReadFrom(tr)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.String())
}
