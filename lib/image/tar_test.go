package image

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildLayerTarDeterministic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello"), []byte("hi\n"), 0644))

	entries := []LayerEntry{
		{SourcePath: filepath.Join(dir, "hello"), ExtractionPath: "/hello", Mode: 0644, ModifiedTime: time.Unix(1, 0)},
	}

	var a, b bytes.Buffer
	require.NoError(t, BuildLayerTar(entries, &a))
	require.NoError(t, BuildLayerTar(entries, &b))
	require.True(t, bytes.Equal(a.Bytes(), b.Bytes()), "identical inputs must produce byte-identical tar output")

	tr := tar.NewReader(bytes.NewReader(a.Bytes()))
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "hello", hdr.Name)
	require.Equal(t, int64(0), hdr.Uid)
	require.Equal(t, int64(0), hdr.Gid)
	content, err := io.ReadAll(tr)
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(content))

	_, err = tr.Next()
	require.Equal(t, io.EOF, err)
}

func TestBuildLayerTarSortedByExtractionPath(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"zeta", "alpha", "mu"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte(n), 0644))
	}

	entries := []LayerEntry{
		{SourcePath: filepath.Join(dir, "zeta"), ExtractionPath: "/z"},
		{SourcePath: filepath.Join(dir, "alpha"), ExtractionPath: "/a"},
		{SourcePath: filepath.Join(dir, "mu"), ExtractionPath: "/m"},
	}

	var buf bytes.Buffer
	require.NoError(t, BuildLayerTar(entries, &buf))

	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	require.Equal(t, []string{"a", "m", "z"}, names)
}

func TestBuildLayerTarDirectoryEntryNotRecursive(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "child"), []byte("x"), 0644))

	entries := []LayerEntry{{SourcePath: sub, ExtractionPath: "/sub"}}
	var buf bytes.Buffer
	require.NoError(t, BuildLayerTar(entries, &buf))

	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, byte(tar.TypeDir), hdr.Typeflag)
	require.Equal(t, "sub/", hdr.Name)

	_, err = tr.Next()
	require.Equal(t, io.EOF, err, "child files not explicitly listed must not appear")
}
