package util

import (
	"archive/zip"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestZipOutputDirectory(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"001_a_cat.mp4":            "video",
		"001_a_cat.txt":            "a cat",
		"002_a_dog.mp4.crdownload": "partial",
		"nested/003_a_bird.png":    "image",
	})
	dest := filepath.Join(t.TempDir(), "out.zip")

	stats, err := ZipOutputDirectory(src, dest, &ZipOptions{Verbose: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a_cat.mp4", "001_a_cat.txt", "nested/003_a_bird.png"}, zipNames(t, dest))
	assert.Equal(t, 3, stats.FilesIncluded)
	assert.Equal(t, 1, stats.FilesExcluded)
	assert.Equal(t, []string{"002_a_dog.mp4.crdownload"}, stats.ExcludedPaths)
	assert.Equal(t, int64(len("video")+len("a cat")+len("image")), stats.BytesIncluded)
}

func TestZipOutputDirectory_MediaOnly(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"001_a_cat.mp4": "video",
		"001_a_cat.txt": "a cat",
	})
	dest := filepath.Join(t.TempDir(), "out.zip")

	stats, err := ZipOutputDirectory(src, dest, &ZipOptions{MediaOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a_cat.mp4"}, zipNames(t, dest))
	assert.Empty(t, stats.ExcludedPaths)
}

func TestZipOutputDirectory_SkipsArchiveInsideSource(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"001_a_cat.mp4": "video"})
	dest := filepath.Join(src, "run.zip")

	_, err := ZipOutputDirectory(src, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a_cat.mp4"}, zipNames(t, dest))
}

func TestZipOutputDirectory_MissingSource(t *testing.T) {
	_, err := ZipOutputDirectory(filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "out.zip"), nil)
	assert.Error(t, err)
}
