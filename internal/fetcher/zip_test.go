package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestExtractZIP_DataFiles(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"Wells.csv":           "name,lat,lng\n9001,52.1,4.3\n",
		"9001.csv":            "date,oil\n2015-01-01,10\n",
		"__MACOSX/._9001.csv": "fork",
		"._Wells.csv":         "fork",
	})

	destDir := t.TempDir()
	extracted, err := ExtractZIP(zipPath, destDir)
	require.NoError(t, err)
	assert.Len(t, extracted, 2)

	data, err := os.ReadFile(filepath.Join(destDir, "9001.csv"))
	require.NoError(t, err)
	assert.Equal(t, "date,oil\n2015-01-01,10\n", string(data))
	assert.NoFileExists(t, filepath.Join(destDir, "._Wells.csv"))
}

func TestExtractZIP_RejectsEscapingPaths(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{"../../../etc/passwd": "x"})

	_, err := ExtractZIP(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal path")
}

func TestExtractZIP_WithSubdirectory(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "nested.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)

	w := zip.NewWriter(f)
	_, err = w.Create("data/")
	require.NoError(t, err)
	fw, err := w.Create("data/9001.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("date,oil\n")) //nolint:errcheck
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	destDir := t.TempDir()
	extracted, err := ExtractZIP(zipPath, destDir)
	require.NoError(t, err)
	assert.Len(t, extracted, 1)

	root, err := DataRoot(destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "data"), root)
	assert.FileExists(t, filepath.Join(root, "9001.csv"))
}

func TestDataRoot_FlatArchive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Wells.csv"), nil, 0o644))

	root, err := DataRoot(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, root)

	_, err = DataRoot(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestExtractZIP_InvalidArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notazip.zip")
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip"), 0o644))

	_, err := ExtractZIP(path, t.TempDir())
	require.Error(t, err)
}
