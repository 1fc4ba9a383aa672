package local_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/storage/local"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "snapshots")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesNestedSnapshot", func(t *testing.T) {
		path := "snapshots/job-1/abc.html"
		uri, err := store.PutObject(ctx, path, "text/html", strings.NewReader("<html></html>"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, "<html></html>", string(data))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "text/html", strings.NewReader("data"))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.html", "text/html", strings.NewReader("data"))
		assert.ErrorIs(t, err, local.ErrPathTraversal)
	})

	t.Run("ReaderFailureLeavesNoFile", func(t *testing.T) {
		_, err := store.PutObject(ctx, "broken/page.html", "text/html", failingReader{})
		require.Error(t, err)
		entries, err := os.ReadDir(filepath.Join(tempDir, "broken"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.PutObject(canceled, "x.html", "text/html", strings.NewReader("data"))
		assert.ErrorIs(t, err, context.Canceled)
	})

	require.NoError(t, store.Ping(ctx))
}
