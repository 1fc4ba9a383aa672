package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler, prefix string) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "snapshots", Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/snapshots/o")
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html>")
		assert.Contains(t, string(body), "text/html")
		fmt.Fprintln(w, `{"name": "archive/job-1/abc.html", "bucket": "snapshots"}`)
	})
	store := newTestStore(t, handler, "/archive/")

	uri, err := store.PutObject(context.Background(), "job-1/abc.html", "text/html", strings.NewReader("<html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/archive/job-1/abc.html", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler, "")

	_, err := store.PutObject(context.Background(), "job-1/abc.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	t.Parallel()

	ok := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/snapshots")
		fmt.Fprintln(w, `{"name": "snapshots"}`)
	}), "")
	require.NoError(t, ok.Ping(context.Background()))

	missing := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}), "")
	require.Error(t, missing.Ping(context.Background()))
}
