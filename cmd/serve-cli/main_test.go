package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"serve/internal/catalog"
	"serve/internal/config"
	"serve/internal/httpserver"
	"serve/internal/transfer"
)

func startShare(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "one.txt"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "two.txt"), []byte("two!"), 0o644))

	cfg := &config.Config{
		Root:        root,
		Token:       "tkn",
		MaxFileSize: 1 << 20,
		AllowedExt:  []string{"txt"},
	}
	srv, err := httpserver.New(cfg, zap.NewNop(), "test")
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, root
}

func TestDownloadAllContinuesPastFailures(t *testing.T) {
	ts, _ := startShare(t)
	dest := t.TempDir()
	eng := transfer.NewEngine(transfer.NewClient(ts.URL, "tkn"), transfer.Options{DestDir: dest})

	var out bytes.Buffer
	err := downloadAll(context.Background(), eng, []string{
		catalog.IDFor("one.txt"),
		"0000000000000000000000000000",
		catalog.IDFor("two.txt"),
	}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3")

	// The bad target did not stop its siblings.
	got, rerr := os.ReadFile(filepath.Join(dest, "one.txt"))
	require.NoError(t, rerr)
	assert.Equal(t, "one", string(got))
	got, rerr = os.ReadFile(filepath.Join(dest, "two.txt"))
	require.NoError(t, rerr)
	assert.Equal(t, "two!", string(got))
}

func TestDownloadAllSucceeds(t *testing.T) {
	ts, _ := startShare(t)
	dest := t.TempDir()
	eng := transfer.NewEngine(transfer.NewClient(ts.URL, "tkn"), transfer.Options{DestDir: dest})

	var out bytes.Buffer
	err := downloadAll(context.Background(), eng, []string{
		catalog.IDFor("one.txt"),
		catalog.IDFor("two.txt"),
	}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "saved "+filepath.Join(dest, "one.txt"))
	assert.Contains(t, out.String(), "saved "+filepath.Join(dest, "two.txt"))
}

func TestDownloadOutRejectsMultipleTargets(t *testing.T) {
	// Validated before any client is built, so no server is needed.
	err := cmdDownload(context.Background(), []string{"-O", "out.bin", "id1", "id2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--out")
}

func TestDeleteAllContinuesPastFailures(t *testing.T) {
	ts, root := startShare(t)
	c := transfer.NewClient(ts.URL, "tkn")

	var out bytes.Buffer
	err := deleteAll(context.Background(), c, []string{
		"0000000000000000000000000000",
		catalog.IDFor("two.txt"),
	}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")

	_, serr := os.Stat(filepath.Join(root, "two.txt"))
	assert.True(t, os.IsNotExist(serr))
	assert.Contains(t, out.String(), "deleted /two.txt")
}
