package httpserver

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"serve/internal/catalog"
	"serve/internal/config"
)

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello, world"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "guide.txt"), []byte("guide"), 0o644))

	cfg := &config.Config{
		Port:        0,
		Root:        root,
		Token:       "testtoken",
		MaxFileSize: 1 << 20,
		AllowedExt:  []string{"txt", "bin"},
		Blacklist:   []string{".git"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(cfg, zap.NewNop(), "test")
	require.NoError(t, err)
	return srv, root
}

func doReq(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRootRedirectsToListing(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doReq(t, srv, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/list?id=root", rec.Header().Get("Location"))
}

func TestCommonHeaders(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doReq(t, srv, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "serve/test", rec.Header().Get("X-Powered-By"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestBrowseByPath(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doReq(t, srv, httptest.NewRequest("GET", "/hello.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello, world", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	rec = doReq(t, srv, httptest.NewRequest("GET", "/docs", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/list?id="+catalog.IDFor("docs"), rec.Header().Get("Location"))

	rec = doReq(t, srv, httptest.NewRequest("GET", "/missing.bin", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJSON(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/list?id=root", nil)
	req.Header.Set("Accept", "application/json")
	rec := doReq(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "root", resp.ID)
	assert.Equal(t, "", resp.Path)
	assert.Equal(t, "", resp.ParentID)
	require.Len(t, resp.Entries, 2)
	// Directories first.
	assert.Equal(t, "docs", resp.Entries[0].Name)
	assert.True(t, resp.Entries[0].IsDir)
	assert.Equal(t, "hello.txt", resp.Entries[1].Name)
	assert.Equal(t, "/download?id="+resp.Entries[1].ID, resp.Entries[1].URL)
	assert.EqualValues(t, 12, resp.Entries[1].SizeBytes)
}

func TestListSubdirHasParent(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/list?id="+catalog.IDFor("docs"), nil)
	req.Header.Set("Accept", "application/json")
	rec := doReq(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "root", resp.ParentID)
	assert.Equal(t, "docs", resp.Path)
}

func TestListHTML(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doReq(t, srv, httptest.NewRequest("GET", "/list?id=root", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "hello.txt")
	assert.Contains(t, rec.Body.String(), "/download?id=")
}

func TestListFileIDForwardsToDownload(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := catalog.IDFor("hello.txt")
	rec := doReq(t, srv, httptest.NewRequest("GET", "/list?id="+id, nil))
	assert.Equal(t, http.StatusPermanentRedirect, rec.Code)
	assert.Equal(t, "/download?id="+id, rec.Header().Get("Location"))
}

func TestDownloadRange(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := catalog.IDFor("hello.txt")

	rec := doReq(t, srv, httptest.NewRequest("GET", "/download?id="+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello, world", rec.Body.String())

	req := httptest.NewRequest("GET", "/download?id="+id, nil)
	req.Header.Set("Range", "bytes=7-11")
	rec = doReq(t, srv, req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "world", rec.Body.String())
	assert.Equal(t, "bytes 7-11/12", rec.Header().Get("Content-Range"))

	req = httptest.NewRequest("GET", "/download?id="+id, nil)
	req.Header.Set("Range", "bytes=100-200")
	rec = doReq(t, srv, req)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)

	rec = doReq(t, srv, httptest.NewRequest("HEAD", "/download?id="+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12", rec.Header().Get("Content-Length"))
}

func TestDownloadUnknownID(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doReq(t, srv, httptest.NewRequest("GET", "/download?id=0000000000000000000000000000", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInfo(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := catalog.IDFor("docs/guide.txt")
	rec := doReq(t, srv, httptest.NewRequest("GET", "/info?id="+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp infoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.ID)
	assert.Equal(t, "guide.txt", resp.Name)
	assert.Equal(t, "docs/guide.txt", resp.Path)
	assert.False(t, resp.IsDir)
	assert.EqualValues(t, 5, resp.SizeBytes)
	assert.Equal(t, "/download?id="+id, resp.DownloadURL)
}

func multipartBody(t *testing.T, field, filename string, content []byte, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range extra {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadMultipart(t *testing.T) {
	srv, root := newTestServer(t, nil)

	body, ct := multipartBody(t, "file", "new.txt", []byte("payload"), map[string]string{"dir": "docs"})
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Serve-Token", "testtoken")
	rec := doReq(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "new.txt", resp.Name)
	assert.Equal(t, "docs/new.txt", resp.Path)
	assert.EqualValues(t, 7, resp.Size)
	assert.Equal(t, "/download?id="+catalog.IDFor("docs/new.txt"), resp.Download)

	got, err := os.ReadFile(filepath.Join(root, "docs", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestUploadRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	body, ct := multipartBody(t, "file", "new.txt", []byte("x"), nil)
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := doReq(t, srv, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Empty configured token rejects even an empty presented token.
	srv2, _ := newTestServer(t, func(cfg *config.Config) { cfg.Token = "" })
	body, ct = multipartBody(t, "file", "new.txt", []byte("x"), nil)
	req = httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Serve-Token", "")
	rec = doReq(t, srv2, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadSizeCap(t *testing.T) {
	srv, root := newTestServer(t, func(cfg *config.Config) { cfg.MaxFileSize = 8 })

	// Exactly at the cap passes.
	body, ct := multipartBody(t, "file", "ok.bin", bytes.Repeat([]byte("a"), 8), nil)
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Serve-Token", "testtoken")
	rec := doReq(t, srv, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// One byte over fails and leaves nothing behind.
	body, ct = multipartBody(t, "file", "big.bin", bytes.Repeat([]byte("a"), 9), nil)
	req = httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Serve-Token", "testtoken")
	rec = doReq(t, srv, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "File too large")
	_, err := os.Stat(filepath.Join(root, "big.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestUploadExtensionPolicy(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	send := func(name string, hdr map[string]string) *httptest.ResponseRecorder {
		body, ct := multipartBody(t, "file", name, []byte("x"), nil)
		req := httptest.NewRequest("POST", "/upload", body)
		req.Header.Set("Content-Type", ct)
		req.Header.Set("X-Serve-Token", "testtoken")
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		return doReq(t, srv, req)
	}

	rec := send("bad.exe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "File type not allowed")

	rec = send("bad.exe", map[string]string{"X-Allow-All-Ext": "1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = send("noext", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send("noext", map[string]string{"X-Allow-No-Ext": "true"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadCollisionGetsSuffix(t *testing.T) {
	srv, root := newTestServer(t, nil)

	for i := 0; i < 2; i++ {
		body, ct := multipartBody(t, "file", "hello.txt", []byte("again"), nil)
		req := httptest.NewRequest("POST", "/upload", body)
		req.Header.Set("Content-Type", ct)
		req.Header.Set("X-Serve-Token", "testtoken")
		rec := doReq(t, srv, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// hello.txt existed already, so the two uploads landed next to it.
	_, err := os.Stat(filepath.Join(root, "hello-1.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "hello-2.txt"))
	assert.NoError(t, err)
}

func TestUploadStream(t *testing.T) {
	srv, root := newTestServer(t, nil)

	req := httptest.NewRequest("PUT", "/upload-stream?name=streamed.bin&dir=docs", strings.NewReader("streamed-bytes"))
	req.Header.Set("X-Serve-Token", "testtoken")
	rec := doReq(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := os.ReadFile(filepath.Join(root, "docs", "streamed.bin"))
	require.NoError(t, err)
	assert.Equal(t, "streamed-bytes", string(got))

	// Header name wins over query.
	req = httptest.NewRequest("PUT", "/upload-stream?name=ignored.bin", strings.NewReader("x"))
	req.Header.Set("X-Serve-Token", "testtoken")
	req.Header.Set("X-Upload-Filename", "hdr.bin")
	rec = doReq(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = os.Stat(filepath.Join(root, "hdr.bin"))
	assert.NoError(t, err)
}

func TestUploadSanitizesFilename(t *testing.T) {
	srv, root := newTestServer(t, nil)
	req := httptest.NewRequest("PUT", "/upload-stream?name=../../escape.txt", strings.NewReader("x"))
	req.Header.Set("X-Serve-Token", "testtoken")
	rec := doReq(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := os.Stat(filepath.Join(root, "escape.txt"))
	assert.NoError(t, err)
}

func TestDelete(t *testing.T) {
	srv, root := newTestServer(t, nil)
	id := catalog.IDFor("hello.txt")

	req := httptest.NewRequest("DELETE", "/delete?id="+id, nil)
	rec := doReq(t, srv, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("DELETE", "/delete?id="+id, nil)
	req.Header.Set("X-Serve-Token", "testtoken")
	rec = doReq(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := os.Stat(filepath.Join(root, "hello.txt"))
	assert.True(t, os.IsNotExist(err))

	// Gone now.
	req = httptest.NewRequest("DELETE", "/delete?id="+id, nil)
	req.Header.Set("X-Serve-Token", "testtoken")
	rec = doReq(t, srv, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The root itself is not deletable.
	req = httptest.NewRequest("DELETE", "/delete?id=root", nil)
	req.Header.Set("X-Serve-Token", "testtoken")
	rec = doReq(t, srv, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadDirectoryIsInvalid(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doReq(t, srv, httptest.NewRequest("GET", "/download?id="+catalog.IDFor("docs"), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteByPath(t *testing.T) {
	srv, root := newTestServer(t, nil)
	req := httptest.NewRequest("DELETE", "/delete?id=docs/guide.txt", nil)
	req.Header.Set("X-Serve-Token", "testtoken")
	rec := doReq(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "deleted", resp["status"])
	assert.Equal(t, "file", resp["type"])
	assert.Equal(t, "docs/guide.txt", resp["path"])
	_, err := os.Stat(filepath.Join(root, "docs", "guide.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestUploadDirByCatalogID(t *testing.T) {
	srv, root := newTestServer(t, nil)
	body, ct := multipartBody(t, "file", "by-id.txt", []byte("x"), nil)
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Serve-Token", "testtoken")
	req.Header.Set("X-Upload-Path", catalog.IDFor("docs"))
	rec := doReq(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, err := os.Stat(filepath.Join(root, "docs", "by-id.txt"))
	assert.NoError(t, err)
}

func TestDeleteByJSONBody(t *testing.T) {
	srv, root := newTestServer(t, nil)
	id := catalog.IDFor("docs/guide.txt")

	payload, _ := json.Marshal(map[string]string{"id": id})
	req := httptest.NewRequest("POST", "/delete", bytes.NewReader(payload))
	req.Header.Set("X-Serve-Token", "testtoken")
	rec := doReq(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := os.Stat(filepath.Join(root, "docs", "guide.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestBlacklistedPathHidden(t *testing.T) {
	srv, root := newTestServer(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644))

	rec := doReq(t, srv, httptest.NewRequest("GET", "/.git/HEAD", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest("GET", "/list?id=root", nil)
	req.Header.Set("Accept", "application/json")
	rec = doReq(t, srv, req)
	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	for _, e := range resp.Entries {
		assert.NotEqual(t, ".git", e.Name)
	}
}

func TestDotfilesAlwaysHidden(t *testing.T) {
	// No blacklist at all: dot-prefixed entries must still stay invisible.
	srv, root := newTestServer(t, func(cfg *config.Config) { cfg.Blacklist = nil })
	require.NoError(t, os.WriteFile(filepath.Join(root, ".secret"), []byte("x"), 0o644))

	req := httptest.NewRequest("GET", "/list?id=root", nil)
	req.Header.Set("Accept", "application/json")
	rec := doReq(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	for _, e := range resp.Entries {
		assert.NotEqual(t, ".secret", e.Name)
	}

	rec = doReq(t, srv, httptest.NewRequest("GET", "/.secret", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, srv, httptest.NewRequest("GET", "/download?id="+catalog.IDFor(".secret"), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCopyCapped(t *testing.T) {
	var dst bytes.Buffer
	n, err := copyCapped(&dst, strings.NewReader("12345"), 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	dst.Reset()
	_, err = copyCapped(&dst, strings.NewReader("123456"), 5)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", formatBytes(0))
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.00 KiB", formatBytes(1024))
	assert.Equal(t, "1.50 MiB", formatBytes(3<<20/2))
}
