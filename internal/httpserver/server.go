// Package httpserver exposes the share over HTTP: browsing by path, JSON
// and HTML directory listings by catalog ID, ranged downloads, token-gated
// uploads and deletes, and small extras (info, thumbnails, health).
package httpserver

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"serve/internal/auth"
	"serve/internal/catalog"
	"serve/internal/config"
	"serve/internal/fsutil"
)

// PoweredBy is advertised in the X-Powered-By header and listing footers.
const PoweredBy = "serve"

// ErrTooLarge means an upload exceeded the configured size cap.
var ErrTooLarge = errors.New("file too large")

// ErrDisallowedType means an upload extension failed the policy.
var ErrDisallowedType = errors.New("file type not allowed")

//go:embed web/index.html
var embeddedWeb embed.FS

type Server struct {
	cfg     *config.Config
	cat     *catalog.Catalog
	log     *zap.Logger
	version string
	listTpl *template.Template
}

func New(cfg *config.Config, log *zap.Logger, version string) (*Server, error) {
	tpl, err := template.ParseFS(embeddedWeb, "web/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse listing template: %w", err)
	}
	cat := catalog.New(cfg.Root)
	cat.Hide = cfg.Hidden
	return &Server{
		cfg:     cfg,
		cat:     cat,
		log:     log,
		version: version,
		listTpl: tpl,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	gz := gzhttp.GzipHandler

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})

	mux.Handle("/list", gz(http.HandlerFunc(s.handleList)))
	mux.Handle("/info", gz(http.HandlerFunc(s.handleInfo)))
	mux.HandleFunc("/download", s.handleDownload)
	mux.HandleFunc("/thumb", s.handleThumb)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/upload-stream", s.handleUploadStream)
	mux.HandleFunc("/delete", s.handleDelete)

	// Everything else is direct browsing by path.
	mux.HandleFunc("/", s.handleBrowse)

	return s.withCommonHeaders(s.withLogging(mux))
}

func (s *Server) withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Powered-By", PoweredBy+"/"+s.version)
		h.Set("Accept-Ranges", "bytes")
		h.Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

// --- browsing and listings ---

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.httpError(w, r, errMethod)
		return
	}
	if r.URL.Path == "/" {
		http.Redirect(w, r, "/list?id="+catalog.RootID, http.StatusFound)
		return
	}
	rel := fsutil.CleanRelPath(r.URL.Path)
	if s.hiddenPath(rel) {
		s.httpError(w, r, catalog.ErrNotFound)
		return
	}
	e, err := s.cat.Stat(rel)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	if e.IsDir {
		http.Redirect(w, r, "/list?id="+e.ID, http.StatusFound)
		return
	}
	s.serveFile(w, r, e)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = catalog.RootID
	}
	e, err := s.cat.Resolve(id)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	if !e.IsDir {
		// A file ID on the listing endpoint forwards to the download,
		// preserving the method.
		http.Redirect(w, r, "/download?id="+e.ID, http.StatusPermanentRedirect)
		return
	}
	entries, err := s.cat.List(e.Rel)
	if err != nil {
		s.httpError(w, r, err)
		return
	}

	if wantsJSON(r) {
		resp := listResponse{
			Path:      e.Rel,
			ID:        e.ID,
			PoweredBy: PoweredBy + "/" + s.version,
			Entries:   make([]listEntry, 0, len(entries)),
		}
		if parent, ok := fsutil.ParentRel(e.Rel); ok {
			resp.ParentID = catalog.IDFor(parent)
		}
		for _, c := range entries {
			resp.Entries = append(resp.Entries, s.toListEntry(c))
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	type row struct {
		ID, Name, SizeHuman, Modified string
		IsDir                         bool
	}
	data := struct {
		Path      string
		Parent    string
		PoweredBy string
		Entries   []row
	}{
		Path:      e.Rel,
		PoweredBy: PoweredBy + "/" + s.version,
	}
	if parent, ok := fsutil.ParentRel(e.Rel); ok {
		data.Parent = catalog.IDFor(parent)
	}
	for _, c := range entries {
		data.Entries = append(data.Entries, row{
			ID:        c.ID,
			Name:      c.Name,
			SizeHuman: formatBytes(c.Size),
			Modified:  time.Unix(c.MTime, 0).Format("2006-01-02 15:04"),
			IsDir:     c.IsDir,
		})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.listTpl.Execute(w, data); err != nil {
		s.log.Warn("render listing", zap.Error(err))
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	e, err := s.cat.Resolve(r.URL.Query().Get("id"))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	resp := infoResponse{
		ID:        e.ID,
		Name:      e.Name,
		Path:      e.Rel,
		IsDir:     e.IsDir,
		SizeBytes: e.Size,
		Size:      formatBytes(e.Size),
		Modified:  time.Unix(e.MTime, 0).UTC().Format(time.RFC3339),
		MimeType:  s.contentTypeFor(e),
	}
	if parent, ok := fsutil.ParentRel(e.Rel); ok {
		resp.ParentID = catalog.IDFor(parent)
	}
	if e.IsDir {
		resp.ListURL = "/list?id=" + e.ID
	} else {
		resp.DownloadURL = "/download?id=" + e.ID
		resp.ViewURL = "/download?id=" + e.ID + "&view=true"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.httpError(w, r, errMethod)
		return
	}
	e, err := s.cat.Resolve(r.URL.Query().Get("id"))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	if e.IsDir {
		// Directories are listed, not downloaded.
		s.httpError(w, r, fsutil.ErrInvalid)
		return
	}
	s.serveFile(w, r, e)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, e catalog.Entry) {
	abs, err := fsutil.ResolveWithinRoot(s.cfg.Root, e.Rel)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	f, err := os.Open(abs)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		s.httpError(w, r, err)
		return
	}

	ct := s.contentTypeFor(e)
	if ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	disposition := "attachment"
	if isInlineView(r) && inlineViewable(ct) {
		disposition = "inline"
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, e.Name))

	if r.Method == http.MethodGet {
		s.log.Info("downloading",
			zap.String("path", e.Rel),
			zap.Int64("size", st.Size()),
			zap.String("range", r.Header.Get("Range")),
			zap.String("remote", r.RemoteAddr),
		)
	}
	http.ServeContent(w, r, e.Name, st.ModTime(), f)
}

// --- delete ---

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete && r.Method != http.MethodPost {
		s.httpError(w, r, errMethod)
		return
	}
	if err := auth.Authorize(s.cfg.Token, r); err != nil {
		s.httpError(w, r, err)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			id = body.ID
		}
	}
	if id == "" || strings.EqualFold(id, catalog.RootID) {
		s.httpError(w, r, fsutil.ErrInvalid)
		return
	}
	e, err := s.resolveTarget(id)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	if e.Rel == "" {
		s.httpError(w, r, fsutil.ErrInvalid)
		return
	}
	abs, err := fsutil.ResolveWithinRoot(s.cfg.Root, e.Rel)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		s.httpError(w, r, err)
		return
	}
	kind := "file"
	if e.IsDir {
		kind = "directory"
	}
	s.log.Info("deleted", zap.String("path", e.Rel), zap.Bool("dir", e.IsDir))
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     e.ID,
		"path":   e.Rel,
		"type":   kind,
		"status": "deleted",
	})
}

// resolveTarget accepts either a catalog ID or a relative path.
func (s *Server) resolveTarget(idOrPath string) (catalog.Entry, error) {
	if looksLikeID(idOrPath) {
		if e, err := s.cat.Resolve(idOrPath); err == nil {
			return e, nil
		}
	}
	rel := fsutil.CleanRelPath(idOrPath)
	if rel == "" {
		return catalog.Entry{}, catalog.ErrNotFound
	}
	if s.hiddenPath(rel) {
		return catalog.Entry{}, catalog.ErrNotFound
	}
	return s.cat.Stat(rel)
}

// --- shared helpers ---

var errMethod = errors.New("method not allowed")

func (s *Server) httpError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, os.ErrNotExist):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, fsutil.ErrOutsideRoot):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, fsutil.ErrInvalid):
		status, msg = http.StatusBadRequest, "invalid request"
	case errors.Is(err, ErrTooLarge):
		status, msg = http.StatusRequestEntityTooLarge, "File too large"
	case errors.Is(err, ErrDisallowedType):
		status, msg = http.StatusBadRequest, "File type not allowed"
	case errors.Is(err, errMethod):
		status, msg = http.StatusMethodNotAllowed, "method not allowed"
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func wantsJSON(r *http.Request) bool {
	if r.URL.Query().Get("format") == "json" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// hiddenPath reports whether any component of rel is blacklisted.
func (s *Server) hiddenPath(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg != "" && s.cfg.Hidden(seg) {
			return true
		}
	}
	return false
}

type listEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      string `json:"size"`
	SizeBytes int64  `json:"size_bytes"`
	Modified  string `json:"modified"`
	URL       string `json:"url"`
	IsDir     bool   `json:"is_dir"`
	MimeType  string `json:"mime_type,omitempty"`
}

type listResponse struct {
	Path      string      `json:"path"`
	ID        string      `json:"id"`
	ParentID  string      `json:"parent_id,omitempty"`
	Entries   []listEntry `json:"entries"`
	PoweredBy string      `json:"powered_by"`
}

type infoResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDir       bool   `json:"is_dir"`
	SizeBytes   int64  `json:"size_bytes"`
	Size        string `json:"size"`
	Modified    string `json:"modified"`
	MimeType    string `json:"mime_type,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	ListURL     string `json:"list_url,omitempty"`
	ViewURL     string `json:"view_url,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *Server) toListEntry(e catalog.Entry) listEntry {
	le := listEntry{
		ID:        e.ID,
		Name:      e.Name,
		Size:      formatBytes(e.Size),
		SizeBytes: e.Size,
		Modified:  time.Unix(e.MTime, 0).UTC().Format(time.RFC3339),
		IsDir:     e.IsDir,
	}
	if e.IsDir {
		le.Size = ""
		le.URL = "/list?id=" + e.ID
	} else {
		le.URL = "/download?id=" + e.ID
		le.MimeType = s.contentTypeFor(e)
	}
	return le
}

// contentTypeFor prefers the extension table and falls back to content
// sniffing for extensionless or unknown files.
func (s *Server) contentTypeFor(e catalog.Entry) string {
	if e.IsDir {
		return ""
	}
	if ext := filepath.Ext(e.Name); ext != "" {
		if ct := mime.TypeByExtension(strings.ToLower(ext)); ct != "" {
			return ct
		}
	}
	abs, err := fsutil.JoinWithinRoot(s.cfg.Root, e.Rel)
	if err != nil {
		return "application/octet-stream"
	}
	mt, err := mimetype.DetectFile(abs)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

func isInlineView(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("view")) {
	case "1", "true", "yes", "inline":
		return true
	}
	return false
}

func inlineViewable(ct string) bool {
	switch {
	case strings.HasPrefix(ct, "image/"),
		strings.HasPrefix(ct, "video/"),
		strings.HasPrefix(ct, "audio/"),
		strings.HasPrefix(ct, "text/"),
		ct == "application/pdf":
		return true
	}
	return false
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return path.Join(parent, name)
}
