package httpserver

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"serve/internal/auth"
	"serve/internal/catalog"
	"serve/internal/fsutil"
)

// Upload control headers. Header values win over form fields and query
// parameters carrying the same setting.
const (
	headerUploadPath = "X-Upload-Path"
	headerUploadDir  = "X-Upload-Dir"
	headerUploadName = "X-Upload-Filename"
	headerAllowNoExt = "X-Allow-No-Ext"
	headerAllowAll   = "X-Allow-All-Ext"
)

// uploadDirFromHeaders returns the destination directory named by the
// request headers, "" when absent.
func uploadDirFromHeaders(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerUploadPath)); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get(headerUploadDir))
}

// handleUpload accepts one file as multipart form data.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.httpError(w, r, errMethod)
		return
	}
	if err := auth.Authorize(s.cfg.Token, r); err != nil {
		s.httpError(w, r, err)
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		s.httpError(w, r, fsutil.ErrInvalid)
		return
	}

	dir := uploadDirFromHeaders(r)
	if dir == "" {
		dir = r.URL.Query().Get("dir")
	}
	var part *multipart.Part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.httpError(w, r, fsutil.ErrInvalid)
			return
		}
		if p.FileName() != "" {
			part = p
			break
		}
		// A "dir"/"path" field before the file part selects the
		// destination, unless a header or the query already did.
		name := p.FormName()
		if (name == "dir" || name == "path") && dir == "" {
			b, _ := io.ReadAll(io.LimitReader(p, 4096))
			dir = strings.TrimSpace(string(b))
		}
		_ = p.Close()
	}
	if part == nil {
		s.httpError(w, r, fsutil.ErrInvalid)
		return
	}
	defer part.Close()

	s.storeUpload(w, r, part.FileName(), dir, part)
}

// handleUploadStream accepts a raw body via PUT, for clients that stream
// without multipart framing.
func (s *Server) handleUploadStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		s.httpError(w, r, errMethod)
		return
	}
	if err := auth.Authorize(s.cfg.Token, r); err != nil {
		s.httpError(w, r, err)
		return
	}
	q := r.URL.Query()
	name := strings.TrimSpace(r.Header.Get(headerUploadName))
	if name == "" {
		name = q.Get("name")
	}
	dir := uploadDirFromHeaders(r)
	if dir == "" {
		dir = q.Get("dir")
	}
	if dir == "" {
		dir = q.Get("path")
	}
	defer r.Body.Close()
	s.storeUpload(w, r, name, dir, r.Body)
}

// storeUpload applies the extension policy and the size cap, then writes
// the body to a temp file in the destination directory and renames it into
// place. Callers already authenticated the request.
func (s *Server) storeUpload(w http.ResponseWriter, r *http.Request, rawName, rawDir string, body io.Reader) {
	name, err := fsutil.SecureFilename(rawName)
	if err != nil {
		s.httpError(w, r, err)
		return
	}

	bypassAll := truthyHeader(r, headerAllowAll) || truthy(r.URL.Query().Get("allow_all_ext"))
	bypassNoExt := truthyHeader(r, headerAllowNoExt) || truthy(r.URL.Query().Get("allow_no_ext"))
	if !s.cfg.ExtAllowed(fsutil.Ext(name), bypassAll, bypassNoExt) {
		s.httpError(w, r, ErrDisallowedType)
		return
	}

	dirRel, err := s.resolveDirTarget(rawDir)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	dirAbs, err := fsutil.ResolveWithinRoot(s.cfg.Root, dirRel)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	if err := os.MkdirAll(dirAbs, 0o755); err != nil {
		s.httpError(w, r, err)
		return
	}

	dstAbs, name := nextAvailablePath(dirAbs, name)

	tmp, err := os.CreateTemp(dirAbs, ".upload-*")
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	tmpName := tmp.Name()
	written, err := copyCapped(tmp, body, s.cfg.MaxFileSize)
	cerr := tmp.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		s.httpError(w, r, err)
		return
	}
	if err := os.Rename(tmpName, dstAbs); err != nil {
		_ = os.Remove(tmpName)
		s.httpError(w, r, err)
		return
	}

	rel := joinRel(dirRel, name)
	id := catalog.IDFor(rel)
	s.log.Info("uploaded",
		zap.String("path", rel),
		zap.Int64("size", written),
		zap.String("remote", r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, uploadResponse{
		Status:      "ok",
		Name:        name,
		Size:        written,
		CreatedDate: time.Now().UTC().Format(time.RFC3339),
		MimeType:    s.contentTypeFor(catalog.Entry{Rel: rel, Name: name}),
		Path:        rel,
		View:        "/download?id=" + id + "&view=true",
		Download:    "/download?id=" + id,
		PoweredBy:   PoweredBy + "/" + s.version,
	})
}

type uploadResponse struct {
	Status      string `json:"status"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	CreatedDate string `json:"created_date"`
	MimeType    string `json:"mime_type,omitempty"`
	Path        string `json:"path"`
	View        string `json:"view"`
	Download    string `json:"download"`
	PoweredBy   string `json:"powered_by"`
}

// resolveDirTarget interprets an upload destination that may be either a
// catalog ID of an existing directory or a relative path.
func (s *Server) resolveDirTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if looksLikeID(raw) {
		e, err := s.cat.Resolve(raw)
		if err == nil {
			if !e.IsDir {
				return "", fsutil.ErrInvalid
			}
			return e.Rel, nil
		}
	}
	return fsutil.CleanRelPath(raw), nil
}

// looksLikeID matches the root sentinel or a 26-character catalog ID.
func looksLikeID(v string) bool {
	if strings.EqualFold(v, catalog.RootID) {
		return true
	}
	if len(v) != 26 || strings.ContainsAny(v, "/.") {
		return false
	}
	return true
}

// copyCapped copies up to max bytes and fails with ErrTooLarge when the
// source holds more. The cap is enforced in flight, not from a declared
// length, so a lying Content-Length cannot bypass it.
func copyCapped(dst io.Writer, src io.Reader, max int64) (int64, error) {
	n, err := io.Copy(dst, io.LimitReader(src, max+1))
	if err != nil {
		return n, err
	}
	if n > max {
		return n, ErrTooLarge
	}
	return n, nil
}

// nextAvailablePath returns a collision-free destination, suffixing the
// stem with -1, -2, ... until the name is unused.
func nextAvailablePath(dirAbs, name string) (string, string) {
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		abs := filepath.Join(dirAbs, candidate)
		if _, err := os.Lstat(abs); os.IsNotExist(err) {
			return abs, candidate
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "allow":
		return true
	}
	return false
}

func truthyHeader(r *http.Request, name string) bool {
	return truthy(r.Header.Get(name))
}
