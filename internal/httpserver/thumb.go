package httpserver

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"serve/internal/catalog"
	"serve/internal/fsutil"
)

const thumbMax = 256

// handleThumb serves a small jpeg preview for image entries, cached on disk
// keyed by catalog ID and mtime.
func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	e, err := s.cat.Resolve(r.URL.Query().Get("id"))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	if e.IsDir || !isImageName(e.Name) {
		s.httpError(w, r, catalog.ErrNotFound)
		return
	}
	abs, err := fsutil.ResolveWithinRoot(s.cfg.Root, e.Rel)
	if err != nil {
		s.httpError(w, r, err)
		return
	}

	cacheDir := filepath.Join(os.TempDir(), "serve-thumbs")
	_ = os.MkdirAll(cacheDir, 0o755)
	cachePath := filepath.Join(cacheDir, fmt.Sprintf("%s-%d.jpg", e.ID, e.MTime))
	if b, err := os.ReadFile(cachePath); err == nil {
		serveThumbBytes(w, b)
		return
	}

	b, err := makeThumb(abs, thumbMax)
	if err != nil {
		s.httpError(w, r, catalog.ErrNotFound)
		return
	}
	_ = os.WriteFile(cachePath, b, 0o644)
	serveThumbBytes(w, b)
}

func serveThumbBytes(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(b)
}

func isImageName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// makeThumb scales the image so its longer side is at most max pixels and
// encodes it as jpeg.
func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}

	nw, nh := w, h
	if w >= h && w > max {
		nw = max
		nh = int(float64(h) * (float64(max) / float64(w)))
	} else if h > w && h > max {
		nh = max
		nw = int(float64(w) * (float64(max) / float64(h)))
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
