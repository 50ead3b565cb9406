package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

// UploadResponse mirrors the server's upload acknowledgement.
type UploadResponse struct {
	Status      string `json:"status"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	CreatedDate string `json:"created_date"`
	MimeType    string `json:"mime_type"`
	Path        string `json:"path"`
	View        string `json:"view"`
	Download    string `json:"download"`
	PoweredBy   string `json:"powered_by"`
}

// UploadOptions tune one upload call.
type UploadOptions struct {
	// Dir is the destination directory on the share, slash-based.
	Dir string
	// Stream uses the raw PUT endpoint instead of multipart.
	Stream bool
	// AllowNoExt and AllowAllExt request policy bypasses the server may honor.
	AllowNoExt  bool
	AllowAllExt bool
}

// Upload sends one local path. Directories require Recursive in the engine
// options and upload their whole subtree, preserving layout under Dir.
func (e *Engine) Upload(ctx context.Context, localPath string, opts UploadOptions) ([]*UploadResponse, error) {
	st, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		resp, err := e.uploadOne(ctx, localPath, opts)
		if err != nil {
			return nil, err
		}
		return []*UploadResponse{resp}, nil
	}

	if !e.Opts.Recursive {
		return nil, fmt.Errorf("%s is a directory (use recursive upload)", localPath)
	}

	type job struct {
		local string
		dir   string
	}
	var jobs []job
	base := filepath.Base(filepath.Clean(localPath))
	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		dir := filepath.ToSlash(filepath.Join(base, filepath.Dir(rel)))
		if filepath.Dir(rel) == "." {
			dir = base
		}
		if opts.Dir != "" {
			dir = opts.Dir + "/" + dir
		}
		jobs = append(jobs, job{local: p, dir: dir})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].local < jobs[j].local })

	results := make([]*UploadResponse, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Opts.Parallel)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			o := opts
			o.Dir = j.dir
			resp, err := e.uploadOne(gctx, j.local, o)
			if err != nil {
				return fmt.Errorf("%s: %w", j.local, err)
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) uploadOne(ctx context.Context, localPath string, opts UploadOptions) (*UploadResponse, error) {
	var resp *UploadResponse
	err := withRetry(ctx, e.Opts.Retries, e.retryLog("upload"), func() error {
		var (
			r   *UploadResponse
			err error
		)
		if opts.Stream {
			r, err = e.Client.uploadStream(ctx, localPath, opts)
		} else {
			r, err = e.Client.uploadMultipart(ctx, localPath, opts)
		}
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.Client.logf("uploaded %s -> %s", localPath, resp.Path)
	return resp, nil
}

// uploadMultipart streams the file through a pipe as multipart form data,
// so large files never sit in memory.
func (c *Client) uploadMultipart(ctx context.Context, localPath string, opts UploadOptions) (*UploadResponse, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()
		if opts.Dir != "" {
			if werr = mw.WriteField("dir", opts.Dir); werr != nil {
				return
			}
		}
		part, err := mw.CreateFormFile("file", filepath.Base(localPath))
		if err != nil {
			werr = err
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			werr = err
			return
		}
		werr = mw.Close()
	}()

	req, err := c.newRequest(ctx, http.MethodPost, c.BaseURL+"/upload", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	setPolicyHeaders(req, opts)
	return c.doUpload(req)
}

// uploadStream sends the raw file body to the PUT endpoint.
func (c *Client) uploadStream(ctx context.Context, localPath string, opts UploadOptions) (*UploadResponse, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	q := url.Values{"name": {filepath.Base(localPath)}}
	if opts.Dir != "" {
		q.Set("dir", opts.Dir)
	}
	req, err := c.newRequest(ctx, http.MethodPut, c.endpoint("/upload-stream", q), f)
	if err != nil {
		return nil, err
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Upload-Filename", filepath.Base(localPath))
	setPolicyHeaders(req, opts)
	return c.doUpload(req)
}

func setPolicyHeaders(req *http.Request, opts UploadOptions) {
	if opts.AllowNoExt {
		req.Header.Set("X-Allow-No-Ext", "1")
	}
	if opts.AllowAllExt {
		req.Header.Set("X-Allow-All-Ext", "1")
	}
}

func (c *Client) doUpload(req *http.Request) (*UploadResponse, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
