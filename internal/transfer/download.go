package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Collision selects what happens when the destination file already exists.
type Collision int

const (
	// CollisionOverwrite replaces the existing file.
	CollisionOverwrite Collision = iota
	// CollisionSkip leaves the existing file alone.
	CollisionSkip
	// CollisionDup writes next to it under a "-N" suffixed name.
	CollisionDup
)

// Limits on the two concurrency dimensions.
const (
	MaxConnections = 16
	MaxParallel    = 8
)

// Options tune a transfer run.
type Options struct {
	// Connections is the number of ranged connections per file, 1..16.
	Connections int
	// Parallel is the number of files in flight at once, 1..8.
	Parallel int
	// Retries is the attempt budget per operation.
	Retries int
	// Collision picks the policy for existing destination files.
	Collision Collision
	// OutPath forces the destination path. Only valid for a single file.
	OutPath string
	// DestDir is the directory downloads land in. Defaults to ".".
	DestDir string
	// Recursive enables directory transfers.
	Recursive bool
}

func (o Options) normalized() Options {
	if o.Connections < 1 {
		o.Connections = 1
	}
	if o.Connections > MaxConnections {
		o.Connections = MaxConnections
	}
	if o.Parallel < 1 {
		o.Parallel = 1
	}
	if o.Parallel > MaxParallel {
		o.Parallel = MaxParallel
	}
	if o.Retries < 1 {
		o.Retries = DefaultRetries
	}
	if o.DestDir == "" {
		o.DestDir = "."
	}
	return o
}

// Engine runs downloads and uploads against one server.
type Engine struct {
	Client *Client
	Opts   Options
}

func NewEngine(c *Client, opts Options) *Engine {
	return &Engine{Client: c, Opts: opts.normalized()}
}

// Result describes one finished file transfer.
type Result struct {
	Path    string // local path
	Size    int64
	Skipped bool
}

// Download fetches the entry with the given ID. Directories require
// Recursive and download into DestDir preserving their layout.
func (e *Engine) Download(ctx context.Context, id string) ([]Result, error) {
	info, err := e.Client.Info(ctx, id)
	if err != nil {
		return nil, err
	}
	if !info.IsDir {
		res, err := e.downloadOne(ctx, e.Client.BaseURL+info.DownloadURL, e.Opts.DestDir, info.Name, e.Opts.OutPath)
		if err != nil {
			return nil, err
		}
		return []Result{res}, nil
	}

	if !e.Opts.Recursive {
		return nil, fmt.Errorf("%s is a directory (use recursive download)", info.Name)
	}
	if e.Opts.OutPath != "" {
		return nil, errors.New("an explicit output path only applies to a single file")
	}

	files, err := e.enumerate(ctx, id, info.Name)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Opts.Parallel)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			dir := filepath.Join(e.Opts.DestDir, filepath.FromSlash(f.relDir))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			res, err := e.downloadOne(gctx, f.url, dir, f.name, "")
			if err != nil {
				return fmt.Errorf("%s: %w", path.Join(f.relDir, f.name), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type remoteFile struct {
	url    string
	relDir string // slash-based, includes the top directory name
	name   string
}

// enumerate walks remote listings breadth-first and returns every file in
// the subtree.
func (e *Engine) enumerate(ctx context.Context, id, topName string) ([]remoteFile, error) {
	type dirNode struct {
		id  string
		rel string
	}
	queue := []dirNode{{id: id, rel: topName}}
	var files []remoteFile
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		listing, err := e.Client.List(ctx, n.id)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", n.rel, err)
		}
		for _, ent := range listing.Entries {
			if ent.IsDir {
				queue = append(queue, dirNode{id: ent.ID, rel: path.Join(n.rel, ent.Name)})
				continue
			}
			files = append(files, remoteFile{
				url:    e.Client.BaseURL + ent.URL,
				relDir: n.rel,
				name:   ent.Name,
			})
		}
	}
	return files, nil
}

// downloadOne transfers a single file with resume and the collision policy
// applied. outPath, when non-empty, overrides the destination.
func (e *Engine) downloadOne(ctx context.Context, urlStr, destDir, name, outPath string) (Result, error) {
	final := outPath
	if final == "" {
		final = filepath.Join(destDir, name)
	}

	if _, err := os.Lstat(final); err == nil {
		switch e.Opts.Collision {
		case CollisionSkip:
			e.Client.logf("skip %s (exists)", final)
			return Result{Path: final, Skipped: true}, nil
		case CollisionDup:
			final = nextAvailable(final)
		}
	}

	var probe *Probe
	err := withRetry(ctx, e.Opts.Retries, e.retryLog("probe"), func() error {
		p, err := e.Client.ProbeFile(ctx, urlStr)
		if err != nil {
			return err
		}
		probe = p
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if probe.Size == 0 {
		if err := os.WriteFile(final, nil, 0o644); err != nil {
			return Result{}, err
		}
		return Result{Path: final}, nil
	}

	if probe.Size < 0 || !probe.AcceptRanges {
		// No ranges, no resume: one plain streamed GET.
		if err := e.downloadStream(ctx, urlStr, final); err != nil {
			return Result{}, err
		}
		st, _ := os.Stat(final)
		var n int64
		if st != nil {
			n = st.Size()
		}
		return Result{Path: final, Size: n}, nil
	}

	if err := e.downloadRanged(ctx, urlStr, final, probe.Size); err != nil {
		return Result{}, err
	}
	return Result{Path: final, Size: probe.Size}, nil
}

// downloadStream fetches the whole body in one connection, restarting from
// scratch on retryable failures.
func (e *Engine) downloadStream(ctx context.Context, urlStr, final string) error {
	tmp := TempPath(filepath.Dir(final), filepath.Base(final))
	err := withRetry(ctx, e.Opts.Retries, e.retryLog("download"), func() error {
		req, err := e.Client.newRequest(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return err
		}
		resp, err := e.Client.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return err
		}
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		_, cerr := io.Copy(f, resp.Body)
		if err := f.Close(); cerr == nil {
			cerr = err
		}
		return cerr
	})
	if err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// downloadRanged splits the file into ranges and fetches them concurrently
// into a shared preallocated temp file, persisting progress so an
// interrupted run resumes where it stopped.
func (e *Engine) downloadRanged(ctx context.Context, urlStr, final string, total int64) error {
	plan := BuildRangePlan(total, e.Opts.Connections)
	tmp := TempPath(filepath.Dir(final), filepath.Base(final))
	statePath := StatePath(tmp)

	st, resumed := loadState(statePath, total, plan)
	if resumed {
		if fi, err := os.Stat(tmp); err != nil || fi.Size() != total {
			resumed = false
		}
	}
	if !resumed {
		st = newState(statePath, total, plan)
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if !resumed {
		if err := f.Truncate(total); err != nil {
			return err
		}
		if err := st.Save(); err != nil {
			return err
		}
	}

	if resumed {
		e.Client.logf("resuming %s (%d bytes left of %d)", final, st.Remaining(), total)
	} else {
		e.Client.logf("downloading %s (%d bytes, %d connections)", final, total, len(plan))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Opts.Connections)
	for i := range plan {
		i := i
		g.Go(func() error {
			return withRetry(gctx, e.Opts.Retries, e.retryLog(fmt.Sprintf("part %d", i+1)), func() error {
				return e.downloadPart(gctx, urlStr, f, st, i)
			})
		})
	}
	if err := g.Wait(); err != nil {
		// Progress is on disk; the next run picks it up.
		return err
	}

	if err := f.Sync(); err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() != total {
		return fmt.Errorf("size mismatch after download: got %d want %d", fi.Size(), total)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return err
	}
	st.Discard()
	return nil
}

// downloadPart fetches one range from its current offset, writing at the
// absolute position so parts never interleave.
func (e *Engine) downloadPart(ctx context.Context, urlStr string, f *os.File, st *DownloadState, part int) error {
	r := ByteRange{Start: st.Parts[part].Start, End: st.Parts[part].End}
	done := st.Offset(part)
	if r.Start+done >= r.End {
		return nil
	}
	from := r.Start + done

	req, err := e.Client.newRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, r.End-1))
	resp, err := e.Client.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		if err := checkStatus(resp); err != nil {
			return err
		}
		return fmt.Errorf("server ignored range request (status %d)", resp.StatusCode)
	}

	buf := make([]byte, 256*1024)
	offset := from
	for offset < r.End {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if int64(n) > r.End-offset {
				return fmt.Errorf("server sent more than the requested range")
			}
			if _, werr := f.WriteAt(buf[:n], offset); werr != nil {
				return werr
			}
			offset += int64(n)
			if serr := st.Advance(part, int64(n)); serr != nil {
				return serr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if offset != r.End {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (e *Engine) retryLog(what string) func(int, error) {
	return func(attempt int, err error) {
		e.Client.logf("%s failed (attempt %d/%d): %v, retrying", what, attempt, e.Opts.Retries, err)
	}
}

// nextAvailable returns the first unused "stem-N.ext" variant of a path.
func nextAvailable(p string) string {
	dir := filepath.Dir(p)
	base := filepath.Base(p)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		cand := filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
		if _, err := os.Lstat(cand); os.IsNotExist(err) {
			return cand
		}
	}
}
