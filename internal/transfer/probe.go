package transfer

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// Probe describes what the server told us about a downloadable file before
// any payload moved.
type Probe struct {
	// Size is the total byte length, or -1 when the server would not say.
	Size int64
	// AcceptRanges is true when the server honors byte ranges.
	AcceptRanges bool
	// Name is the server's suggested filename, "" when absent.
	Name string
}

// ProbeFile asks the server about a download URL: first HEAD, then a one
// byte ranged GET for servers that answer HEAD poorly.
func (c *Client) ProbeFile(ctx context.Context, urlStr string) (*Probe, error) {
	req, err := c.newRequest(ctx, http.MethodHead, urlStr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if serr := checkStatus(resp); serr == nil {
			p := &Probe{Size: -1}
			if resp.ContentLength >= 0 {
				p.Size = resp.ContentLength
			}
			p.AcceptRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
			p.Name = dispositionName(resp.Header.Get("Content-Disposition"))
			if p.Size >= 0 {
				return p, nil
			}
		}
	}
	return c.probeRanged(ctx, urlStr)
}

// probeRanged issues GET with "bytes=0-0" and reads the total from
// Content-Range. A 200 answer means the server ignores ranges.
func (c *Client) probeRanged(ctx context.Context, urlStr string) (*Probe, error) {
	req, err := c.newRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total, err := totalFromContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, err
		}
		return &Probe{
			Size:         total,
			AcceptRanges: true,
			Name:         dispositionName(resp.Header.Get("Content-Disposition")),
		}, nil
	case http.StatusOK:
		size := int64(-1)
		if resp.ContentLength >= 0 {
			size = resp.ContentLength
		}
		return &Probe{
			Size: size,
			Name: dispositionName(resp.Header.Get("Content-Disposition")),
		}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// Empty file: "bytes */0".
		if total, err := totalFromContentRange(resp.Header.Get("Content-Range")); err == nil {
			return &Probe{Size: total, AcceptRanges: true}, nil
		}
		return nil, checkStatus(resp)
	default:
		return nil, checkStatus(resp)
	}
}

func totalFromContentRange(v string) (int64, error) {
	// "bytes 0-0/12345" or "bytes */12345"
	v = strings.TrimSpace(v)
	idx := strings.LastIndexByte(v, '/')
	if !strings.HasPrefix(v, "bytes") || idx < 0 {
		return 0, fmt.Errorf("unparseable Content-Range %q", v)
	}
	totalStr := v[idx+1:]
	if totalStr == "*" {
		return 0, fmt.Errorf("server did not report a total length")
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil || total < 0 {
		return 0, fmt.Errorf("unparseable Content-Range %q", v)
	}
	return total, nil
}

func dispositionName(v string) string {
	if v == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return params["filename"]
}
