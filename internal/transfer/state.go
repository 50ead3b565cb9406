package transfer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// PartProgress tracks one range of a partial download. Downloaded counts
// bytes already written at the front of the range, so a resume continues at
// Start+Downloaded.
type PartProgress struct {
	Start      int64 `json:"start"`
	End        int64 `json:"end"`
	Downloaded int64 `json:"downloaded"`
}

// DownloadState is the JSON sidecar persisted next to a partial download.
// A resume only reuses it when Total and the part layout still match.
type DownloadState struct {
	Total     int64          `json:"total"`
	PartCount int            `json:"part_count"`
	Parts     []PartProgress `json:"parts"`

	mu   sync.Mutex
	path string
}

// TempPath returns the hidden temp file a download writes into before the
// final rename: "<dir>/.<name>.tmp".
func TempPath(dir, name string) string {
	return filepath.Join(dir, "."+name+".tmp")
}

// StatePath returns the sidecar path for a temp file.
func StatePath(tempPath string) string {
	return tempPath + ".state"
}

// newState builds a fresh sidecar for a planned download.
func newState(path string, total int64, plan []ByteRange) *DownloadState {
	st := &DownloadState{
		Total:     total,
		PartCount: len(plan),
		Parts:     make([]PartProgress, len(plan)),
		path:      path,
	}
	for i, r := range plan {
		st.Parts[i] = PartProgress{Start: r.Start, End: r.End}
	}
	return st
}

// loadState reads an existing sidecar and validates it against the current
// plan. Any mismatch or corruption yields (nil, false) and the caller
// starts over.
func loadState(path string, total int64, plan []ByteRange) (*DownloadState, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var st DownloadState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, false
	}
	if st.Total != total || st.PartCount != len(plan) || len(st.Parts) != len(plan) {
		return nil, false
	}
	for i, r := range plan {
		p := st.Parts[i]
		if p.Start != r.Start || p.End != r.End {
			return nil, false
		}
		if p.Downloaded < 0 || p.Downloaded > r.Len() {
			return nil, false
		}
	}
	st.path = path
	return &st, true
}

// Advance records progress on one part and persists the sidecar. Persisting
// after every chunk keeps the on-disk state at most one buffer behind the
// temp file.
func (st *DownloadState) Advance(part int, n int64) error {
	st.mu.Lock()
	st.Parts[part].Downloaded += n
	err := st.saveLocked()
	st.mu.Unlock()
	return err
}

// Offset returns how many bytes of a part are already on disk.
func (st *DownloadState) Offset(part int) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.Parts[part].Downloaded
}

// Remaining reports how many bytes are still missing overall.
func (st *DownloadState) Remaining() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	var missing int64
	for _, p := range st.Parts {
		missing += (p.End - p.Start) - p.Downloaded
	}
	return missing
}

func (st *DownloadState) saveLocked() error {
	b, err := json.MarshalIndent(struct {
		Total     int64          `json:"total"`
		PartCount int            `json:"part_count"`
		Parts     []PartProgress `json:"parts"`
	}{st.Total, st.PartCount, st.Parts}, "", "  ")
	if err != nil {
		return err
	}
	tmp := st.path + ".new"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, st.path)
}

// Save persists the sidecar.
func (st *DownloadState) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.saveLocked()
}

// Discard removes the sidecar from disk.
func (st *DownloadState) Discard() {
	_ = os.Remove(st.path)
}
