package transfer

// ByteRange is a half-open byte span [Start, End).
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r ByteRange) Len() int64 { return r.End - r.Start }

// BuildRangePlan splits [0, total) into at most parts contiguous ranges of
// ceil(total/parts) bytes each. The ranges cover the file exactly, with no
// gaps and no overlaps; the last range may be shorter. A zero-length file
// yields no ranges.
func BuildRangePlan(total int64, parts int) []ByteRange {
	if total <= 0 {
		return nil
	}
	if parts < 1 {
		parts = 1
	}
	chunk := total / int64(parts)
	if total%int64(parts) != 0 {
		chunk++
	}
	out := make([]ByteRange, 0, parts)
	for start := int64(0); start < total; start += chunk {
		end := start + chunk
		if end > total {
			end = total
		}
		out = append(out, ByteRange{Start: start, End: end})
	}
	return out
}
