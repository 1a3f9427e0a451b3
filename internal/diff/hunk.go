package diff

import "fmt"

// DefaultContext is the number of unchanged lines kept around each change.
const DefaultContext = 3

// Hunk is a contiguous region of a diff: one or more changes plus up to
// context unchanged lines on either side.
type Hunk struct {
	Header   string `json:"header"`
	OldStart int    `json:"oldStart"`
	OldLines int    `json:"oldLines"`
	NewStart int    `json:"newStart"`
	NewLines int    `json:"newLines"`
	Lines    []Line `json:"lines"`
}

// Hunks groups the changes in lines into hunks. Two runs of changes separated
// by no more than 2*context unchanged lines share a hunk. At exactly
// 2*context the two hunks' context would abut, so they are printed as one,
// the same way unified diff output does. Identical inputs produce no hunks.
// A negative context is treated as zero.
func Hunks(lines []Line, context int) []Hunk {
	if context < 0 {
		context = 0
	}

	var hunks []Hunk
	start, end := -1, -1 // bounds of the current hunk's changes in lines

	flush := func() {
		if start < 0 {
			return
		}
		from := max(start-context, 0)
		to := min(end+context, len(lines)-1)
		hunks = append(hunks, newHunk(lines, from, to))
	}

	for i, l := range lines {
		if l.Kind == Context {
			continue
		}
		if start >= 0 && i-end-1 > 2*context {
			flush()
			start = -1
		}
		if start < 0 {
			start = i
		}
		end = i
	}
	flush()

	return hunks
}

func newHunk(lines []Line, from, to int) Hunk {
	h := Hunk{Lines: make([]Line, to-from+1)}
	copy(h.Lines, lines[from:to+1])

	for _, l := range h.Lines {
		if l.OldLine > 0 {
			if h.OldStart == 0 {
				h.OldStart = l.OldLine
			}
			h.OldLines++
		}
		if l.NewLine > 0 {
			if h.NewStart == 0 {
				h.NewStart = l.NewLine
			}
			h.NewLines++
		}
	}

	// An empty side is anchored on the line before the hunk, as in unified
	// diff output.
	if h.OldLines == 0 {
		h.OldStart = precedingLine(lines[:from], func(l Line) int { return l.OldLine })
	}
	if h.NewLines == 0 {
		h.NewStart = precedingLine(lines[:from], func(l Line) int { return l.NewLine })
	}

	h.Header = fmt.Sprintf("@@ -%s +%s @@", rangeSpec(h.OldStart, h.OldLines), rangeSpec(h.NewStart, h.NewLines))
	return h
}

func precedingLine(lines []Line, number func(Line) int) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if n := number(lines[i]); n > 0 {
			return n
		}
	}
	return 0
}

func rangeSpec(start, count int) string {
	if count == 1 {
		return fmt.Sprintf("%d", start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}
