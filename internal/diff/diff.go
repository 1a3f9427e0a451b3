// Package diff computes line-level differences between two versions of a
// text and groups them into hunks for display.
package diff

// Kind classifies a diff line.
type Kind string

const (
	Context  Kind = "context"
	Addition Kind = "addition"
	Deletion Kind = "deletion"
)

// Line is one line of a computed diff. Line numbers are 1-based; a zero value
// means the line does not exist on that side.
type Line struct {
	Kind    Kind   `json:"kind"`
	Content string `json:"content"`
	OldLine int    `json:"oldLine,omitempty"`
	NewLine int    `json:"newLine,omitempty"`
}

// maxTableCells bounds the suffix table Compute allocates (64 MiB of int32).
var maxTableCells = 1 << 24

// Compute returns a minimal edit script turning old into new, as one Line per
// input line. Lines are matched by exact equality along a longest common
// subsequence. Output follows the new document; deleted lines appear right
// before the line that follows them in the old document.
//
// When several longest subsequences exist the result is fixed by a forward
// walk of the suffix table: equal lines are always matched, otherwise a
// deletion is taken whenever it keeps the best score. Replaced regions
// therefore always read as deletions followed by additions.
//
// Inputs whose table would exceed maxTableCells have their common suffix
// matched first. The script stays minimal but may be a different one of the
// equally long scripts. If the remaining region is still too large it is
// reported as a whole replacement.
func Compute(old, new []string) []Line {
	out := make([]Line, 0, max(len(old), len(new)))

	// A shared prefix is matched identically by the walk below, so it can be
	// emitted without paying for its part of the table.
	p := 0
	for p < len(old) && p < len(new) && old[p] == new[p] {
		out = append(out, Line{Kind: Context, Content: old[p], OldLine: p + 1, NewLine: p + 1})
		p++
	}

	a, b := old[p:], new[p:]
	n, m := len(a), len(b)
	if n == 0 && m == 0 {
		return out
	}
	if fitsTable(n, m) {
		return walk(out, a, b, p)
	}

	s := 0
	for s < n && s < m && a[n-1-s] == b[m-1-s] {
		s++
	}
	midA, midB := a[:n-s], b[:m-s]
	if fitsTable(len(midA), len(midB)) {
		out = walk(out, midA, midB, p)
	} else {
		out = replaceAll(out, midA, midB, p)
	}
	for k := 0; k < s; k++ {
		out = append(out, Line{
			Kind:    Context,
			Content: a[n-s+k],
			OldLine: p + n - s + k + 1,
			NewLine: p + m - s + k + 1,
		})
	}
	return out
}

func fitsTable(n, m int) bool {
	return (n+1)*(m+1) <= maxTableCells
}

// walk appends the edit script for a and b, which both start after the
// first offset lines of their documents.
func walk(out []Line, a, b []string, offset int) []Line {
	n, m := len(a), len(b)

	// lcs[i*(m+1)+j] is the LCS length of a[i:] and b[j:].
	w := m + 1
	lcs := make([]int32, (n+1)*w)
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			switch {
			case a[i] == b[j]:
				lcs[i*w+j] = lcs[(i+1)*w+j+1] + 1
			case lcs[(i+1)*w+j] >= lcs[i*w+j+1]:
				lcs[i*w+j] = lcs[(i+1)*w+j]
			default:
				lcs[i*w+j] = lcs[i*w+j+1]
			}
		}
	}

	i, j := 0, 0
	for i < n || j < m {
		switch {
		case i < n && j < m && a[i] == b[j]:
			out = append(out, Line{Kind: Context, Content: a[i], OldLine: offset + i + 1, NewLine: offset + j + 1})
			i++
			j++
		case i < n && (j == m || lcs[(i+1)*w+j] >= lcs[i*w+j+1]):
			out = append(out, Line{Kind: Deletion, Content: a[i], OldLine: offset + i + 1})
			i++
		default:
			out = append(out, Line{Kind: Addition, Content: b[j], NewLine: offset + j + 1})
			j++
		}
	}
	return out
}

func replaceAll(out []Line, a, b []string, offset int) []Line {
	for i, line := range a {
		out = append(out, Line{Kind: Deletion, Content: line, OldLine: offset + i + 1})
	}
	for j, line := range b {
		out = append(out, Line{Kind: Addition, Content: line, NewLine: offset + j + 1})
	}
	return out
}

// HasChanges reports whether lines contain any addition or deletion.
func HasChanges(lines []Line) bool {
	for _, l := range lines {
		if l.Kind != Context {
			return true
		}
	}
	return false
}

// Stats counts additions and deletions.
func Stats(lines []Line) (additions, deletions int) {
	for _, l := range lines {
		switch l.Kind {
		case Addition:
			additions++
		case Deletion:
			deletions++
		}
	}
	return additions, deletions
}
