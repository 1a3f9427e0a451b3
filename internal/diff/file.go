package diff

import "strings"

// Status describes what happened to a file between two versions.
type Status string

const (
	StatusAdded    Status = "added"
	StatusModified Status = "modified"
	StatusDeleted  Status = "deleted"
	StatusRenamed  Status = "renamed"
)

// File is the diff of a single file.
type File struct {
	Path      string `json:"path"`
	OldPath   string `json:"oldPath,omitempty"`
	Status    Status `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Hunks     []Hunk `json:"hunks"`
}

// Compare diffs two versions of a file. An empty oldPath marks an added file,
// an empty newPath a deleted one, and differing paths a rename.
func Compare(oldPath, newPath, oldText, newText string, context int) File {
	f := File{Path: newPath}
	switch {
	case oldPath == "" && newPath == "":
		f.Status = StatusModified
	case oldPath == "":
		f.Status = StatusAdded
		oldText = ""
	case newPath == "":
		f.Path = oldPath
		f.Status = StatusDeleted
		newText = ""
	case oldPath != newPath:
		f.Status = StatusRenamed
		f.OldPath = oldPath
	default:
		f.Status = StatusModified
	}

	lines := Compute(SplitLines(oldText), SplitLines(newText))
	f.Additions, f.Deletions = Stats(lines)
	f.Hunks = Hunks(lines, context)
	if f.Hunks == nil {
		f.Hunks = []Hunk{}
	}
	return f
}

// SplitLines splits text into lines. A trailing newline does not start an
// extra empty line and a carriage return before each newline is dropped.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
