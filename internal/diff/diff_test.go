package diff

import (
	"fmt"
	"math/rand"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctx(s string, o, n int) Line { return Line{Kind: Context, Content: s, OldLine: o, NewLine: n} }
func add(s string, n int) Line    { return Line{Kind: Addition, Content: s, NewLine: n} }
func del(s string, o int) Line    { return Line{Kind: Deletion, Content: s, OldLine: o} }

func TestCompute_Golden(t *testing.T) {
	tests := []struct {
		name     string
		old, new []string
		want     []Line
	}{
		{
			name: "single replacement",
			old:  []string{"a", "b", "c"},
			new:  []string{"a", "x", "c"},
			want: []Line{ctx("a", 1, 1), del("b", 2), add("x", 2), ctx("c", 3, 3)},
		},
		{
			name: "swap prefers deletion on tie",
			old:  []string{"a", "b"},
			new:  []string{"b", "a"},
			want: []Line{del("a", 1), ctx("b", 2, 1), add("a", 2)},
		},
		{
			name: "insert in middle",
			old:  []string{"a", "c"},
			new:  []string{"a", "b", "c"},
			want: []Line{ctx("a", 1, 1), add("b", 2), ctx("c", 2, 3)},
		},
		{
			name: "delete at end",
			old:  []string{"a", "b", "c"},
			new:  []string{"a"},
			want: []Line{ctx("a", 1, 1), del("b", 2), del("c", 3)},
		},
		{
			name: "block replaced reads deletions then additions",
			old:  []string{"x", "1", "2", "y"},
			new:  []string{"x", "3", "4", "y"},
			want: []Line{ctx("x", 1, 1), del("1", 2), del("2", 3), add("3", 2), add("4", 3), ctx("y", 4, 4)},
		},
		{
			name: "duplicate lines",
			old:  []string{"a", "a", "b"},
			new:  []string{"a", "b", "a"},
			want: []Line{ctx("a", 1, 1), del("a", 2), ctx("b", 3, 2), add("a", 3)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(tt.old, tt.new))
		})
	}
}

func TestCompute_EmptySides(t *testing.T) {
	b := []string{"x", "y"}

	got := Compute(nil, b)
	assert.Equal(t, []Line{add("x", 1), add("y", 2)}, got)

	got = Compute(b, nil)
	assert.Equal(t, []Line{del("x", 1), del("y", 2)}, got)

	assert.Empty(t, Compute(nil, nil))
}

func TestCompute_IdenticalInputHasNoHunks(t *testing.T) {
	a := []string{"one", "two", "three"}
	lines := Compute(a, a)

	require.Len(t, lines, 3)
	for i, l := range lines {
		assert.Equal(t, Context, l.Kind)
		assert.Equal(t, i+1, l.OldLine)
		assert.Equal(t, i+1, l.NewLine)
	}
	assert.False(t, HasChanges(lines))
	assert.Empty(t, Hunks(lines, DefaultContext))
}

// lcsLen is an independent reference for the length of the longest common
// subsequence.
func lcsLen(a, b []string) int {
	memo := map[[2]int]int{}
	var rec func(i, j int) int
	rec = func(i, j int) int {
		if i == len(a) || j == len(b) {
			return 0
		}
		key := [2]int{i, j}
		if v, ok := memo[key]; ok {
			return v
		}
		var v int
		if a[i] == b[j] {
			v = 1 + rec(i+1, j+1)
		} else {
			v = max(rec(i+1, j), rec(i, j+1))
		}
		memo[key] = v
		return v
	}
	return rec(0, 0)
}

func randomLines(r *rand.Rand) []string {
	n := r.Intn(9)
	lines := make([]string, n)
	for i := range lines {
		lines[i] = string(rune('a' + r.Intn(3)))
	}
	return lines
}

func TestCompute_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for iter := 0; iter < 2000; iter++ {
		a, b := randomLines(r), randomLines(r)
		lines := Compute(a, b)
		label := fmt.Sprintf("a=%v b=%v", a, b)

		var gotOld, gotNew []string
		contexts, lastOld, lastNew := 0, 0, 0
		for _, l := range lines {
			switch l.Kind {
			case Context:
				contexts++
				gotOld = append(gotOld, l.Content)
				gotNew = append(gotNew, l.Content)
				require.NotZero(t, l.OldLine, label)
				require.NotZero(t, l.NewLine, label)
			case Deletion:
				gotOld = append(gotOld, l.Content)
				require.NotZero(t, l.OldLine, label)
				require.Zero(t, l.NewLine, label)
			case Addition:
				gotNew = append(gotNew, l.Content)
				require.Zero(t, l.OldLine, label)
				require.NotZero(t, l.NewLine, label)
			}
			if l.OldLine > 0 {
				require.Equal(t, lastOld+1, l.OldLine, label)
				lastOld = l.OldLine
			}
			if l.NewLine > 0 {
				require.Equal(t, lastNew+1, l.NewLine, label)
				lastNew = l.NewLine
			}
		}

		// Applying the script to a reproduces b, and nothing of a is lost.
		assert.Equal(t, len(a), len(gotOld), label)
		assert.Equal(t, len(b), len(gotNew), label)
		for i := range a {
			require.Equal(t, a[i], gotOld[i], label)
		}
		for i := range b {
			require.Equal(t, b[i], gotNew[i], label)
		}

		// Minimal: every line of the longest common subsequence is kept.
		require.Equal(t, lcsLen(a, b), contexts, label)

		// Deterministic.
		require.Equal(t, lines, Compute(a, b), label)
	}
}

func TestStats(t *testing.T) {
	lines := Compute([]string{"a", "b", "c"}, []string{"a", "x", "y", "c"})
	adds, dels := Stats(lines)
	assert.Equal(t, 2, adds)
	assert.Equal(t, 1, dels)
}

func withTableLimit(t *testing.T, cells int) {
	t.Helper()
	prev := maxTableCells
	maxTableCells = cells
	t.Cleanup(func() { maxTableCells = prev })
}

func TestCompute_LargeFileSingleEdit(t *testing.T) {
	old := make([]string, 8000)
	for i := range old {
		old[i] = fmt.Sprintf("line %d", i+1)
	}
	updated := append([]string{"changed"}, old[1:]...)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	lines := Compute(old, updated)
	runtime.ReadMemStats(&after)

	require.Len(t, lines, 8001)
	assert.Equal(t, del("line 1", 1), lines[0])
	assert.Equal(t, add("changed", 1), lines[1])
	assert.Equal(t, ctx("line 8000", 8000, 8000), lines[8000])
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}

func TestCompute_OverTableLimit(t *testing.T) {
	withTableLimit(t, 16)

	t.Run("common suffix keeps the script minimal", func(t *testing.T) {
		old := []string{"a", "b", "c", "x", "y", "z"}
		updated := []string{"a", "B", "c", "x", "y", "z"}
		assert.Equal(t, []Line{
			ctx("a", 1, 1),
			del("b", 2),
			add("B", 2),
			ctx("c", 3, 3),
			ctx("x", 4, 4),
			ctx("y", 5, 5),
			ctx("z", 6, 6),
		}, Compute(old, updated))
	})

	t.Run("oversized middle becomes a replacement", func(t *testing.T) {
		old := []string{"1", "2", "3", "4", "5", "end"}
		updated := []string{"6", "7", "8", "9", "end"}
		assert.Equal(t, []Line{
			del("1", 1), del("2", 2), del("3", 3), del("4", 4), del("5", 5),
			add("6", 1), add("7", 2), add("8", 3), add("9", 4),
			ctx("end", 6, 5),
		}, Compute(old, updated))
	})
}
