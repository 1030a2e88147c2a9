package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func caps(available ...int) []*Capacity {
	out := make([]*Capacity, len(available))
	for i, n := range available {
		out[i] = &Capacity{TeamID: int64(i + 1), Available: n}
	}
	return out
}

func TestSequentialFillSplitsAcrossTeams(t *testing.T) {
	tasks := []string{"a", "b", "c"}
	alloc := SequentialFill(tasks, caps(1, 2))

	require.Len(t, alloc.Allocated, 2)
	assert.Equal(t, []string{"a"}, alloc.Allocated[1])
	assert.Equal(t, []string{"b", "c"}, alloc.Allocated[2])
	assert.Empty(t, alloc.Unallocated)
}

func TestSequentialFillLowTeamFillsFirst(t *testing.T) {
	// Three tasks against avail=1 and avail=5: the low-id team takes one,
	// the rest spill to the next team.
	tasks := []string{"a", "b", "c"}
	alloc := SequentialFill(tasks, caps(1, 5))

	assert.Equal(t, []string{"a"}, alloc.Allocated[1])
	assert.Equal(t, []string{"b", "c"}, alloc.Allocated[2])
	assert.Empty(t, alloc.Unallocated)
}

func TestSequentialFillSkipsFullTeams(t *testing.T) {
	tasks := []string{"a", "b"}
	alloc := SequentialFill(tasks, caps(0, 5))

	assert.NotContains(t, alloc.Allocated, int64(1))
	assert.Equal(t, []string{"a", "b"}, alloc.Allocated[2])
}

func TestSequentialFillOverflowsToUnallocated(t *testing.T) {
	tasks := []string{"a", "b", "c", "d"}
	alloc := SequentialFill(tasks, caps(1, 1))

	assert.Equal(t, []string{"a"}, alloc.Allocated[1])
	assert.Equal(t, []string{"b"}, alloc.Allocated[2])
	assert.Equal(t, []string{"c", "d"}, alloc.Unallocated)
}

func TestSequentialFillConservesTasks(t *testing.T) {
	cases := []struct {
		name      string
		tasks     int
		available []int
	}{
		{"empty", 0, []int{3}},
		{"no capacity", 5, []int{}},
		{"exact fit", 4, []int{2, 2}},
		{"surplus capacity", 2, []int{10, 10}},
		{"deficit capacity", 10, []int{1, 2}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tasks := make([]int, tc.tasks)
			for i := range tasks {
				tasks[i] = i
			}

			alloc := SequentialFill(tasks, caps(tc.available...))
			assert.Equal(t, tc.tasks, alloc.Total(), "no task may be lost or duplicated")
		})
	}
}

func TestGreedySliceMatchesSequentialFill(t *testing.T) {
	tasks := []string{"a", "b", "c", "d", "e"}
	capacities := caps(2, 0, 2)

	seq := SequentialFill(tasks, capacities)
	greedy := GreedySlice(tasks, capacities)

	assert.Equal(t, seq.Allocated, greedy.Allocated)
	assert.Equal(t, seq.Unallocated, greedy.Unallocated)
	assert.Equal(t, len(tasks), greedy.Total())
}
