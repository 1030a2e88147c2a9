package pool

// Allocation holds the result of partitioning tasks across teams.
type Allocation[T any] struct {
	// Allocated maps team id to the tasks assigned to it.
	Allocated map[int64][]T
	// Unallocated holds tasks left over after every team is exhausted.
	Unallocated []T
}

// Total returns the number of tasks across both buckets.
func (a *Allocation[T]) Total() int {
	n := len(a.Unallocated)
	for _, tasks := range a.Allocated {
		n += len(tasks)
	}
	return n
}

// SequentialFill partitions tasks across teams in ascending capacity order
// as produced by the ledger: each team in turn takes tasks from the front
// of the queue while it has seats remaining. Deterministic for a fixed
// input order and capacity snapshot.
func SequentialFill[T any](tasks []T, caps []*Capacity) *Allocation[T] {
	alloc := &Allocation[T]{Allocated: make(map[int64][]T)}

	rest := tasks
	for _, c := range caps {
		if len(rest) == 0 {
			break
		}
		remaining := c.Available
		for remaining > 0 && len(rest) > 0 {
			alloc.Allocated[c.TeamID] = append(alloc.Allocated[c.TeamID], rest[0])
			rest = rest[1:]
			remaining--
		}
	}

	alloc.Unallocated = append(alloc.Unallocated, rest...)
	return alloc
}

// GreedySlice is the batch-oriented variant of SequentialFill: each team
// takes one contiguous slice of up to its available seats, producing the
// same assignment with fewer, larger chunks for workloads that prefer one
// external call per team.
func GreedySlice[T any](tasks []T, caps []*Capacity) *Allocation[T] {
	alloc := &Allocation[T]{Allocated: make(map[int64][]T)}

	rest := tasks
	for _, c := range caps {
		if len(rest) == 0 {
			break
		}
		if c.Available <= 0 {
			continue
		}

		n := c.Available
		if n > len(rest) {
			n = len(rest)
		}

		chunk := make([]T, n)
		copy(chunk, rest[:n])
		alloc.Allocated[c.TeamID] = chunk
		rest = rest[n:]
	}

	alloc.Unallocated = append(alloc.Unallocated, rest...)
	return alloc
}
