// Package dependency orders the inserts of a save so that every row is written
// after the rows its foreign keys point at.
package dependency

import (
	"sort"

	"github.com/conduit-lang/attrdb/internal/orm/delta"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
)

// Edge records that From's row stores a foreign key to To's row
type Edge struct {
	From delta.EntityRef
	To   delta.EntityRef
}

// Order returns inserts in an order where, for every edge between two inserts,
// To precedes From. Among ready inserts the earliest in enumeration order goes
// first, so the result is deterministic. Edges touching refs outside inserts are
// ignored. Any cycle is reported as an *ormerr.UnresolvableDependencyError.
func Order(inserts []delta.EntityRef, edges []Edge) ([]delta.EntityRef, error) {
	index := make(map[delta.EntityRef]int, len(inserts))
	for i, ref := range inserts {
		index[ref] = i
	}

	deps := make([]map[int]bool, len(inserts))
	dependents := make([][]int, len(inserts))
	for i := range deps {
		deps[i] = make(map[int]bool)
	}
	for _, e := range edges {
		from, ok := index[e.From]
		if !ok {
			continue
		}
		to, ok := index[e.To]
		if !ok || deps[from][to] {
			continue
		}
		deps[from][to] = true
		dependents[to] = append(dependents[to], from)
	}

	remaining := make([]int, len(inserts))
	var ready []int
	for i := range inserts {
		remaining[i] = len(deps[i])
		if remaining[i] == 0 {
			ready = append(ready, i)
		}
	}

	result := make([]delta.EntityRef, 0, len(inserts))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		result = append(result, inserts[next])

		for _, dependent := range dependents[next] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				pos := sort.SearchInts(ready, dependent)
				ready = append(ready, 0)
				copy(ready[pos+1:], ready[pos:])
				ready[pos] = dependent
			}
		}
	}

	if len(result) != len(inserts) {
		return nil, &ormerr.UnresolvableDependencyError{Cycle: findCycle(inserts, deps, remaining)}
	}
	return result, nil
}

// findCycle walks unresolved inserts until a node repeats
func findCycle(inserts []delta.EntityRef, deps []map[int]bool, remaining []int) []string {
	start := -1
	for i, r := range remaining {
		if r > 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	pos := make(map[int]int)
	var path []int
	node := start
	for {
		if p, seen := pos[node]; seen {
			cycle := make([]string, 0, len(path)-p)
			for _, n := range path[p:] {
				cycle = append(cycle, inserts[n].String())
			}
			return cycle
		}
		pos[node] = len(path)
		path = append(path, node)

		next := -1
		for _, candidate := range sortedKeys(deps[node]) {
			if remaining[candidate] > 0 {
				next = candidate
				break
			}
		}
		if next < 0 {
			return nil
		}
		node = next
	}
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
