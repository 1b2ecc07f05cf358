package model

import (
	"sort"
	"strings"
)

// Lifecycle is a forward-only state graph for one status enum. Only edges
// listed in the graph are legal; anything else is a StateConflictError.
// Backward moves go through the audited override path in the store.
type Lifecycle[S ~string] struct {
	entity string
	next   map[S][]S
}

// NewLifecycle builds a lifecycle for entity from an adjacency list.
func NewLifecycle[S ~string](entity string, next map[S][]S) Lifecycle[S] {
	return Lifecycle[S]{entity: entity, next: next}
}

// Allowed reports whether from → to is a legal transition.
func (l Lifecycle[S]) Allowed(from, to S) bool {
	for _, s := range l.next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing edges.
func (l Lifecycle[S]) Terminal(s S) bool {
	return len(l.next[s]) == 0
}

// Check returns nil if from → to is legal, otherwise a StateConflictError
// naming the states that would have been accepted.
func (l Lifecycle[S]) Check(id string, from, to S) error {
	if l.Allowed(from, to) {
		return nil
	}
	return &StateConflictError{
		Entity:   l.entity,
		ID:       id,
		Current:  string(from),
		Expected: l.sourcesOf(to),
		Reason:   "illegal transition to " + string(to),
	}
}

// Sources lists every state with an edge into to.
func (l Lifecycle[S]) Sources(to S) []S {
	var out []S
	for from, nexts := range l.next {
		for _, s := range nexts {
			if s == to {
				out = append(out, from)
			}
		}
	}
	return out
}

func (l Lifecycle[S]) sourcesOf(to S) string {
	srcs := l.Sources(to)
	parts := make([]string, len(srcs))
	for i, s := range srcs {
		parts[i] = string(s)
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}
