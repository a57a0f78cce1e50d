// Package trigger decides which pipelines a push event starts.
package trigger

import (
	"path"

	"github.com/opnlabs/gantry/pkg/models"
)

// PushEvent is a push to a branch.
type PushEvent struct {
	Branch string
}

// Matches reports whether the trigger fires for the event. A trigger without a
// push filter fires for every push, as does a filter with no branch patterns.
// Otherwise the branch must match one of the patterns. Patterns use path.Match
// globs, so "release/*" covers every release branch.
func Matches(t models.Trigger, ev PushEvent) bool {
	if t.Push == nil || len(t.Push.Branches) == 0 {
		return true
	}
	for _, pattern := range t.Push.Branches {
		if ok, err := path.Match(pattern, ev.Branch); err == nil && ok {
			return true
		}
	}
	return false
}

// Select returns the pipelines from the workflow that the event starts, in
// declaration order.
func Select(w models.Workflow, ev PushEvent) []models.Pipeline {
	matched := make([]models.Pipeline, 0, len(w.Pipelines))
	for _, p := range w.Pipelines {
		if Matches(p.On, ev) {
			matched = append(matched, p)
		}
	}
	return matched
}
