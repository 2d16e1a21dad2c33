package board

import (
	"strings"

	"cookline/internal/domain"
)

// fuzzy keywords per state, checked in this order so "Ready for review" maps to review.
var fuzzy = []struct {
	state    domain.TaskState
	keywords []string
}{
	{domain.TaskReview, []string{"review", "qa", "testing"}},
	{domain.TaskDone, []string{"done", "complete", "closed", "shipped"}},
	{domain.TaskInProgress, []string{"progress", "doing", "wip"}},
	{domain.TaskReady, []string{"ready", "todo", "to do"}},
	{domain.TaskBacklog, []string{"backlog", "icebox"}},
}

// StateForColumn maps a column name to a task state: the configured map first
// (case-insensitive), then keyword matching.
func StateForColumn(name string, configured map[string]string) (domain.TaskState, bool) {
	for col, state := range configured {
		if strings.EqualFold(strings.TrimSpace(col), strings.TrimSpace(name)) {
			s := domain.TaskState(state)
			return s, s.Valid()
		}
	}
	lower := strings.ToLower(name)
	for _, f := range fuzzy {
		for _, kw := range f.keywords {
			if strings.Contains(lower, kw) {
				return f.state, true
			}
		}
	}
	return "", false
}

// ColumnForState picks the board column a state should be shown in.
func ColumnForState(state domain.TaskState, columns []Column, configured map[string]string) (Column, bool) {
	for _, c := range columns {
		for col, s := range configured {
			if domain.TaskState(s) == state && strings.EqualFold(strings.TrimSpace(col), strings.TrimSpace(c.Name)) {
				return c, true
			}
		}
	}
	for _, c := range columns {
		if s, ok := StateForColumn(c.Name, nil); ok && s == state {
			return c, true
		}
	}
	return Column{}, false
}
