package board

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cookline/internal/domain"
)

func TestStateForColumn(t *testing.T) {
	configured := map[string]string{"Shipping Dock": "done"}
	cases := map[string]domain.TaskState{
		"shipping dock":    domain.TaskDone,
		"Icebox":           domain.TaskBacklog,
		"To Do":            domain.TaskReady,
		"Doing":            domain.TaskInProgress,
		"WIP":              domain.TaskInProgress,
		"QA":               domain.TaskReview,
		"Ready for review": domain.TaskReview,
		"Shipped":          domain.TaskDone,
	}
	for name, want := range cases {
		got, ok := StateForColumn(name, configured)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := StateForColumn("Parking lot", nil)
	assert.False(t, ok)
}

func TestColumnForStatePrefersConfiguredName(t *testing.T) {
	cols := []Column{{ID: "1", Name: "Done"}, {ID: "2", Name: "Released"}}
	c, ok := ColumnForState(domain.TaskDone, cols, map[string]string{"Released": "done"})
	assert.True(t, ok)
	assert.Equal(t, "2", c.ID)

	c, ok = ColumnForState(domain.TaskDone, cols, nil)
	assert.True(t, ok)
	assert.Equal(t, "1", c.ID)

	_, ok = ColumnForState(domain.TaskReview, cols, nil)
	assert.False(t, ok)
}
