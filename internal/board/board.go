// Package board adapts external kanban boards. The canonical task state always lives
// in cookline; a board only mirrors it.
package board

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Default card position used when pushing canonical state.
const PositionTop = "top"

type Column struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Board is the surface cookline needs from an external board.
type Board interface {
	GetColumns(ctx context.Context, projectID string) ([]Column, error)
	MoveCard(ctx context.Context, cardID, columnID, position string) error
	GetColumn(ctx context.Context, columnID string) (Column, error)
}

// StatusError is a non-2xx answer from the board API.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: board returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Transient reports whether retrying the request could succeed.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

var ErrUnknownColumn = errors.New("unknown column")

// IsTransient reports whether err is worth retrying later. Network failures are;
// client errors such as a missing card are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return !errors.Is(err, ErrUnknownColumn)
}
