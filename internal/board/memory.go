package board

import (
	"context"
	"fmt"
	"sync"
)

// Move records one MoveCard call accepted by a Memory board.
type Move struct {
	CardID   string
	ColumnID string
	Position string
}

// Memory is an in-process board for tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	projects map[string][]Column
	cards    map[string]string
	moves    []Move
	failures int
	failErr  error
}

func NewMemory() *Memory {
	return &Memory{projects: map[string][]Column{}, cards: map[string]string{}}
}

// AddProject registers a project and its columns, in board order.
func (m *Memory) AddProject(projectID string, columns ...Column) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[projectID] = append([]Column{}, columns...)
}

// PlaceCard puts a card in a column without recording a move.
func (m *Memory) PlaceCard(cardID, columnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[cardID] = columnID
}

// FailNext makes the next n calls return err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failErr = err
}

// CardColumn returns the column a card sits in.
func (m *Memory) CardColumn(cardID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.cards[cardID]
	return col, ok
}

func (m *Memory) Moves() []Move {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Move{}, m.moves...)
}

func (m *Memory) fail() error {
	if m.failures > 0 {
		m.failures--
		return m.failErr
	}
	return nil
}

func (m *Memory) GetColumns(ctx context.Context, projectID string) ([]Column, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	cols, ok := m.projects[projectID]
	if !ok {
		return nil, &StatusError{Op: "get columns", StatusCode: 404, Body: fmt.Sprintf("project %s not found", projectID)}
	}
	return append([]Column{}, cols...), nil
}

func (m *Memory) GetColumn(ctx context.Context, columnID string) (Column, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return Column{}, err
	}
	for _, cols := range m.projects {
		for _, c := range cols {
			if c.ID == columnID {
				return c, nil
			}
		}
	}
	return Column{}, fmt.Errorf("column %s: %w", columnID, ErrUnknownColumn)
}

func (m *Memory) MoveCard(ctx context.Context, cardID, columnID, position string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.cards[cardID] = columnID
	m.moves = append(m.moves, Move{CardID: cardID, ColumnID: columnID, Position: position})
	return nil
}
