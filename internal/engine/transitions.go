package engine

import "cookline/internal/domain"

var taskTransitions = map[domain.TaskState][]domain.TaskState{
	domain.TaskBacklog:    {domain.TaskReady},
	domain.TaskReady:      {domain.TaskInProgress},
	domain.TaskInProgress: {domain.TaskReview},
	domain.TaskReview:     {domain.TaskDone},
	domain.TaskDone:       {},
}

// AllowedTransitions lists the states reachable from s in one move.
func AllowedTransitions(s domain.TaskState) []domain.TaskState {
	next := taskTransitions[s]
	out := make([]domain.TaskState, len(next))
	copy(out, next)
	return out
}

// IsTransitionAllowed reports whether from→to is a legal move. Staying put always is.
func IsTransitionAllowed(from, to domain.TaskState) bool {
	if from == to {
		return from.Valid()
	}
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RequiredReviewers derives the reviewer count from a COOK value.
func RequiredReviewers(cookValue *float64) int {
	if cookValue == nil {
		return 1
	}
	switch v := *cookValue; {
	case v > 50:
		return 3
	case v >= 10:
		return 2
	}
	return 1
}

// canMoveTask applies the role policy for a move between two distinct states.
func canMoveTask(role domain.Role, t domain.Task, userID string, to domain.TaskState) bool {
	if role.Steward() {
		return true
	}
	touchesReview := t.State == domain.TaskReview || to == domain.TaskReview
	if touchesReview && (role == domain.RoleReviewer || t.HasReviewer(userID)) {
		return true
	}
	return to != domain.TaskReview && t.HasContributor(userID)
}
