package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cookline/internal/domain"
	"cookline/internal/repo"
)

// SystemActor is the identity used for moves applied on behalf of the external board.
const SystemActor = "system:sync"

// NotMemberError indicates the user holds no role in the team.
type NotMemberError struct {
	TeamID string
	UserID string
}

func (e NotMemberError) Error() string {
	return fmt.Sprintf("%s is not a member of team %s", e.UserID, e.TeamID)
}

// Service resolves callers to team roles from the members table.
type Service struct {
	Repo repo.Repo
}

// MemberRole returns the caller's role in the team. The system actor acts as steward.
func (s Service) MemberRole(ctx context.Context, tx *sql.Tx, teamID, userID string) (domain.Role, error) {
	if userID == "" {
		return "", errors.New("user id required")
	}
	if userID == SystemActor {
		return domain.RoleSteward, nil
	}
	m, err := s.Repo.GetMember(ctx, tx, teamID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", NotMemberError{TeamID: teamID, UserID: userID}
	}
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// Stewards lists the user ids holding steward or admin in the team.
func (s Service) Stewards(ctx context.Context, teamID string) ([]string, error) {
	members, err := s.Repo.ListMembers(ctx, teamID, domain.RoleSteward, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids, nil
}
