package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cookline/internal/config"
	"cookline/internal/domain"
	"cookline/internal/engine"
)

type teamPath struct {
	TeamID string `path:"team_id"`
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/teams",
		Summary:       "Create a team with the caller as admin",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTeamRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.InitTeam(ctx, engine.InitTeamOptions{ID: input.Body.ID, Name: input.Body.Name, AdminID: userID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-team",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}",
		Summary:     "Get team",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *teamPath) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		t, err := e.Repo.GetTeam(ctx, nil, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/members",
		Summary:     "List members",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *teamPath) (*struct {
		Body MemberList `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		members, err := e.ListMembers(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemberList `json:"body"`
		}{Body: MemberList{Items: nonNil(members)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/members",
		Summary:       "Grant a team role",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string           `path:"team_id"`
		Body   AddMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddMember(ctx, input.TeamID, userID, input.Body.UserID, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-team-config",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/config",
		Summary:     "Get team policy",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *teamPath) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		cfg, err := e.TeamConfig(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		out := *cfg
		out.Notifications.Secret = ""
		return &struct {
			Body config.Config `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-team-config",
		Method:      http.MethodPut,
		Path:        "/teams/{team_id}/config",
		Summary:     "Replace team policy",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string        `path:"team_id"`
		Body   config.Config `json:"body"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg := input.Body
		updated, err := e.UpdateTeamConfig(ctx, input.TeamID, userID, &cfg)
		if err != nil {
			return nil, handleError(err)
		}
		out := *updated
		out.Notifications.Secret = ""
		return &struct {
			Body config.Config `json:"body"`
		}{Body: out}, nil
	})
}
