package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"cookline/internal/domain"
	"cookline/internal/engine"
)

type proposalBody struct {
	Body domain.GovernanceProposal `json:"body"`
}

type votingBody struct {
	Body domain.Voting `json:"body"`
}

type proposalPath struct {
	TeamID     string `path:"team_id"`
	ProposalID string `path:"proposal_id"`
}

type votingPath struct {
	TeamID   string `path:"team_id"`
	VotingID string `path:"voting_id"`
}

func registerGovernance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/proposals",
		Summary:       "Open a proposal objection window",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string                `path:"team_id"`
		Body   CreateProposalRequest `json:"body"`
	}) (*proposalBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ProposalCreateOptions{
			TeamID:             input.TeamID,
			Type:               input.Body.Type,
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			ProposerID:         userID,
			ObjectionThreshold: input.Body.ObjectionThreshold,
		}
		if input.Body.WindowHours != nil {
			w := time.Duration(*input.Body.WindowHours) * time.Hour
			opts.Window = &w
		}
		p, err := e.CreateProposal(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		Status string `query:"status" enum:"objection_window_open,voting_triggered,approved,rejected"`
	}) (*struct {
		Body ProposalList `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		items, err := e.ListProposals(ctx, input.TeamID, domain.ProposalStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalList `json:"body"`
		}{Body: ProposalList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/proposals/{proposal_id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*proposalBody, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		p, err := e.GetProposal(ctx, input.TeamID, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "object-proposal",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/proposals/{proposal_id}/objections",
		Summary:     "Object with the caller's current weight",
		Description: "The objection that crosses the threshold opens the linked voting.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID     string        `path:"team_id"`
		ProposalID string        `path:"proposal_id"`
		Body       ReasonRequest `json:"body"`
	}) (*struct {
		Body engine.ObjectionResult `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ObjectToProposal(ctx, engine.ProposalObjectOptions{
			TeamID:     input.TeamID,
			ProposalID: input.ProposalID,
			MemberID:   userID,
			Reason:     input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ObjectionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-proposal",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/proposals/{proposal_id}/resolve",
		Summary:     "Approve a proposal whose window closed without escalation",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *proposalPath) (*proposalBody, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.ResolveProposalWindow(ctx, input.TeamID, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-voting",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/votings",
		Summary:       "Open a standalone COOK-weighted voting (steward)",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string              `path:"team_id"`
		Body   CreateVotingRequest `json:"body"`
	}) (*votingBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		closes, err := time.Parse(time.RFC3339, input.Body.ClosesAt)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "closes_at must be RFC3339", map[string]any{"field": "closes_at"})
		}
		v, err := e.CreateVoting(ctx, engine.VotingCreateOptions{
			TeamID:               input.TeamID,
			Title:                input.Body.Title,
			Options:              input.Body.Options,
			ClosesAt:             closes,
			ApprovalThresholdPct: input.Body.ApprovalThresholdPct,
			ActorID:              userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &votingBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-votings",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/votings",
		Summary:     "List votings",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		Status string `query:"status" enum:"open,closed,completed"`
	}) (*struct {
		Body VotingList `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		items, err := e.ListVotings(ctx, input.TeamID, domain.VotingStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VotingList `json:"body"`
		}{Body: VotingList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-voting",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/votings/{voting_id}",
		Summary:     "Get voting",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *votingPath) (*votingBody, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		v, err := e.GetVoting(ctx, input.TeamID, input.VotingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &votingBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cast-vote",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/votings/{voting_id}/votes",
		Summary:       "Cast a vote weighted by the caller's current COOK",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID   string          `path:"team_id"`
		VotingID string          `path:"voting_id"`
		Body     CastVoteRequest `json:"body"`
	}) (*struct {
		Body domain.Vote `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		vote, err := e.CastVote(ctx, engine.CastVoteOptions{TeamID: input.TeamID, VotingID: input.VotingID, VoterID: userID, Option: input.Body.Option})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Vote `json:"body"`
		}{Body: vote}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-voting",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/votings/{voting_id}/close",
		Summary:     "Tally and complete a voting",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *votingPath) (*struct {
		Body engine.CloseResult `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CloseVoting(ctx, input.TeamID, input.VotingID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CloseResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-governance",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/governance/settle",
		Summary:     "Resolve due proposal windows and close due votings",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *teamPath) (*struct {
		Body SettleResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		proposals, err := e.ResolveDueProposals(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		closed, err := e.CloseDueVotings(ctx, input.TeamID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettleResponse `json:"body"`
		}{Body: SettleResponse{Proposals: nonNil(proposals), Votings: nonNil(closed)}}, nil
	})
}
