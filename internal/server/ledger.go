package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cookline/internal/cook"
	"cookline/internal/domain"
	"cookline/internal/engine"
	"cookline/internal/repo"
)

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ledger",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/ledger",
		Summary:     "List ledger entries in issue order",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TeamID        string `path:"team_id"`
		ContributorID string `query:"contributor_id"`
		TaskID        string `query:"task_id"`
	}) (*struct {
		Body LedgerList `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		entries, err := e.ListLedger(ctx, repo.LedgerFilters{TeamID: input.TeamID, ContributorID: input.ContributorID, TaskID: input.TaskID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LedgerList `json:"body"`
		}{Body: LedgerList{Items: nonNil(entries)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cook-summary",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/contributors/{contributor_id}/cook",
		Summary:     "COOK totals, periods and velocity for a contributor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TeamID        string `path:"team_id"`
		ContributorID string `path:"contributor_id"`
		Granularity   string `query:"granularity" enum:"month,year" default:"month"`
	}) (*struct {
		Body engine.CookReport `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		report, err := e.CookSummary(ctx, input.TeamID, input.ContributorID, cook.Granularity(input.Granularity))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CookReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-weights",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/weights",
		Summary:     "Stored governance weights, heaviest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *teamPath) (*struct {
		Body WeightList `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		weights, err := e.ListWeights(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WeightList `json:"body"`
		}{Body: WeightList{Items: nonNil(weights)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-weight",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/contributors/{contributor_id}/weight",
		Summary:     "Current governance weight computed from the ledger",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TeamID        string `path:"team_id"`
		ContributorID string `path:"contributor_id"`
	}) (*struct {
		Body domain.GovernanceWeight `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		w, err := e.Weight(ctx, input.TeamID, input.ContributorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GovernanceWeight `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attestations",
		Method:      http.MethodGet,
		Path:        "/attestations/{contributor_id}",
		Summary:     "A contributor's attestation chain",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ContributorID string `path:"contributor_id"`
	}) (*struct {
		Body AttestationList `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		chain, err := e.ListAttestations(ctx, input.ContributorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttestationList `json:"body"`
		}{Body: AttestationList{Items: nonNil(chain)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-attestations",
		Method:      http.MethodGet,
		Path:        "/attestations/{contributor_id}/verify",
		Summary:     "Recompute and check a contributor's chain",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ContributorID string `path:"contributor_id"`
	}) (*struct {
		Body engine.ChainReport `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		report, err := e.VerifyChain(ctx, input.ContributorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ChainReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backfill-attestations",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/attestations/backfill",
		Summary:     "Attest ledger entries that have no attestation yet",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *teamPath) (*struct {
		Body BackfillResponse `json:"body"`
	}, error) {
		if err := requireSteward(ctx, e, input.TeamID, "backfill attestations"); err != nil {
			return nil, err
		}
		n, err := e.BackfillAttestations(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BackfillResponse `json:"body"`
		}{Body: BackfillResponse{Issued: n}}, nil
	})
}
