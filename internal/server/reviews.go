package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cookline/internal/domain"
	"cookline/internal/engine"
)

type reviewBody struct {
	Body domain.Review `json:"body"`
}

type approvalBody struct {
	Body engine.ApprovalResult `json:"body"`
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/reviews",
		Summary:     "List reviews",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		Status string `query:"status" enum:"pending,approved,objected"`
	}) (*struct {
		Body ReviewList `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		reviews, err := e.ListReviews(ctx, input.TeamID, domain.ReviewStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewList `json:"body"`
		}{Body: ReviewList{Items: nonNil(reviews)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/tasks/{task_id}/review",
		Summary:     "Get the task's review",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*reviewBody, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		rv, err := e.GetReview(ctx, input.TeamID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewBody{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-review",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/review/approve",
		Summary:     "Approve the review",
		Description: "The approval that satisfies the required count completes the task and issues COOK.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *taskPath) (*approvalBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApproveReview(ctx, engine.ReviewActionOptions{TeamID: input.TeamID, TaskID: input.TaskID, ReviewerID: userID})
		if err != nil {
			return nil, handleError(err)
		}
		return &approvalBody{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "object-review",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/review/object",
		Summary:     "Object to the review",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string        `path:"team_id"`
		TaskID string        `path:"task_id"`
		Body   ReasonRequest `json:"body"`
	}) (*reviewBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.ObjectReview(ctx, engine.ReviewActionOptions{TeamID: input.TeamID, TaskID: input.TaskID, ReviewerID: userID, Reason: input.Body.Reason})
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewBody{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "comment-review",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/review/comments",
		Summary:     "Comment on the review",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string         `path:"team_id"`
		TaskID string         `path:"task_id"`
		Body   CommentRequest `json:"body"`
	}) (*reviewBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.CommentReview(ctx, input.TeamID, input.TaskID, userID, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewBody{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-review-objections",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/review/resolve",
		Summary:     "Resolve objections (steward)",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *taskPath) (*approvalBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResolveObjections(ctx, input.TeamID, input.TaskID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &approvalBody{Body: res}, nil
	})
}
