package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cookline/internal/engine"
	"cookline/internal/reconcile"
)

func registerSync(api huma.API, e engine.Engine, rec *reconcile.Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/sync",
		Summary:     "Breaker state and pending retry queue",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *teamPath) (*struct {
		Body reconcile.Status `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		status, err := rec.Status(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body reconcile.Status `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-push-task",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/sync/push",
		Summary:     "Push the task's canonical state to its board card",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body reconcile.PushResult `json:"body"`
	}, error) {
		if err := requireSteward(ctx, e, input.TeamID, "sync push"); err != nil {
			return nil, err
		}
		res, err := rec.PushTask(ctx, input.TeamID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body reconcile.PushResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-clear-unauthorized",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/sync/clear",
		Summary:     "Clear an unauthorized-movement flag (steward)",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body engine.ClearResult `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ClearUnauthorizedMovement(ctx, input.TeamID, input.TaskID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ClearResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-process-queue",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/sync/process",
		Summary:     "Retry due queued board operations",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *teamPath) (*struct {
		Body reconcile.QueueReport `json:"body"`
	}, error) {
		if err := requireSteward(ctx, e, input.TeamID, "process sync queue"); err != nil {
			return nil, err
		}
		report, err := rec.ProcessQueue(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body reconcile.QueueReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-external-move",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/sync/external-moves",
		Summary:     "Report a card moved on the external board",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string              `path:"team_id"`
		Body   ExternalMoveRequest `json:"body"`
	}) (*struct {
		Body engine.ExternalMoveResult `json:"body"`
	}, error) {
		if err := requireSteward(ctx, e, input.TeamID, "report external move"); err != nil {
			return nil, err
		}
		res, err := rec.HandleExternalMove(ctx, input.TeamID, input.Body.ItemID, input.Body.ColumnID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExternalMoveResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-desync",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/sync/desync",
		Summary:     "Detect linked tasks whose card column disagrees with canonical state",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string        `path:"team_id"`
		Body   DesyncRequest `json:"body"`
	}) (*struct {
		Body DesyncList `json:"body"`
	}, error) {
		if err := requireSteward(ctx, e, input.TeamID, "detect desync"); err != nil {
			return nil, err
		}
		items, err := rec.DetectDesync(ctx, input.TeamID, input.Body.Reconcile)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DesyncList `json:"body"`
		}{Body: DesyncList{Items: nonNil(items)}}, nil
	})
}
