package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cookline/internal/domain"
	"cookline/internal/engine"
	"cookline/internal/repo"
)

type taskPath struct {
	TeamID string `path:"team_id"`
	TaskID string `path:"task_id"`
}

type taskBody struct {
	Body domain.Task `json:"body"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string            `path:"team_id"`
		Body   CreateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:           input.Body.ID,
			TeamID:       input.TeamID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			Contributors: input.Body.Contributors,
			Reviewers:    input.Body.Reviewers,
			CookValue:    input.Body.CookValue,
			Attribution:  input.Body.Attribution,
			ActorID:      userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TeamID          string `path:"team_id"`
		State           string `query:"state" enum:"backlog,ready,in_progress,review,done"`
		Contributor     string `query:"contributor"`
		Reviewer        string `query:"reviewer"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
	}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{
			TeamID:          input.TeamID,
			State:           domain.TaskState(input.State),
			Contributor:     input.Contributor,
			Reviewer:        input.Reviewer,
			IncludeArchived: input.IncludeArchived,
			Limit:           normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Items: nonNil(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		if err := requireMember(ctx, e, input.TeamID); err != nil {
			return nil, err
		}
		t, err := e.GetTask(ctx, input.TeamID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/move",
		Summary:     "Apply one lifecycle transition",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string          `path:"team_id"`
		TaskID string          `path:"task_id"`
		Body   MoveTaskRequest `json:"body"`
	}) (*taskBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.MoveTask(ctx, engine.MoveOptions{
			TeamID:         input.TeamID,
			TaskID:         input.TaskID,
			To:             input.Body.To,
			ActorID:        userID,
			AcceptZeroCook: input.Body.AcceptZeroCook,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/assign",
		Summary:     "Edit contributors and reviewers",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string            `path:"team_id"`
		TaskID string            `path:"task_id"`
		Body   AssignTaskRequest `json:"body"`
	}) (*taskBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AssignTask(ctx, engine.TaskAssignOptions{
			TeamID:             input.TeamID,
			TaskID:             input.TaskID,
			ActorID:            userID,
			AddContributors:    input.Body.AddContributors,
			RemoveContributors: input.Body.RemoveContributors,
			AddReviewers:       input.Body.AddReviewers,
			RemoveReviewers:    input.Body.RemoveReviewers,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-cook",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/cook",
		Summary:     "Set COOK value and attribution",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string         `path:"team_id"`
		TaskID string         `path:"task_id"`
		Body   SetCookRequest `json:"body"`
	}) (*taskBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SetCook(ctx, engine.SetCookOptions{
			TeamID:      input.TeamID,
			TaskID:      input.TaskID,
			ActorID:     userID,
			Value:       input.Body.Value,
			Attribution: input.Body.Attribution,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-task",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/archive",
		Summary:     "Archive task",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ArchiveTask(ctx, input.TeamID, input.TaskID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-task",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/link",
		Summary:     "Link task to an external board card",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TeamID string          `path:"team_id"`
		TaskID string          `path:"task_id"`
		Body   LinkTaskRequest `json:"body"`
	}) (*taskBody, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.LinkExternal(ctx, input.TeamID, input.TaskID, input.Body.ItemID, input.Body.ColumnID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-task",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks/{task_id}/issue",
		Summary:     "Issue COOK for a completed task",
		Description: "Retries issuance per contributor; contributors already issued report already_issued.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if err := requireSteward(ctx, e, input.TeamID, "issue cook"); err != nil {
			return nil, err
		}
		results, err := e.IssueTask(ctx, input.TeamID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: IssueResponse{Items: nonNil(results)}}, nil
	})
}

func requireSteward(ctx context.Context, e engine.Engine, teamID, action string) huma.StatusError {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	if err := e.RequireSteward(ctx, teamID, userID, action); err != nil {
		return handleError(err)
	}
	return nil
}
