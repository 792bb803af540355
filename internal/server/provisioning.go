package server

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"annoline/internal/domain"
	"annoline/internal/engine"
	"annoline/internal/engine/auth"
	"annoline/internal/ingest"
)

type projectOutput struct {
	Body domain.Project `json:"body"`
}

type userOutput struct {
	Body domain.User `json:"body"`
}

func (h handlers) registerProvisioning(api huma.API) {
	e := h.engine

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*projectOutput, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapProvision); authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectInput{
			Name:    input.Body.Name,
			GroupID: input.Body.GroupID,
			Product: input.Body.Product,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      transitionErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapStudyRead); authErr != nil {
			return nil, authErr
		}
		items, err := e.Projects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: ProjectListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*projectOutput, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapStudyRead); authErr != nil {
			return nil, authErr
		}
		p, err := e.Project(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-project-member",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/members",
		Summary:       "Add a user to a project",
		DefaultStatus: http.StatusNoContent,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64            `path:"id"`
		Body AddMemberRequest `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapProvision); authErr != nil {
			return nil, authErr
		}
		if err := e.AddUserToProject(ctx, input.Body.UserID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-batches",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/batches",
		Summary:     "List batches of a project",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body BatchListResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapStudyRead); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Project(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Batches(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Batch{}
		}
		return &struct {
			Body BatchListResponse `json:"body"`
		}{Body: BatchListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Register a user directly",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*userOutput, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapProvision); authErr != nil {
			return nil, authErr
		}
		u, err := e.AddUser(ctx, domain.User{
			ID:       input.Body.ID,
			Role:     domain.Role(input.Body.Role),
			Name:     input.Body.Name,
			Login:    input.Body.Login,
			Username: input.Body.Username,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &userOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      transitionErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserListResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapProvision); authErr != nil {
			return nil, authErr
		}
		items, err := e.Users(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.User{}
		}
		return &struct {
			Body UserListResponse `json:"body"`
		}{Body: UserListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Caller identity and capabilities",
		Errors:      transitionErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, h.authz, auth.CapStudyRead)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.User(ctx, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{User: u, Capabilities: auth.Capabilities(u.Role)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-invite",
		Method:        http.MethodPost,
		Path:          "/invites",
		Summary:       "Issue a registration invite",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body IssueInviteRequest `json:"body"`
	}) (*struct {
		Body InviteResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapProvision); authErr != nil {
			return nil, authErr
		}
		token, inv, err := e.IssueInvite(ctx, domain.Role(input.Body.Role), input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InviteResponse `json:"body"`
		}{Body: InviteResponse{Token: token, Role: inv.Role, ProjectID: inv.ProjectID, ExpiresAt: inv.ExpiresAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/register",
		Summary:       "Redeem an invite",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*userOutput, error) {
		u, err := e.Register(ctx, input.Body.Token, engine.RegisterInput{
			UserID:   input.Body.UserID,
			Name:     input.Body.Name,
			Login:    input.Body.Login,
			Username: input.Body.Username,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &userOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-batch",
		Method:        http.MethodPost,
		Path:          "/ingest",
		Summary:       "Ingest a batch folder",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body IngestRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapIngest); authErr != nil {
			return nil, authErr
		}
		res, err := h.pipeline.Ingest(ctx, ingest.Notification{
			EventClass: ingest.NodeCreatedEvent,
			Node:       ingest.Node{Path: path.Clean(input.Body.Path)},
			Time:       time.Now().Unix(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: IngestResponse{Batch: res.Batch, Studies: len(res.Studies), Reused: res.Reused}}, nil
	})
}
