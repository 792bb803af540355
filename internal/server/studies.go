package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"annoline/internal/domain"
	"annoline/internal/engine"
	"annoline/internal/engine/auth"
	"annoline/internal/repo"
)

type studyPath struct {
	ID int64 `path:"id"`
}

type studyOutput struct {
	Body domain.Study `json:"body"`
}

type outcomeOutput struct {
	Body OutcomeResponse `json:"body"`
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// registerTransition exposes a body-less study transition gated by capability c.
func (h handlers) registerTransition(api huma.API, id, summary, route string, c auth.Capability,
	fn func(ctx context.Context, actor auth.Actor, studyID int64) (engine.Outcome, error)) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *studyPath) (*outcomeOutput, error) {
		actor, authErr := authorize(ctx, h.authz, c)
		if authErr != nil {
			return nil, authErr
		}
		out, err := fn(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &outcomeOutput{Body: out}, nil
	})
}

func (h handlers) registerStudies(api huma.API) {
	e := h.engine

	huma.Register(api, huma.Operation{
		OperationID: "list-studies",
		Method:      http.MethodGet,
		Path:        "/studies",
		Summary:     "List studies",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID   int64  `query:"project_id"`
		BatchID     int64  `query:"batch_id"`
		Status      string `query:"status"`
		AnnotatorID int64  `query:"annotator_id"`
		ReviewerID  int64  `query:"reviewer_id"`
		Limit       int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body StudyListResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapStudyRead); authErr != nil {
			return nil, authErr
		}
		f := repo.StudyFilters{
			ProjectID: input.ProjectID, BatchID: input.BatchID,
			AnnotatorID: input.AnnotatorID, ReviewerID: input.ReviewerID, Limit: input.Limit,
		}
		if input.Status != "" {
			st, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "status"})
			}
			f.Status = st
		}
		items, err := e.Studies(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Study{}
		}
		return &struct {
			Body StudyListResponse `json:"body"`
		}{Body: StudyListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-study",
		Method:      http.MethodGet,
		Path:        "/studies/{id}",
		Summary:     "Get study",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *studyPath) (*studyOutput, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapStudyRead); authErr != nil {
			return nil, authErr
		}
		s, err := e.Study(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &studyOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-study-by-external-id",
		Method:      http.MethodGet,
		Path:        "/studies/external/{external_id}",
		Summary:     "Get study by external id",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ExternalID string `path:"external_id"`
	}) (*studyOutput, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapStudyRead); authErr != nil {
			return nil, authErr
		}
		s, err := e.StudyByExternalID(ctx, input.ExternalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &studyOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "study-history",
		Method:      http.MethodGet,
		Path:        "/studies/{id}/history",
		Summary:     "Study status history",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *studyPath) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapStudyRead); authErr != nil {
			return nil, authErr
		}
		items, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.StatusChange{}
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "study-reject-comment",
		Method:      http.MethodGet,
		Path:        "/studies/{id}/reject-comment",
		Summary:     "Comment of the last rejection",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *studyPath) (*struct {
		Body domain.ReviewComment `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapStudyRead); authErr != nil {
			return nil, authErr
		}
		rc, err := e.RejectComment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewComment `json:"body"`
		}{Body: rc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-study",
		Method:      http.MethodGet,
		Path:        "/me/active-study",
		Summary:     "Study the caller is annotating",
		Errors:      transitionErrors,
	}, func(ctx context.Context, _ *struct{}) (*studyOutput, error) {
		actor, authErr := authorize(ctx, h.authz, auth.CapStudyRead)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ActiveStudy(ctx, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &studyOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-next-study",
		Method:      http.MethodPost,
		Path:        "/studies/claim",
		Summary:     "Claim the next unassigned study of a project",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body ClaimNextRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, h.authz, auth.CapStudyClaim)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ClaimNext(ctx, actor, input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{Study: s}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-review",
		Method:      http.MethodPost,
		Path:        "/studies/{id}/review-request",
		Summary:     "Submit the annotation for review",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64                `path:"id"`
		Body ReviewRequestRequest `json:"body"`
	}) (*outcomeOutput, error) {
		actor, authErr := authorize(ctx, h.authz, auth.CapStudyAnnotate)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.RequestReview(ctx, actor, input.ID, input.Body.CategoryIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &outcomeOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-study",
		Method:      http.MethodPost,
		Path:        "/studies/{id}/report",
		Summary:     "Report a study that cannot be annotated",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*outcomeOutput, error) {
		actor, authErr := authorize(ctx, h.authz, auth.CapStudyAnnotate)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Report(ctx, actor, input.ID, domain.Reason(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &outcomeOutput{Body: out}, nil
	})

	h.registerTransition(api, "pickup-rework", "Start working on a rejected study", "/studies/{id}/rework/pickup",
		auth.CapStudyAnnotate, e.PickUpRework)
	h.registerTransition(api, "request-rework-review", "Resubmit a reworked study", "/studies/{id}/rework/review-request",
		auth.CapStudyAnnotate, e.RequestReworkReview)
}

func (h handlers) registerReview(api huma.API) {
	e := h.engine

	h.registerTransition(api, "claim-review", "Take a waiting study into review", "/studies/{id}/review/claim",
		auth.CapStudyReview, e.ClaimReview)
	h.registerTransition(api, "approve-study", "Approve and promote the current version", "/studies/{id}/approve",
		auth.CapStudyReview, e.Approve)
	h.registerTransition(api, "start-rework-review", "Review a resubmitted study", "/studies/{id}/rework/review-start",
		auth.CapStudyReview, e.StartReworkReview)
	h.registerTransition(api, "self-close", "Finish a self-annotation", "/studies/{id}/self-close",
		auth.CapStudyReview, e.SelfClose)

	huma.Register(api, huma.Operation{
		OperationID: "close-study",
		Method:      http.MethodPost,
		Path:        "/studies/{id}/close",
		Summary:     "Close a study with a reason",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*outcomeOutput, error) {
		actor, authErr := authorize(ctx, h.authz, auth.CapStudyReview)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Close(ctx, actor, input.ID, domain.Reason(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &outcomeOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-study",
		Method:      http.MethodPost,
		Path:        "/studies/{id}/reject",
		Summary:     "Send the study back for rework",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body RejectRequest `json:"body"`
	}) (*outcomeOutput, error) {
		actor, authErr := authorize(ctx, h.authz, auth.CapStudyReview)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Reject(ctx, actor, input.ID, engine.RejectInput{
			Comment:    input.Body.Comment,
			PhotoIDs:   input.Body.PhotoIDs,
			MessageRef: input.Body.MessageRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &outcomeOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "self-annotate",
		Method:      http.MethodPost,
		Path:        "/studies/{id}/self-annotate",
		Summary:     "Finish the annotation as reviewer",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body SelfAnnotateRequest `json:"body"`
	}) (*outcomeOutput, error) {
		actor, authErr := authorize(ctx, h.authz, auth.CapStudyReview)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.SelfAnnotate(ctx, actor, input.ID, engine.SelfMode(input.Body.Mode), input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &outcomeOutput{Body: out}, nil
	})
}

func (h handlers) registerReset(api huma.API) {
	e := h.engine

	huma.Register(api, huma.Operation{
		OperationID: "propose-reset",
		Method:      http.MethodPost,
		Path:        "/studies/{id}/reset/proposal",
		Summary:     "Propose returning a study to new",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *studyPath) (*struct {
		Body engine.ResetProposal `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, h.authz, auth.CapStudyReset)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ProposeReset(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ResetProposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-reset",
		Method:      http.MethodPost,
		Path:        "/studies/reset/confirm",
		Summary:     "Apply a reset proposal",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body ConfirmResetRequest `json:"body"`
	}) (*studyOutput, error) {
		actor, authErr := authorize(ctx, h.authz, auth.CapStudyReset)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ConfirmReset(ctx, actor, input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &studyOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-study",
		Method:      http.MethodPost,
		Path:        "/studies/{id}/reset",
		Summary:     "Return a study to new without a proposal",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *studyPath) (*studyOutput, error) {
		actor, authErr := authorize(ctx, h.authz, auth.CapStudyReset)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Reset(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &studyOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/admin/reconcile",
		Summary:     "Provision claimed studies missing their links",
		Errors:      transitionErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReconcileResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, h.authz, auth.CapProvision); authErr != nil {
			return nil, authErr
		}
		n, err := e.Reconcile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReconcileResponse `json:"body"`
		}{Body: ReconcileResponse{Provisioned: n}}, nil
	})
}
