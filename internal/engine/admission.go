package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"annoline/internal/audit"
	"annoline/internal/domain"
	"annoline/internal/engine/auth"
	"annoline/internal/logging"
	"annoline/internal/repo"
	"annoline/internal/storage"
)

// ClaimNext assigns the lowest-id new study of the project to the actor and provisions it
// (share link, version_1 folder, upload link) before committing. A nil study means no
// unclaimed study was available. Any storage failure leaves the study unclaimed.
func (e Engine) ClaimNext(ctx context.Context, actor auth.Actor, projectID int64) (*domain.Study, error) {
	const op = "claim"
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, NotFoundError{Entity: "project", Key: strconv.FormatInt(projectID, 10)}
		}
		return nil, err
	}
	if actor.Role != domain.RoleAdmin {
		member, err := e.Repo.IsMemberTx(ctx, tx, actor.ID, projectID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, precondition(op, "user %d is not a member of project %d", actor.ID, projectID)
		}
	}
	active, err := e.Repo.ActiveForAnnotatorTx(ctx, tx, actor.ID)
	switch {
	case err == nil:
		return nil, precondition(op, "user %d already works on study %d", actor.ID, active.ID)
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}

	s, err := e.Repo.ClaimNextTx(ctx, tx, projectID, actor.ID, e.ts())
	if err != nil {
		return nil, fmt.Errorf("claim next study: %w", err)
	}
	if s == nil {
		return nil, nil
	}
	if err := e.provisionTx(ctx, tx, s, actor.ID); err != nil {
		return nil, err
	}
	if err := e.audit().Append(ctx, tx, audit.Entry{
		StudyID:    s.ID,
		From:       statusPtr(domain.StatusNew),
		To:         domain.StatusAssigned,
		Transition: domain.TransitionClaim,
		ActorID:    int64Ptr(actor.ID),
		Iteration:  s.Iteration,
		Payload:    audit.Payload{"project_id": projectID},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	logging.Info(logging.WithStudyID(ctx, s.ID), "study claimed", "annotator_id", actor.ID, "external_id", s.ExternalID)
	return s, nil
}

// provisionTx issues whatever links the study is missing and records them on s.
func (e Engine) provisionTx(ctx context.Context, tx *sql.Tx, s *domain.Study, annotatorID int64) error {
	var patch repo.StudyPatch
	if s.ShareLink == nil {
		link, err := e.Storage.CreatePublicLink(ctx, s.Path, shareLabel(annotatorID), storage.PermRead)
		if err != nil {
			return fmt.Errorf("share link for study %d: %w", s.ID, err)
		}
		patch.ShareLink = &link
		s.ShareLink = &link
	}
	if s.UploadLink == nil {
		iteration := s.Iteration
		if iteration < 1 {
			iteration = 1
		}
		link, err := e.openVersion(ctx, *s, iteration, annotatorID)
		if err != nil {
			return fmt.Errorf("provision study %d: %w", s.ID, err)
		}
		patch.UploadLink = &link
		s.UploadLink = &link
	}
	if patch.ShareLink == nil && patch.UploadLink == nil {
		return nil
	}
	now := e.ts()
	if _, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, patch, now); err != nil {
		return fmt.Errorf("record links for study %d: %w", s.ID, err)
	}
	s.UpdatedAt = now
	return nil
}

// Reconcile provisions studies left assigned without links. It returns how many were fixed.
func (e Engine) Reconcile(ctx context.Context) (int, error) {
	pending, err := e.Repo.Unprovisioned(ctx)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, candidate := range pending {
		ok, err := e.reconcileOne(ctx, candidate.ID)
		if err != nil {
			return fixed, fmt.Errorf("reconcile study %d: %w", candidate.ID, err)
		}
		if ok {
			fixed++
		}
	}
	return fixed, nil
}

func (e Engine) reconcileOne(ctx context.Context, id int64) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	s, err := e.loadStudyTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if s.Status != domain.StatusAssigned || s.Provisioned() || s.AnnotatorID == nil {
		return false, nil
	}
	if err := e.provisionTx(ctx, tx, &s, *s.AnnotatorID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	logging.Info(logging.WithStudyID(ctx, s.ID), "study provisioned by reconcile")
	return true, nil
}
