package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"annoline/internal/audit"
	"annoline/internal/domain"
	"annoline/internal/engine/auth"
	"annoline/internal/notify"
	"annoline/internal/repo"
)

// MaxRejectPhotos bounds the images attached to a rejection.
const MaxRejectPhotos = 10

// RequestReview moves an assigned or reworked study to waiting_review with the selected
// categories. Concurrent identical requests run once; requests arriving after the study left
// assigned/rework are ignored.
func (e Engine) RequestReview(ctx context.Context, actor auth.Actor, studyID int64, categoryIDs []int64) (Outcome, error) {
	key := fmt.Sprintf("%s:%d:%d", domain.TransitionReviewRequest, studyID, actor.ID)
	return e.collapse(key, func() (Outcome, error) {
		return e.requestReview(ctx, actor, studyID, categoryIDs)
	})
}

func (e Engine) requestReview(ctx context.Context, actor auth.Actor, studyID int64, categoryIDs []int64) (Outcome, error) {
	const op = "review request"
	eligible := []domain.Status{domain.StatusAssigned, domain.StatusRework}
	s, err := e.loadStudy(ctx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	if s.Status == domain.StatusNew {
		return Outcome{}, precondition(op, "study %d is not claimed", s.ID)
	}
	if !isOneOf(s.Status, eligible...) {
		return e.ignored(ctx, op, s)
	}
	if !sameID(s.AnnotatorID, actor.ID) {
		return Outcome{}, precondition(op, "study %d is assigned to another annotator", s.ID)
	}
	if err := e.requireNonEmptyVersion(ctx, op, s); err != nil {
		return Outcome{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	s, err = e.loadStudyTx(ctx, tx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	if !isOneOf(s.Status, eligible...) {
		return e.ignored(ctx, op, s)
	}
	if !sameID(s.AnnotatorID, actor.ID) {
		return Outcome{}, precondition(op, "study %d is assigned to another annotator", s.ID)
	}
	offered, err := e.Repo.BatchCategoriesTx(ctx, tx, s.BatchID)
	if err != nil {
		return Outcome{}, err
	}
	allowed := make(map[int64]bool, len(offered))
	for _, c := range offered {
		allowed[c.ID] = true
	}
	for _, id := range categoryIDs {
		if !allowed[id] {
			return Outcome{}, precondition(op, "category %d is not offered by the batch", id)
		}
	}
	from := s.Status
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, repo.StudyPatch{
		Status:          statusPtr(domain.StatusWaitingReview),
		ExpectAnnotator: int64Ptr(actor.ID),
	}, e.ts(), eligible...)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return e.ignored(ctx, op, s)
	}
	if err := e.Repo.ReplaceStudyCategoriesTx(ctx, tx, s.ID, categoryIDs); err != nil {
		return Outcome{}, err
	}
	if err := e.audit().Append(ctx, tx, audit.Entry{
		StudyID: s.ID, From: &from, To: domain.StatusWaitingReview,
		Transition: domain.TransitionReviewRequest, ActorID: int64Ptr(actor.ID), Iteration: s.Iteration,
		Payload: audit.Payload{"category_ids": categoryIDs},
	}); err != nil {
		return Outcome{}, err
	}
	project, err := e.projectForStudyTx(ctx, tx, s)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	e.notify(ctx, notify.Notification{
		Kind: notify.KindReviewRequested, ProjectID: project.ID, GroupID: project.GroupID,
		StudyID: s.ID, ExternalID: s.ExternalID, Iteration: s.Iteration,
	})
	out, err := e.loadStudy(ctx, s.ID)
	return Outcome{Study: out, Applied: true}, err
}

// Report flags a study the annotator cannot annotate. A reviewer confirms by closing it.
func (e Engine) Report(ctx context.Context, actor auth.Actor, studyID int64, reason domain.Reason) (Outcome, error) {
	const op = "report"
	if _, err := reason.ClosedStatus(); err != nil {
		return Outcome{}, precondition(op, "%v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	s, err := e.loadStudyTx(ctx, tx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	if s.Status == domain.StatusPendingConfirmation && sameID(s.AnnotatorID, actor.ID) {
		return e.ignored(ctx, op, s)
	}
	if !isOneOf(s.Status, domain.StatusAssigned, domain.StatusRework) {
		return Outcome{}, precondition(op, "study %d is %s", s.ID, s.Status)
	}
	if !sameID(s.AnnotatorID, actor.ID) {
		return Outcome{}, precondition(op, "study %d is assigned to another annotator", s.ID)
	}
	from := s.Status
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, repo.StudyPatch{Status: statusPtr(domain.StatusPendingConfirmation)}, e.ts(), from)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return e.ignored(ctx, op, s)
	}
	if err := e.audit().Append(ctx, tx, audit.Entry{
		StudyID: s.ID, From: &from, To: domain.StatusPendingConfirmation,
		Transition: domain.TransitionReport, ActorID: int64Ptr(actor.ID), Iteration: s.Iteration,
		Payload: audit.Payload{"reason": string(reason)},
	}); err != nil {
		return Outcome{}, err
	}
	project, err := e.projectForStudyTx(ctx, tx, s)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	e.notify(ctx, notify.Notification{
		Kind: notify.KindStudyReported, ProjectID: project.ID, GroupID: project.GroupID,
		StudyID: s.ID, ExternalID: s.ExternalID, Iteration: s.Iteration, Reason: string(reason),
	})
	out, err := e.loadStudy(ctx, s.ID)
	return Outcome{Study: out, Applied: true}, err
}

// ClaimReview assigns a waiting study to the reviewer. A reviewer holds at most one study
// in waiting_review or in_review.
func (e Engine) ClaimReview(ctx context.Context, actor auth.Actor, studyID int64) (Outcome, error) {
	const op = "review claim"
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	// Serializes claims by the same reviewer on Postgres.
	if _, err := e.Repo.LockUserTx(ctx, tx, actor.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Outcome{}, auth.NotRegisteredError{UserID: actor.ID}
		}
		return Outcome{}, err
	}
	s, err := e.loadStudyTx(ctx, tx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	if s.Status == domain.StatusInReview && sameID(s.ReviewerID, actor.ID) {
		return e.ignored(ctx, op, s)
	}
	if !isOneOf(s.Status, domain.StatusWaitingReview, domain.StatusPendingConfirmation) {
		return Outcome{}, precondition(op, "study %d is %s", s.ID, s.Status)
	}
	if s.ReviewerID != nil {
		return Outcome{}, precondition(op, "study %d already has a reviewer", s.ID)
	}
	busy, err := e.Repo.ReviewerBusyTx(ctx, tx, actor.ID)
	if err != nil {
		return Outcome{}, err
	}
	if busy {
		return Outcome{}, precondition(op, "reviewer %d already holds a study in review", actor.ID)
	}
	from := s.Status
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, repo.StudyPatch{
		Status:     statusPtr(domain.StatusInReview),
		ReviewerID: int64Ptr(actor.ID),
	}, e.ts(), from)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return e.ignored(ctx, op, s)
	}
	if err := e.audit().Append(ctx, tx, audit.Entry{
		StudyID: s.ID, From: &from, To: domain.StatusInReview,
		Transition: domain.TransitionReviewClaim, ActorID: int64Ptr(actor.ID), Iteration: s.Iteration,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	out, err := e.loadStudy(ctx, s.ID)
	return Outcome{Study: out, Applied: true}, err
}

// reviewGuard checks the study is in review by actor and has an annotator.
// A study already in one of done with the same reviewer is reported as a duplicate.
func (e Engine) reviewGuard(op string, s domain.Study, actor auth.Actor, done ...domain.Status) (dup bool, err error) {
	if isOneOf(s.Status, done...) && sameID(s.ReviewerID, actor.ID) {
		return true, nil
	}
	if s.Status != domain.StatusInReview {
		return false, precondition(op, "study %d is %s", s.ID, s.Status)
	}
	if !sameID(s.ReviewerID, actor.ID) {
		return false, precondition(op, "study %d is reviewed by another reviewer", s.ID)
	}
	if s.AnnotatorID == nil {
		return false, precondition(op, "study %d has no annotator", s.ID)
	}
	return false, nil
}

// Approve finalizes the study and promotes its current version to the research tree.
func (e Engine) Approve(ctx context.Context, actor auth.Actor, studyID int64) (Outcome, error) {
	const op = "approve"
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	s, err := e.loadStudyTx(ctx, tx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	dup, err := e.reviewGuard(op, s, actor, domain.StatusApproved)
	if err != nil {
		return Outcome{}, err
	}
	if dup {
		return e.ignored(ctx, op, s)
	}
	if s.SelfAnnotation != nil {
		return Outcome{}, precondition(op, "study %d has a pending self-annotation; close it instead", s.ID)
	}
	if _, err := e.requireRegisteredTx(ctx, tx, actor.ID); err != nil {
		return Outcome{}, err
	}
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, repo.StudyPatch{Status: statusPtr(domain.StatusApproved)}, e.ts(), domain.StatusInReview)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return e.ignored(ctx, op, s)
	}
	payload, err := e.promote(ctx, s)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.audit().Append(ctx, tx, audit.Entry{
		StudyID: s.ID, From: statusPtr(domain.StatusInReview), To: domain.StatusApproved,
		Transition: domain.TransitionApprove, ActorID: int64Ptr(actor.ID), Iteration: s.Iteration,
		Payload: payload,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	e.notify(ctx, notify.Notification{
		Kind: notify.KindStudyApproved, RecipientID: *s.AnnotatorID,
		StudyID: s.ID, ExternalID: s.ExternalID, Iteration: s.Iteration,
	})
	out, err := e.loadStudy(ctx, s.ID)
	return Outcome{Study: out, Applied: true}, err
}

// Close ends the review with a reason and no promotion.
func (e Engine) Close(ctx context.Context, actor auth.Actor, studyID int64, reason domain.Reason) (Outcome, error) {
	const op = "close"
	target, err := reason.ClosedStatus()
	if err != nil {
		return Outcome{}, precondition(op, "%v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	s, err := e.loadStudyTx(ctx, tx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	dup, err := e.reviewGuard(op, s, actor, target)
	if err != nil {
		return Outcome{}, err
	}
	if dup {
		return e.ignored(ctx, op, s)
	}
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, repo.StudyPatch{Status: &target, ClearSelfAnnotation: true}, e.ts(), domain.StatusInReview)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return e.ignored(ctx, op, s)
	}
	if err := e.audit().Append(ctx, tx, audit.Entry{
		StudyID: s.ID, From: statusPtr(domain.StatusInReview), To: target,
		Transition: domain.TransitionClose, ActorID: int64Ptr(actor.ID), Iteration: s.Iteration,
		Payload: audit.Payload{"reason": string(reason)},
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	e.notify(ctx, notify.Notification{
		Kind: notify.KindStudyClosed, RecipientID: *s.AnnotatorID,
		StudyID: s.ID, ExternalID: s.ExternalID, Iteration: s.Iteration, Reason: string(reason),
	})
	out, err := e.loadStudy(ctx, s.ID)
	return Outcome{Study: out, Applied: true}, err
}

// RejectInput is the reviewer's rejection: a comment with optional photos and chat message reference.
type RejectInput struct {
	Comment    string
	PhotoIDs   []string
	MessageRef string
}

// Reject sends the study back to the annotator. Refused once the iteration limit is reached.
func (e Engine) Reject(ctx context.Context, actor auth.Actor, studyID int64, in RejectInput) (Outcome, error) {
	const op = "reject"
	comment := strings.TrimSpace(in.Comment)
	if comment == "" {
		return Outcome{}, precondition(op, "comment is required")
	}
	if len(in.PhotoIDs) > MaxRejectPhotos {
		return Outcome{}, precondition(op, "at most %d photos may be attached", MaxRejectPhotos)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	s, err := e.loadStudyTx(ctx, tx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	dup, err := e.reviewGuard(op, s, actor, domain.StatusWaitingRework)
	if err != nil {
		return Outcome{}, err
	}
	if dup {
		return e.ignored(ctx, op, s)
	}
	if s.SelfAnnotation != nil {
		return Outcome{}, precondition(op, "study %d has a pending self-annotation", s.ID)
	}
	if limit := e.iterationLimit(); s.Iteration >= limit {
		return Outcome{}, precondition(op, "iteration limit %d reached; self-annotate instead", limit)
	}
	var ref *string
	if m := strings.TrimSpace(in.MessageRef); m != "" {
		ref = &m
	}
	rc, err := e.Repo.InsertReviewCommentTx(ctx, tx, domain.ReviewComment{
		StudyID: s.ID, ReviewerID: actor.ID, Iteration: s.Iteration,
		Comment: comment, PhotoIDs: in.PhotoIDs, MessageRef: ref, CreatedAt: e.ts(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("store review comment: %w", err)
	}
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, repo.StudyPatch{
		Status:          statusPtr(domain.StatusWaitingRework),
		RejectCommentID: &rc.ID,
	}, e.ts(), domain.StatusInReview)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return e.ignored(ctx, op, s)
	}
	if err := e.audit().Append(ctx, tx, audit.Entry{
		StudyID: s.ID, From: statusPtr(domain.StatusInReview), To: domain.StatusWaitingRework,
		Transition: domain.TransitionReject, ActorID: int64Ptr(actor.ID), Iteration: s.Iteration,
		Payload: audit.Payload{"comment_id": rc.ID, "photos": len(rc.PhotoIDs)},
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	e.notify(ctx, notify.Notification{
		Kind: notify.KindReworkRequested, RecipientID: *s.AnnotatorID,
		StudyID: s.ID, ExternalID: s.ExternalID, Iteration: s.Iteration, CommentID: rc.ID,
	})
	out, err := e.loadStudy(ctx, s.ID)
	return Outcome{Study: out, Applied: true}, err
}

// PickUpRework opens the next version folder for the annotator.
func (e Engine) PickUpRework(ctx context.Context, actor auth.Actor, studyID int64) (Outcome, error) {
	const op = "rework pickup"
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	s, err := e.loadStudyTx(ctx, tx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	if s.Status == domain.StatusRework && sameID(s.AnnotatorID, actor.ID) {
		return e.ignored(ctx, op, s)
	}
	if s.Status != domain.StatusWaitingRework {
		return Outcome{}, precondition(op, "study %d is %s", s.ID, s.Status)
	}
	if !sameID(s.AnnotatorID, actor.ID) {
		return Outcome{}, precondition(op, "study %d is assigned to another annotator", s.ID)
	}
	next := s.Iteration + 1
	link, err := e.openVersion(ctx, s, next, actor.ID)
	if err != nil {
		return Outcome{}, err
	}
	patch := repo.StudyPatch{
		Status:     statusPtr(domain.StatusRework),
		Iteration:  intPtr(next),
		UploadLink: &link,
	}
	if s.UploadLink != nil {
		patch.PrevUploadLink = s.UploadLink
	}
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, patch, e.ts(), domain.StatusWaitingRework)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return e.ignored(ctx, op, s)
	}
	if err := e.audit().Append(ctx, tx, audit.Entry{
		StudyID: s.ID, From: statusPtr(domain.StatusWaitingRework), To: domain.StatusRework,
		Transition: domain.TransitionReworkPickup, ActorID: int64Ptr(actor.ID), Iteration: next,
		Payload: audit.Payload{"version": domain.VersionFolder(next)},
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	out, err := e.loadStudy(ctx, s.ID)
	return Outcome{Study: out, Applied: true}, err
}

// RequestReworkReview resubmits a reworked study to its reviewer.
func (e Engine) RequestReworkReview(ctx context.Context, actor auth.Actor, studyID int64) (Outcome, error) {
	key := fmt.Sprintf("%s:%d:%d", domain.TransitionReworkReviewRequest, studyID, actor.ID)
	return e.collapse(key, func() (Outcome, error) {
		return e.requestReworkReview(ctx, actor, studyID)
	})
}

func (e Engine) requestReworkReview(ctx context.Context, actor auth.Actor, studyID int64) (Outcome, error) {
	const op = "rework review request"
	s, err := e.loadStudy(ctx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	if s.Status != domain.StatusRework {
		if isOneOf(s.Status, domain.StatusWaitingReview, domain.StatusInReview) || s.Status.Terminal() {
			return e.ignored(ctx, op, s)
		}
		return Outcome{}, precondition(op, "study %d is %s", s.ID, s.Status)
	}
	if !sameID(s.AnnotatorID, actor.ID) {
		return Outcome{}, precondition(op, "study %d is assigned to another annotator", s.ID)
	}
	if s.ReviewerID == nil {
		return Outcome{}, precondition(op, "study %d has no reviewer", s.ID)
	}
	if err := e.requireNonEmptyVersion(ctx, op, s); err != nil {
		return Outcome{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	s, err = e.loadStudyTx(ctx, tx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	if s.Status != domain.StatusRework {
		return e.ignored(ctx, op, s)
	}
	if !sameID(s.AnnotatorID, actor.ID) {
		return Outcome{}, precondition(op, "study %d is assigned to another annotator", s.ID)
	}
	if s.ReviewerID == nil {
		return Outcome{}, precondition(op, "study %d has no reviewer", s.ID)
	}
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, repo.StudyPatch{
		Status:          statusPtr(domain.StatusWaitingReview),
		ExpectAnnotator: int64Ptr(actor.ID),
	}, e.ts(), domain.StatusRework)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return e.ignored(ctx, op, s)
	}
	if err := e.audit().Append(ctx, tx, audit.Entry{
		StudyID: s.ID, From: statusPtr(domain.StatusRework), To: domain.StatusWaitingReview,
		Transition: domain.TransitionReworkReviewRequest, ActorID: int64Ptr(actor.ID), Iteration: s.Iteration,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	e.notify(ctx, notify.Notification{
		Kind: notify.KindReviewResubmitted, RecipientID: *s.ReviewerID,
		StudyID: s.ID, ExternalID: s.ExternalID, Iteration: s.Iteration,
	})
	out, err := e.loadStudy(ctx, s.ID)
	return Outcome{Study: out, Applied: true}, err
}

// StartReworkReview lets the assigned reviewer take a resubmitted study back into review.
func (e Engine) StartReworkReview(ctx context.Context, actor auth.Actor, studyID int64) (Outcome, error) {
	const op = "rework review start"
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	s, err := e.loadStudyTx(ctx, tx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	if s.Status == domain.StatusInReview && sameID(s.ReviewerID, actor.ID) {
		return e.ignored(ctx, op, s)
	}
	if s.Status != domain.StatusWaitingReview {
		return Outcome{}, precondition(op, "study %d is %s", s.ID, s.Status)
	}
	if s.ReviewerID == nil {
		return Outcome{}, precondition(op, "study %d has no reviewer; claim it for review", s.ID)
	}
	if !sameID(s.ReviewerID, actor.ID) {
		return Outcome{}, precondition(op, "study %d is reviewed by another reviewer", s.ID)
	}
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, repo.StudyPatch{Status: statusPtr(domain.StatusInReview)}, e.ts(), domain.StatusWaitingReview)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return e.ignored(ctx, op, s)
	}
	if err := e.audit().Append(ctx, tx, audit.Entry{
		StudyID: s.ID, From: statusPtr(domain.StatusWaitingReview), To: domain.StatusInReview,
		Transition: domain.TransitionReworkReviewStart, ActorID: int64Ptr(actor.ID), Iteration: s.Iteration,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	out, err := e.loadStudy(ctx, s.ID)
	return Outcome{Study: out, Applied: true}, err
}
