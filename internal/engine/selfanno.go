package engine

import (
	"context"
	"fmt"
	"strings"

	"annoline/internal/audit"
	"annoline/internal/domain"
	"annoline/internal/engine/auth"
	"annoline/internal/notify"
	"annoline/internal/repo"
)

// SelfMode selects where a self-annotation ends.
type SelfMode string

const (
	// SelfReject replaces reject once the iteration limit is reached; closes as closed_f.
	SelfReject SelfMode = "reject"
	// SelfApprove is approve with self-annotation; closes as approved_f.
	SelfApprove SelfMode = "approve"
)

func (m SelfMode) target() (domain.Status, error) {
	switch m {
	case SelfReject:
		return domain.StatusClosedF, nil
	case SelfApprove:
		return domain.StatusApprovedF, nil
	}
	return "", fmt.Errorf("invalid self-annotation mode %q", string(m))
}

// SelfAnnotate lets the reviewer finish the annotation personally. It opens the next version
// folder and keeps the study in review until SelfClose.
func (e Engine) SelfAnnotate(ctx context.Context, actor auth.Actor, studyID int64, mode SelfMode, note string) (Outcome, error) {
	const op = "self-annotate"
	target, err := mode.target()
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
	if _, err := e.reviewGuard(op, s, actor); err != nil {
		return Outcome{}, err
	}
	if s.SelfAnnotation != nil {
		return e.ignored(ctx, op, s)
	}
	if limit := e.iterationLimit(); mode == SelfReject && s.Iteration < limit {
		return Outcome{}, precondition(op, "reject is available until iteration %d", limit)
	}
	next := s.Iteration + 1
	link, err := e.openVersion(ctx, s, next, actor.ID)
	if err != nil {
		return Outcome{}, err
	}
	patch := repo.StudyPatch{
		Iteration:      intPtr(next),
		UploadLink:     &link,
		SelfAnnotation: &target,
	}
	if s.UploadLink != nil {
		patch.PrevUploadLink = s.UploadLink
	}
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, patch, e.ts(), domain.StatusInReview)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return e.ignored(ctx, op, s)
	}
	note = strings.TrimSpace(note)
	payload := audit.Payload{"mode": string(mode), "version": domain.VersionFolder(next)}
	if note != "" {
		payload["note"] = note
	}
	if err := e.audit().Append(ctx, tx, audit.Entry{
		StudyID: s.ID, From: statusPtr(domain.StatusInReview), To: domain.StatusInReview,
		Transition: domain.TransitionSelfAnnotate, ActorID: int64Ptr(actor.ID), Iteration: next,
		Payload: payload,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	e.notify(ctx, notify.Notification{
		Kind: notify.KindSelfAnnotationStarted, RecipientID: *s.AnnotatorID,
		StudyID: s.ID, ExternalID: s.ExternalID, Iteration: next, Note: note,
	})
	out, err := e.loadStudy(ctx, s.ID)
	return Outcome{Study: out, Applied: true}, err
}

// SelfClose finishes a self-annotation: the current folder must hold the reviewer's upload,
// which is promoted before the study reaches its pending target.
func (e Engine) SelfClose(ctx context.Context, actor auth.Actor, studyID int64) (Outcome, error) {
	const op = "self-close"
	s, err := e.loadStudy(ctx, studyID)
	if err != nil {
		return Outcome{}, err
	}
	if isOneOf(s.Status, domain.StatusClosedF, domain.StatusApprovedF) && sameID(s.ReviewerID, actor.ID) {
		return e.ignored(ctx, op, s)
	}
	if _, err := e.reviewGuard(op, s, actor); err != nil {
		return Outcome{}, err
	}
	if s.SelfAnnotation == nil {
		return Outcome{}, precondition(op, "study %d has no pending self-annotation", s.ID)
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
	if s.Status != domain.StatusInReview || s.SelfAnnotation == nil {
		return e.ignored(ctx, op, s)
	}
	target := *s.SelfAnnotation
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, repo.StudyPatch{Status: &target, ClearSelfAnnotation: true}, e.ts(), domain.StatusInReview)
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
		StudyID: s.ID, From: statusPtr(domain.StatusInReview), To: target,
		Transition: domain.TransitionSelfClose, ActorID: int64Ptr(actor.ID), Iteration: s.Iteration,
		Payload: payload,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	out, err := e.loadStudy(ctx, s.ID)
	return Outcome{Study: out, Applied: true}, err
}
