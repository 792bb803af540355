package engine

import (
	"context"
	"errors"
	"strconv"

	"annoline/internal/domain"
	"annoline/internal/repo"
)

func (e Engine) Study(ctx context.Context, id int64) (domain.Study, error) {
	return e.loadStudy(ctx, id)
}

func (e Engine) StudyByExternalID(ctx context.Context, externalID string) (domain.Study, error) {
	s, err := e.Repo.GetStudyByExternalID(ctx, externalID)
	if errors.Is(err, repo.ErrNotFound) {
		return s, NotFoundError{Entity: "study", Key: externalID}
	}
	return s, err
}

// ActiveStudy returns the study the annotator is working on.
func (e Engine) ActiveStudy(ctx context.Context, userID int64) (domain.Study, error) {
	s, err := e.Repo.ActiveForAnnotator(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return s, NotFoundError{Entity: "active study for user", Key: strconv.FormatInt(userID, 10)}
	}
	if err != nil {
		return s, err
	}
	return e.loadStudy(ctx, s.ID)
}

func (e Engine) History(ctx context.Context, studyID int64) ([]domain.StatusChange, error) {
	if _, err := e.loadStudy(ctx, studyID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, studyID)
}

// RejectComment returns the comment attached to the study's last rejection.
func (e Engine) RejectComment(ctx context.Context, studyID int64) (domain.ReviewComment, error) {
	s, err := e.loadStudy(ctx, studyID)
	if err != nil {
		return domain.ReviewComment{}, err
	}
	if s.RejectCommentID == nil {
		return domain.ReviewComment{}, NotFoundError{Entity: "reject comment for study", Key: strconv.FormatInt(studyID, 10)}
	}
	return e.Repo.GetReviewComment(ctx, *s.RejectCommentID)
}

func (e Engine) Project(ctx context.Context, id int64) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, NotFoundError{Entity: "project", Key: strconv.FormatInt(id, 10)}
	}
	return p, err
}

func (e Engine) User(ctx context.Context, id int64) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return u, NotFoundError{Entity: "user", Key: strconv.FormatInt(id, 10)}
	}
	return u, err
}

// Studies lists studies matching f, ordered by id.
func (e Engine) Studies(ctx context.Context, f repo.StudyFilters) ([]domain.Study, error) {
	return e.Repo.ListStudies(ctx, f)
}

// Batches lists the batches of a project, or every batch when projectID is zero, with their categories.
func (e Engine) Batches(ctx context.Context, projectID int64) ([]domain.Batch, error) {
	batches, err := e.Repo.ListBatches(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range batches {
		full, err := e.Repo.GetBatch(ctx, batches[i].ID)
		if err != nil {
			return nil, err
		}
		batches[i].Categories = full.Categories
	}
	return batches, nil
}

func (e Engine) Projects(ctx context.Context) ([]domain.Project, error) {
	projects, err := e.Repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		full, err := e.Repo.GetProject(ctx, projects[i].ID)
		if err != nil {
			return nil, err
		}
		projects[i].MemberIDs = full.MemberIDs
	}
	return projects, nil
}

func (e Engine) Users(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx)
}
