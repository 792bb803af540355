package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"annoline/internal/db"
	"annoline/internal/domain"
)

const studyColumns = `id,external_id,batch_id,path,status,iteration,annotator_id,reviewer_id,share_link,upload_link,prev_upload_link,reject_comment_id,self_annotation,created_at,updated_at`

func scanStudy(row scanner) (domain.Study, error) {
	var s domain.Study
	var annotator, reviewer, rejectComment sql.NullInt64
	var share, upload, prevUpload, selfAnno sql.NullString
	err := row.Scan(&s.ID, &s.ExternalID, &s.BatchID, &s.Path, &s.Status, &s.Iteration,
		&annotator, &reviewer, &share, &upload, &prevUpload, &rejectComment, &selfAnno,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.AnnotatorID = int64Ptr(annotator)
	s.ReviewerID = int64Ptr(reviewer)
	s.ShareLink = stringPtr(share)
	s.UploadLink = stringPtr(upload)
	s.PrevUploadLink = stringPtr(prevUpload)
	s.RejectCommentID = int64Ptr(rejectComment)
	if selfAnno.Valid {
		st := domain.Status(selfAnno.String)
		s.SelfAnnotation = &st
	}
	return s, nil
}

func scanStudies(rows *sql.Rows) ([]domain.Study, error) {
	defer rows.Close()
	var res []domain.Study
	for rows.Next() {
		s, err := scanStudy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetStudy(ctx context.Context, id int64) (domain.Study, error) {
	s, err := scanStudy(r.DB.QueryRowContext(ctx, r.q(`SELECT `+studyColumns+` FROM studies WHERE id=?`), id))
	if err != nil {
		return s, err
	}
	s.Categories, err = r.studyCategories(ctx, r.DB, id)
	return s, err
}

// GetStudyTx reads a study inside tx. With lock set, Postgres holds the row lock until commit.
func (r Repo) GetStudyTx(ctx context.Context, tx *sql.Tx, id int64, lock bool) (domain.Study, error) {
	query := `SELECT ` + studyColumns + ` FROM studies WHERE id=?`
	if lock {
		query += r.Dialect.LockRows("", false)
	}
	return scanStudy(tx.QueryRowContext(ctx, r.q(query), id))
}

// GetStudyByExternalID returns the most recent study carrying the external identifier.
func (r Repo) GetStudyByExternalID(ctx context.Context, externalID string) (domain.Study, error) {
	s, err := scanStudy(r.DB.QueryRowContext(ctx, r.q(`SELECT `+studyColumns+` FROM studies WHERE external_id=? ORDER BY id DESC LIMIT 1`), externalID))
	if err != nil {
		return s, err
	}
	s.Categories, err = r.studyCategories(ctx, r.DB, s.ID)
	return s, err
}

// StudyExistsTx reports whether any batch already holds a study with externalID.
func (r Repo) StudyExistsTx(ctx context.Context, tx *sql.Tx, externalID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM studies WHERE external_id=?`), externalID).Scan(&n)
	return n > 0, err
}

type StudyFilters struct {
	ProjectID   int64
	BatchID     int64
	Status      domain.Status
	AnnotatorID int64
	ReviewerID  int64
	Limit       int
}

func (r Repo) ListStudies(ctx context.Context, f StudyFilters) ([]domain.Study, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != 0 {
		where = append(where, `batch_id IN (SELECT id FROM batches WHERE project_id=?)`)
		args = append(args, f.ProjectID)
	}
	if f.BatchID != 0 {
		where = append(where, `batch_id=?`)
		args = append(args, f.BatchID)
	}
	if f.Status != "" {
		where = append(where, `status=?`)
		args = append(args, string(f.Status))
	}
	if f.AnnotatorID != 0 {
		where = append(where, `annotator_id=?`)
		args = append(args, f.AnnotatorID)
	}
	if f.ReviewerID != 0 {
		where = append(where, `reviewer_id=?`)
		args = append(args, f.ReviewerID)
	}
	query := `SELECT ` + studyColumns + ` FROM studies`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanStudies(rows)
}

// ActiveForAnnotator returns the study an annotator is currently working on.
func (r Repo) ActiveForAnnotator(ctx context.Context, userID int64) (domain.Study, error) {
	return r.activeForAnnotator(ctx, r.DB, userID)
}

func (r Repo) ActiveForAnnotatorTx(ctx context.Context, tx *sql.Tx, userID int64) (domain.Study, error) {
	return r.activeForAnnotator(ctx, tx, userID)
}

func (r Repo) activeForAnnotator(ctx context.Context, q querier, userID int64) (domain.Study, error) {
	active := []domain.Status{domain.StatusAssigned, domain.StatusWaitingRework, domain.StatusRework}
	args := append([]any{userID}, statusArgs(active)...)
	return scanStudy(q.QueryRowContext(ctx, r.q(`SELECT `+studyColumns+` FROM studies
		WHERE annotator_id=? AND status IN (`+placeholders(len(active))+`) ORDER BY id LIMIT 1`), args...))
}

// ReviewerBusyTx reports whether the reviewer already holds a study waiting for or in review.
func (r Repo) ReviewerBusyTx(ctx context.Context, tx *sql.Tx, reviewerID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM studies WHERE reviewer_id=? AND status IN (?,?)`),
		reviewerID, string(domain.StatusWaitingReview), string(domain.StatusInReview)).Scan(&n)
	return n > 0, err
}

// Unprovisioned lists claimed studies missing their share or upload link.
func (r Repo) Unprovisioned(ctx context.Context) ([]domain.Study, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+studyColumns+` FROM studies
		WHERE status=? AND (share_link IS NULL OR upload_link IS NULL) ORDER BY id`), string(domain.StatusAssigned))
	if err != nil {
		return nil, err
	}
	return scanStudies(rows)
}

// ClaimNextTx assigns the lowest-id new study of the project to the worker in one statement.
// Rows locked by concurrent claimers are skipped on Postgres. A nil study means nothing was free.
func (r Repo) ClaimNextTx(ctx context.Context, tx *sql.Tx, projectID, workerID int64, now string) (*domain.Study, error) {
	cte := `WITH c AS (`
	if r.Dialect == db.Postgres {
		cte = `WITH c AS MATERIALIZED (`
	}
	query := cte + `SELECT s.id FROM studies s JOIN batches b ON b.id=s.batch_id
		WHERE b.project_id=? AND s.status=? ORDER BY s.id LIMIT 1` + r.Dialect.LockRows("s", true) + `)
		UPDATE studies SET annotator_id=?, status=?, iteration=1, updated_at=?
		WHERE id=(SELECT id FROM c)
		RETURNING ` + studyColumns
	s, err := scanStudy(tx.QueryRowContext(ctx, r.q(query),
		projectID, string(domain.StatusNew), workerID, string(domain.StatusAssigned), now))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// StudyPatch lists the columns to change. Nil fields are left alone.
type StudyPatch struct {
	Status          *domain.Status
	Iteration       *int
	AnnotatorID     *int64
	ReviewerID      *int64
	ShareLink       *string
	UploadLink      *string
	PrevUploadLink  *string
	RejectCommentID *int64
	SelfAnnotation  *domain.Status
	// ClearAssignment nulls the annotator, reviewer, links, reject comment and self-annotation target.
	ClearAssignment     bool
	ClearSelfAnnotation bool
	// ExpectAnnotator restricts the update to rows still owned by that annotator.
	ExpectAnnotator *int64
}

// UpdateStudyTx applies patch to the study. When expect is non-empty the row only changes if its
// current status is one of expect; the boolean reports whether a row was updated.
func (r Repo) UpdateStudyTx(ctx context.Context, tx *sql.Tx, id int64, patch StudyPatch, now string, expect ...domain.Status) (bool, error) {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if patch.ClearAssignment {
		for _, col := range []string{"annotator_id", "reviewer_id", "share_link", "upload_link", "prev_upload_link", "reject_comment_id", "self_annotation"} {
			fields = append(fields, col+"=NULL")
		}
	} else if patch.ClearSelfAnnotation {
		fields = append(fields, "self_annotation=NULL")
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.Iteration != nil {
		set("iteration", *patch.Iteration)
	}
	if patch.AnnotatorID != nil {
		set("annotator_id", *patch.AnnotatorID)
	}
	if patch.ReviewerID != nil {
		set("reviewer_id", *patch.ReviewerID)
	}
	if patch.ShareLink != nil {
		set("share_link", *patch.ShareLink)
	}
	if patch.UploadLink != nil {
		set("upload_link", *patch.UploadLink)
	}
	if patch.PrevUploadLink != nil {
		set("prev_upload_link", *patch.PrevUploadLink)
	}
	if patch.RejectCommentID != nil {
		set("reject_comment_id", *patch.RejectCommentID)
	}
	if patch.SelfAnnotation != nil {
		set("self_annotation", string(*patch.SelfAnnotation))
	}
	if len(fields) == 0 {
		return false, nil
	}
	set("updated_at", now)
	query := `UPDATE studies SET ` + strings.Join(fields, ",") + ` WHERE id=?`
	args = append(args, id)
	if len(expect) > 0 {
		query += ` AND status IN (` + placeholders(len(expect)) + `)`
		args = append(args, statusArgs(expect)...)
	}
	if patch.ExpectAnnotator != nil {
		query += ` AND annotator_id=?`
		args = append(args, *patch.ExpectAnnotator)
	}
	res, err := tx.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CreateStudiesTx inserts studies and fills their ids.
func (r Repo) CreateStudiesTx(ctx context.Context, tx *sql.Tx, studies []domain.Study) ([]domain.Study, error) {
	out := make([]domain.Study, 0, len(studies))
	for _, s := range studies {
		err := tx.QueryRowContext(ctx, r.q(`INSERT INTO studies(external_id,batch_id,path,status,iteration,created_at,updated_at)
			VALUES (?,?,?,?,?,?,?) RETURNING id`),
			s.ExternalID, s.BatchID, s.Path, string(s.Status), s.Iteration, s.CreatedAt, s.UpdatedAt).Scan(&s.ID)
		if err != nil {
			return nil, fmt.Errorf("insert study %s: %w", s.ExternalID, err)
		}
		out = append(out, s)
	}
	return out, nil
}
