package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"annoline/internal/domain"
)

// ListHistory returns the audit rows of a study, oldest first.
func (r Repo) ListHistory(ctx context.Context, studyID int64) ([]domain.StatusChange, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,study_id,from_status,to_status,transition,actor_id,iteration,payload,changed_at
		FROM study_status_history WHERE study_id=? ORDER BY id`), studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusChange
	for rows.Next() {
		var (
			c       domain.StatusChange
			from    sql.NullString
			actor   sql.NullInt64
			payload sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.StudyID, &from, &c.To, &c.Transition, &actor, &c.Iteration, &payload, &c.ChangedAt); err != nil {
			return nil, err
		}
		if from.Valid {
			st := domain.Status(from.String)
			c.From = &st
		}
		c.ActorID = int64Ptr(actor)
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &c.Payload)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertReviewCommentTx(ctx context.Context, tx *sql.Tx, c domain.ReviewComment) (domain.ReviewComment, error) {
	photos := c.PhotoIDs
	if photos == nil {
		photos = []string{}
	}
	b, err := json.Marshal(photos)
	if err != nil {
		return c, err
	}
	err = tx.QueryRowContext(ctx, r.q(`INSERT INTO review_comments(study_id,reviewer_id,iteration,comment,photo_ids,message_ref,created_at)
		VALUES (?,?,?,?,?,?,?) RETURNING id`),
		c.StudyID, c.ReviewerID, c.Iteration, c.Comment, string(b), nullableStringPtr(c.MessageRef), c.CreatedAt).Scan(&c.ID)
	c.PhotoIDs = photos
	return c, err
}

func (r Repo) GetReviewComment(ctx context.Context, id int64) (domain.ReviewComment, error) {
	var (
		c      domain.ReviewComment
		photos string
		ref    sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,study_id,reviewer_id,iteration,comment,photo_ids,message_ref,created_at
		FROM review_comments WHERE id=?`), id).Scan(&c.ID, &c.StudyID, &c.ReviewerID, &c.Iteration, &c.Comment, &photos, &ref, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(photos), &c.PhotoIDs); err != nil {
		return c, err
	}
	c.MessageRef = stringPtr(ref)
	return c, nil
}
