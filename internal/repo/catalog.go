package repo

import (
	"context"
	"database/sql"
	"fmt"

	"annoline/internal/domain"
)

// Batches

const batchColumns = `id,name,project_id,created_at`

func scanBatch(row scanner) (domain.Batch, error) {
	var b domain.Batch
	err := row.Scan(&b.ID, &b.Name, &b.ProjectID, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) CreateBatchTx(ctx context.Context, tx *sql.Tx, b domain.Batch) (domain.Batch, error) {
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO batches(name,project_id,created_at) VALUES (?,?,?) RETURNING id`),
		b.Name, b.ProjectID, b.CreatedAt).Scan(&b.ID)
	if err != nil {
		return b, conflictOr(err, "batch "+b.Name)
	}
	return b, nil
}

func (r Repo) GetBatch(ctx context.Context, id int64) (domain.Batch, error) {
	b, err := scanBatch(r.DB.QueryRowContext(ctx, r.q(`SELECT `+batchColumns+` FROM batches WHERE id=?`), id))
	if err != nil {
		return b, err
	}
	b.Categories, err = r.batchCategories(ctx, r.DB, id)
	return b, err
}

func (r Repo) GetBatchByName(ctx context.Context, name string) (domain.Batch, error) {
	b, err := scanBatch(r.DB.QueryRowContext(ctx, r.q(`SELECT `+batchColumns+` FROM batches WHERE name=?`), name))
	if err != nil {
		return b, err
	}
	b.Categories, err = r.batchCategories(ctx, r.DB, b.ID)
	return b, err
}

func (r Repo) ListBatches(ctx context.Context, projectID int64) ([]domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches`
	var args []any
	if projectID != 0 {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query+` ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// Categories

// GetOrCreateCategoryTx returns the category with name, inserting it when missing.
func (r Repo) GetOrCreateCategoryTx(ctx context.Context, tx *sql.Tx, name string) (domain.Category, error) {
	if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO categories(name) VALUES (?) ON CONFLICT(name) DO NOTHING`), name); err != nil {
		return domain.Category{}, fmt.Errorf("create category %q: %w", name, err)
	}
	c := domain.Category{Name: name}
	if err := tx.QueryRowContext(ctx, r.q(`SELECT id FROM categories WHERE name=?`), name).Scan(&c.ID); err != nil {
		return c, fmt.Errorf("load category %q: %w", name, err)
	}
	return c, nil
}

func (r Repo) AttachBatchCategoryTx(ctx context.Context, tx *sql.Tx, batchID, categoryID int64) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO batch_categories(batch_id,category_id) VALUES (?,?) ON CONFLICT DO NOTHING`), batchID, categoryID)
	return err
}

// BatchCategoriesTx lists the categories offered by a batch.
func (r Repo) BatchCategoriesTx(ctx context.Context, tx *sql.Tx, batchID int64) ([]domain.Category, error) {
	return r.batchCategories(ctx, tx, batchID)
}

func (r Repo) batchCategories(ctx context.Context, q querier, batchID int64) ([]domain.Category, error) {
	return r.categories(ctx, q, `SELECT c.id,c.name FROM categories c
		JOIN batch_categories bc ON bc.category_id=c.id WHERE bc.batch_id=? ORDER BY c.id`, batchID)
}

func (r Repo) studyCategories(ctx context.Context, q querier, studyID int64) ([]domain.Category, error) {
	return r.categories(ctx, q, `SELECT c.id,c.name FROM categories c
		JOIN study_categories sc ON sc.category_id=c.id WHERE sc.study_id=? ORDER BY c.id`, studyID)
}

func (r Repo) StudyCategoriesTx(ctx context.Context, tx *sql.Tx, studyID int64) ([]domain.Category, error) {
	return r.studyCategories(ctx, tx, studyID)
}

func (r Repo) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return r.categories(ctx, r.DB, `SELECT id,name FROM categories ORDER BY id`)
}

func (r Repo) categories(ctx context.Context, q querier, query string, args ...any) ([]domain.Category, error) {
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ReplaceStudyCategoriesTx swaps the study's assigned categories for ids.
func (r Repo) ReplaceStudyCategoriesTx(ctx context.Context, tx *sql.Tx, studyID int64, ids []int64) error {
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM study_categories WHERE study_id=?`), studyID); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO study_categories(study_id,category_id) VALUES (?,?) ON CONFLICT DO NOTHING`), studyID, id); err != nil {
			return err
		}
	}
	return nil
}
