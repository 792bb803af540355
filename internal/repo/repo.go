package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"annoline/internal/db"
	"annoline/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

func conflictOr(err error, what string) error {
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s already exists", ErrConflict, what)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(statuses []domain.Status) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

// Projects

const projectColumns = `id,name,group_id,product,created_at`

func scanProject(row scanner) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.GroupID, &p.Product, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) CreateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) (domain.Project, error) {
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO projects(name,group_id,product,created_at) VALUES (?,?,?,?) RETURNING id`),
		p.Name, p.GroupID, string(p.Product), p.CreatedAt).Scan(&p.ID)
	if err != nil {
		return p, conflictOr(err, "project "+p.Name)
	}
	return p, nil
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return r.getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Project, error) {
	return r.getProject(ctx, tx, id)
}

func (r Repo) getProject(ctx context.Context, q querier, id int64) (domain.Project, error) {
	p, err := scanProject(q.QueryRowContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE id=?`), id))
	if err != nil {
		return p, err
	}
	p.MemberIDs, err = r.projectMembers(ctx, q, id)
	return p, err
}

func (r Repo) GetProjectByNameTx(ctx context.Context, tx *sql.Tx, name string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE name=?`), name))
}

// ProjectForBatchTx resolves the project owning a batch.
func (r Repo) ProjectForBatchTx(ctx context.Context, tx *sql.Tx, batchID int64) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, r.q(`SELECT p.id,p.name,p.group_id,p.product,p.created_at
		FROM projects p JOIN batches b ON b.project_id=p.id WHERE b.id=?`), batchID))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) projectMembers(ctx context.Context, q querier, projectID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT user_id FROM user_projects WHERE project_id=? ORDER BY user_id`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Users

const userColumns = `id,role,name,login,username,created_at`

func scanUser(row scanner) (domain.User, error) {
	var u domain.User
	var login, username sql.NullString
	err := row.Scan(&u.ID, &u.Role, &u.Name, &login, &username, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Login = stringPtr(login)
	u.Username = username.String
	return u, err
}

func (r Repo) CreateUserTx(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO users(id,role,name,login,username,created_at) VALUES (?,?,?,?,?,?)`),
		u.ID, string(u.Role), u.Name, nullableStringPtr(u.Login), nullable(u.Username), u.CreatedAt)
	return conflictOr(err, fmt.Sprintf("user %d", u.ID))
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return r.getUser(ctx, r.DB, id, false)
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id int64) (domain.User, error) {
	return r.getUser(ctx, tx, id, false)
}

// LockUserTx reads a user and, on Postgres, holds its row lock until the transaction ends.
func (r Repo) LockUserTx(ctx context.Context, tx *sql.Tx, id int64) (domain.User, error) {
	return r.getUser(ctx, tx, id, true)
}

func (r Repo) getUser(ctx context.Context, q querier, id int64, lock bool) (domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id=?`
	if lock {
		query += r.Dialect.LockRows("", false)
	}
	u, err := scanUser(q.QueryRowContext(ctx, r.q(query), id))
	if err != nil {
		return u, err
	}
	u.ProjectIDs, err = r.userProjects(ctx, q, id)
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) AddUserToProjectTx(ctx context.Context, tx *sql.Tx, userID, projectID int64) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO user_projects(user_id,project_id) VALUES (?,?) ON CONFLICT DO NOTHING`), userID, projectID)
	return err
}

func (r Repo) IsMemberTx(ctx context.Context, tx *sql.Tx, userID, projectID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM user_projects WHERE user_id=? AND project_id=?`), userID, projectID).Scan(&n)
	return n > 0, err
}

func (r Repo) userProjects(ctx context.Context, q querier, userID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT project_id FROM user_projects WHERE user_id=? ORDER BY project_id`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
