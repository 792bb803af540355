package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"annoline/internal/domain"
	"annoline/internal/engine/auth"
	"annoline/internal/repo"
)

type ProjectInput struct {
	Name    string
	GroupID int64
	Product string
}

func (e Engine) CreateProject(ctx context.Context, in ProjectInput) (domain.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Project{}, invalid("project name is required")
	}
	if in.GroupID == 0 {
		return domain.Project{}, invalid("project group id is required")
	}
	product, err := domain.ParseProduct(in.Product)
	if err != nil {
		return domain.Project{}, invalid("%v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.CreateProjectTx(ctx, tx, domain.Project{Name: name, GroupID: in.GroupID, Product: product, CreatedAt: e.ts()})
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) AddUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.ID == 0 {
		return domain.User{}, invalid("user id is required")
	}
	if _, err := domain.ParseRole(string(u.Role)); err != nil {
		return domain.User{}, invalid("%v", err)
	}
	u.Name = strings.TrimSpace(u.Name)
	if u.Name == "" {
		return domain.User{}, invalid("user name is required")
	}
	if u.Login != nil && strings.TrimSpace(*u.Login) == "" {
		u.Login = nil
	}
	u.CreatedAt = e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.CreateUserTx(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) AddUserToProject(ctx context.Context, userID, projectID int64) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.addMemberTx(ctx, tx, userID, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) addMemberTx(ctx context.Context, tx *sql.Tx, userID, projectID int64) error {
	if _, err := e.Repo.GetUserTx(ctx, tx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Entity: "user", Key: strconv.FormatInt(userID, 10)}
		}
		return err
	}
	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Entity: "project", Key: strconv.FormatInt(projectID, 10)}
		}
		return err
	}
	return e.Repo.AddUserToProjectTx(ctx, tx, userID, projectID)
}

func (e Engine) invites() auth.Invites {
	inv := auth.Invites{Now: e.now}
	if e.Config != nil {
		inv.Secret = []byte(e.Config.Auth.JWTSecret)
		inv.TTL = e.Config.Auth.InviteTTL
	}
	return inv
}

// IssueInvite signs a registration token for role, optionally bound to a project.
func (e Engine) IssueInvite(ctx context.Context, role domain.Role, projectID int64) (string, auth.Invite, error) {
	if _, err := domain.ParseRole(string(role)); err != nil {
		return "", auth.Invite{}, invalid("%v", err)
	}
	if projectID != 0 {
		if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", auth.Invite{}, NotFoundError{Entity: "project", Key: strconv.FormatInt(projectID, 10)}
			}
			return "", auth.Invite{}, err
		}
	}
	return e.invites().Issue(role, projectID)
}

type RegisterInput struct {
	UserID   int64
	Name     string
	Login    string
	Username string
}

// Register redeems an invite: the user is created with the invite's role and joins its project.
func (e Engine) Register(ctx context.Context, token string, in RegisterInput) (domain.User, error) {
	inv, err := e.invites().Parse(token)
	if err != nil {
		return domain.User{}, precondition("register", "%v", err)
	}
	if in.UserID == 0 {
		return domain.User{}, invalid("user id is required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.User{}, invalid("user name is required")
	}
	u := domain.User{ID: in.UserID, Role: inv.Role, Name: name, Username: strings.TrimSpace(in.Username), CreatedAt: e.ts()}
	if login := strings.TrimSpace(in.Login); login != "" {
		u.Login = &login
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.CreateUserTx(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("register user %d: %w", u.ID, err)
	}
	if inv.ProjectID != 0 {
		if err := e.addMemberTx(ctx, tx, u.ID, inv.ProjectID); err != nil {
			return domain.User{}, err
		}
		u.ProjectIDs = []int64{inv.ProjectID}
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}
