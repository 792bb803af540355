package auth

import (
	"context"
	"errors"
	"fmt"

	"annoline/internal/domain"
	"annoline/internal/repo"
)

// Capability names an operation family gated at the boundary.
type Capability string

const (
	CapStudyClaim    Capability = "study.claim"
	CapStudyAnnotate Capability = "study.annotate"
	CapStudyReview   Capability = "study.review"
	CapStudyRead     Capability = "study.read"
	CapStudyReset    Capability = "study.reset"
	CapProvision     Capability = "provision"
	CapIngest        Capability = "ingest"
)

var roleCapabilities = map[domain.Role][]Capability{
	domain.RoleAnnotator: {CapStudyClaim, CapStudyAnnotate, CapStudyRead},
	domain.RoleValidator: {CapStudyReview, CapStudyRead},
}

// Can reports whether role grants capability. Admins hold every capability.
func Can(role domain.Role, c Capability) bool {
	if role == domain.RoleAdmin {
		return true
	}
	for _, granted := range roleCapabilities[role] {
		if granted == c {
			return true
		}
	}
	return false
}

// Capabilities lists what a role may do.
func Capabilities(role domain.Role) []Capability {
	if role == domain.RoleAdmin {
		return []Capability{CapStudyClaim, CapStudyAnnotate, CapStudyReview, CapStudyRead, CapStudyReset, CapProvision, CapIngest}
	}
	return append([]Capability(nil), roleCapabilities[role]...)
}

// ForbiddenError indicates missing capability.
type ForbiddenError struct {
	Capability Capability
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

// NotRegisteredError indicates an identity with no user row.
type NotRegisteredError struct {
	UserID int64
}

func (e NotRegisteredError) Error() string {
	return fmt.Sprintf("user %d is not registered", e.UserID)
}

// Actor is an authenticated, authorized caller handed to engine operations.
type Actor struct {
	ID   int64
	Role domain.Role
}

// Authorizer resolves users against the store.
type Authorizer struct {
	Repo repo.Repo
}

// Authorize loads the user and checks the capability once, at the boundary.
func (a Authorizer) Authorize(ctx context.Context, userID int64, c Capability) (Actor, error) {
	u, err := a.Repo.GetUser(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return Actor{}, NotRegisteredError{UserID: userID}
	}
	if err != nil {
		return Actor{}, err
	}
	if !Can(u.Role, c) {
		return Actor{}, ForbiddenError{Capability: c}
	}
	return Actor{ID: u.ID, Role: u.Role}, nil
}
