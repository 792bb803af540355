package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"annoline/internal/domain"
)

const inviteAudience = "annoline-invite"

// Invite is a signed registration grant.
type Invite struct {
	Role      domain.Role
	ProjectID int64
	ExpiresAt time.Time
}

type inviteClaims struct {
	jwt.RegisteredClaims
	Role      domain.Role `json:"role"`
	ProjectID int64       `json:"project_id,omitempty"`
}

// Invites signs and verifies registration tokens with HS256.
type Invites struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func (i Invites) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i Invites) Issue(role domain.Role, projectID int64) (string, Invite, error) {
	if len(i.Secret) == 0 {
		return "", Invite{}, errors.New("invite secret not configured")
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	inv := Invite{Role: role, ProjectID: projectID, ExpiresAt: i.now().Add(ttl).UTC()}
	claims := inviteClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{inviteAudience},
			IssuedAt:  jwt.NewNumericDate(i.now()),
			ExpiresAt: jwt.NewNumericDate(inv.ExpiresAt),
		},
		Role:      role,
		ProjectID: projectID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
	if err != nil {
		return "", Invite{}, fmt.Errorf("sign invite: %w", err)
	}
	return token, inv, nil
}

func (i Invites) Parse(token string) (Invite, error) {
	if len(i.Secret) == 0 {
		return Invite{}, errors.New("invite secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(inviteAudience),
		jwt.WithTimeFunc(i.now),
	)
	claims := &inviteClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.Secret, nil
	})
	if err != nil {
		return Invite{}, fmt.Errorf("invalid invite: %w", err)
	}
	if !parsed.Valid {
		return Invite{}, errors.New("invalid invite")
	}
	if _, err := domain.ParseRole(string(claims.Role)); err != nil {
		return Invite{}, fmt.Errorf("invalid invite: %w", err)
	}
	inv := Invite{Role: claims.Role, ProjectID: claims.ProjectID}
	if claims.ExpiresAt != nil {
		inv.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return inv, nil
}
