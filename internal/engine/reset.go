package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"annoline/internal/audit"
	"annoline/internal/domain"
	"annoline/internal/engine/auth"
	"annoline/internal/logging"
	"annoline/internal/repo"
)

const (
	resetAudience    = "annoline-reset"
	resetProposalTTL = 5 * time.Minute
)

// ResetProposal captures the study state an operator agreed to reset.
type ResetProposal struct {
	Token     string        `json:"token"`
	StudyID   int64         `json:"study_id"`
	Status    domain.Status `json:"status"`
	Iteration int           `json:"iteration"`
	ExpiresAt time.Time     `json:"expires_at"`
}

type resetClaims struct {
	jwt.RegisteredClaims
	Status    domain.Status `json:"status"`
	Iteration int           `json:"iteration"`
}

func (e Engine) signingKey() ([]byte, error) {
	if e.Config == nil || e.Config.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret not configured")
	}
	return []byte(e.Config.Auth.JWTSecret), nil
}

func checkResettable(op string, s domain.Study) error {
	if s.Status == domain.StatusNew {
		return precondition(op, "study %d is already new", s.ID)
	}
	if s.Status.Terminal() {
		return precondition(op, "study %d is %s and cannot be reset", s.ID, s.Status)
	}
	return nil
}

// ProposeReset validates that the study can be reset and returns a signed proposal
// to be confirmed with ConfirmReset.
func (e Engine) ProposeReset(ctx context.Context, actor auth.Actor, studyID int64) (ResetProposal, error) {
	s, err := e.loadStudy(ctx, studyID)
	if err != nil {
		return ResetProposal{}, err
	}
	if err := checkResettable("reset", s); err != nil {
		return ResetProposal{}, err
	}
	key, err := e.signingKey()
	if err != nil {
		return ResetProposal{}, err
	}
	now := e.now()
	p := ResetProposal{StudyID: s.ID, Status: s.Status, Iteration: s.Iteration, ExpiresAt: now.Add(resetProposalTTL).UTC()}
	claims := resetClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(s.ID, 10),
			Audience:  jwt.ClaimStrings{resetAudience},
			Issuer:    strconv.FormatInt(actor.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
		Status:    s.Status,
		Iteration: s.Iteration,
	}
	p.Token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return ResetProposal{}, fmt.Errorf("sign reset proposal: %w", err)
	}
	return p, nil
}

// ConfirmReset applies a proposal if the study still matches what was proposed.
func (e Engine) ConfirmReset(ctx context.Context, actor auth.Actor, token string) (domain.Study, error) {
	const op = "reset"
	key, err := e.signingKey()
	if err != nil {
		return domain.Study{}, err
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(resetAudience),
		jwt.WithTimeFunc(e.now),
	)
	claims := &resetClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return domain.Study{}, precondition(op, "invalid reset proposal: %v", err)
	}
	studyID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return domain.Study{}, precondition(op, "invalid reset proposal subject")
	}
	return e.reset(ctx, actor, studyID, func(s domain.Study) error {
		if s.Status != claims.Status || s.Iteration != claims.Iteration {
			return precondition(op, "study %d changed since the reset was proposed (%s/%d, now %s/%d)",
				s.ID, claims.Status, claims.Iteration, s.Status, s.Iteration)
		}
		return nil
	})
}

// Reset returns a non-terminal study to new, as if freshly ingested.
func (e Engine) Reset(ctx context.Context, actor auth.Actor, studyID int64) (domain.Study, error) {
	return e.reset(ctx, actor, studyID, nil)
}

func (e Engine) reset(ctx context.Context, actor auth.Actor, studyID int64, check func(domain.Study) error) (domain.Study, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Study{}, err
	}
	defer tx.Rollback()
	s, err := e.loadStudyTx(ctx, tx, studyID)
	if err != nil {
		return domain.Study{}, err
	}
	if err := checkResettable("reset", s); err != nil {
		return domain.Study{}, err
	}
	if check != nil {
		if err := check(s); err != nil {
			return domain.Study{}, err
		}
	}
	if err := e.resetTx(ctx, tx, s, actor); err != nil {
		return domain.Study{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Study{}, err
	}
	logging.Info(logging.WithStudyID(ctx, s.ID), "study reset", "actor_id", actor.ID, "from", s.Status)
	return e.loadStudy(ctx, s.ID)
}

func (e Engine) resetTx(ctx context.Context, tx *sql.Tx, s domain.Study, actor auth.Actor) error {
	ok, err := e.Repo.UpdateStudyTx(ctx, tx, s.ID, repo.StudyPatch{
		Status:          statusPtr(domain.StatusNew),
		Iteration:       intPtr(0),
		ClearAssignment: true,
	}, e.ts(), s.Status)
	if err != nil {
		return err
	}
	if !ok {
		return precondition("reset", "study %d changed concurrently", s.ID)
	}
	if err := e.Repo.ReplaceStudyCategoriesTx(ctx, tx, s.ID, nil); err != nil {
		return err
	}
	from := s.Status
	return e.audit().Append(ctx, tx, audit.Entry{
		StudyID: s.ID, From: &from, To: domain.StatusNew,
		Transition: domain.TransitionReset, ActorID: int64Ptr(actor.ID), Iteration: 0,
		Payload: audit.Payload{"previous_iteration": s.Iteration},
	})
}
