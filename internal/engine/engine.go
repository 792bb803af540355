package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"annoline/internal/audit"
	"annoline/internal/config"
	"annoline/internal/db"
	"annoline/internal/domain"
	"annoline/internal/engine/auth"
	"annoline/internal/logging"
	"annoline/internal/notify"
	"annoline/internal/repo"
	"annoline/internal/storage"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Storage  storage.Storage
	Notifier notify.Notifier
	Config   *config.Config
	Now      func() time.Time

	flight *singleflight.Group
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, store storage.Storage, n notify.Notifier) Engine {
	if n == nil {
		n = notify.LogNotifier{}
	}
	return Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn, Dialect: dialect},
		Audit:    audit.Writer{Dialect: dialect},
		Storage:  store,
		Notifier: n,
		Config:   cfg,
		Now:      time.Now,
		flight:   &singleflight.Group{},
	}
}

// Outcome is returned by transitions that tolerate late duplicates.
// Applied is false when the request was ignored because the study had already moved on.
type Outcome struct {
	Study   domain.Study `json:"study"`
	Applied bool         `json:"applied"`
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// PreconditionError reports a transition refused in the current state. Nothing was changed.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// ErrInvalidInput wraps malformed operation input.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func precondition(op, format string, args ...any) error {
	return PreconditionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) audit() audit.Writer {
	w := e.Audit
	w.Now = e.now
	return w
}

func (e Engine) iterationLimit() int {
	if e.Config == nil || e.Config.Workflow.IterationLimit < 1 {
		return 3
	}
	return e.Config.Workflow.IterationLimit
}

// collapse runs fn once for concurrent callers sharing key.
func (e Engine) collapse(key string, fn func() (Outcome, error)) (Outcome, error) {
	if e.flight == nil {
		return fn()
	}
	v, err, _ := e.flight.Do(key, func() (any, error) {
		return fn()
	})
	out, _ := v.(Outcome)
	return out, err
}

func (e Engine) notify(ctx context.Context, n notify.Notification) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, n); err != nil {
		logging.Warn(ctx, "notification failed", "kind", n.Kind, "study_id", n.StudyID, "err", err)
	}
}

func (e Engine) ignored(ctx context.Context, op string, s domain.Study) (Outcome, error) {
	logging.Debug(ctx, "duplicate transition ignored", "op", op, "study_id", s.ID, "status", s.Status)
	return Outcome{Study: s, Applied: false}, nil
}

func studyNotFound(id int64) error {
	return NotFoundError{Entity: "study", Key: strconv.FormatInt(id, 10)}
}

// loadStudyTx reads and, where the dialect supports it, locks the study row.
func (e Engine) loadStudyTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Study, error) {
	s, err := e.Repo.GetStudyTx(ctx, tx, id, true)
	if errors.Is(err, repo.ErrNotFound) {
		return s, studyNotFound(id)
	}
	return s, err
}

func (e Engine) loadStudy(ctx context.Context, id int64) (domain.Study, error) {
	s, err := e.Repo.GetStudy(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return s, studyNotFound(id)
	}
	return s, err
}

func (e Engine) projectForStudyTx(ctx context.Context, tx *sql.Tx, s domain.Study) (domain.Project, error) {
	p, err := e.Repo.ProjectForBatchTx(ctx, tx, s.BatchID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, NotFoundError{Entity: "project for batch", Key: strconv.FormatInt(s.BatchID, 10)}
	}
	return p, err
}

func (e Engine) requireRegisteredTx(ctx context.Context, tx *sql.Tx, userID int64) (domain.User, error) {
	u, err := e.Repo.GetUserTx(ctx, tx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return u, auth.NotRegisteredError{UserID: userID}
	}
	return u, err
}

func statusPtr(s domain.Status) *domain.Status { return &s }
func intPtr(v int) *int { return &v }
func int64Ptr(v int64) *int64 { return &v }

func isOneOf(s domain.Status, set ...domain.Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func sameID(p *int64, id int64) bool {
	return p != nil && *p == id
}

func shareLabel(userID int64) string {
	return fmt.Sprintf("Public View for tg-id=%d", userID)
}

func uploadLabel(userID int64) string {
	return fmt.Sprintf("Upload for tg-id=%d", userID)
}

// requireNonEmptyVersion checks the upload folder of the study's current iteration.
func (e Engine) requireNonEmptyVersion(ctx context.Context, op string, s domain.Study) error {
	folder := domain.VersionPath(s.Path, s.Iteration)
	empty, err := e.Storage.IsDirectoryEmpty(ctx, folder)
	if errors.Is(err, storage.ErrNotFound) {
		return precondition(op, "upload folder %s does not exist", domain.VersionFolder(s.Iteration))
	}
	if err != nil {
		return fmt.Errorf("%s: check upload folder: %w", op, err)
	}
	if empty {
		return precondition(op, "upload folder %s is empty", domain.VersionFolder(s.Iteration))
	}
	return nil
}

// openVersion creates version_{n} under the 2-check mirror and issues its upload link.
func (e Engine) openVersion(ctx context.Context, s domain.Study, n int, ownerID int64) (string, error) {
	if err := e.Storage.CreateFolder(ctx, domain.CheckRoot(s.Path), domain.VersionFolder(n)); err != nil {
		return "", fmt.Errorf("create %s: %w", domain.VersionFolder(n), err)
	}
	link, err := e.Storage.CreatePublicLink(ctx, domain.VersionPath(s.Path, n), uploadLabel(ownerID), storage.PermUpload)
	if err != nil {
		return "", fmt.Errorf("upload link for %s: %w", domain.VersionFolder(n), err)
	}
	return link, nil
}

// promote copies the current version folder into the 3-research mirror.
func (e Engine) promote(ctx context.Context, s domain.Study) (audit.Payload, error) {
	src := domain.VersionPath(s.Path, s.Iteration)
	dst := domain.ResearchRoot(s.Path)
	if err := e.Storage.CopyDirectory(ctx, src, dst); err != nil {
		return nil, fmt.Errorf("promote %s: %w", src, err)
	}
	return audit.Payload{"promoted_from": src, "promoted_to": dst}, nil
}
