// Package ingest materializes a batch of studies from a storage change notification.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"annoline/internal/audit"
	"annoline/internal/db"
	"annoline/internal/domain"
	"annoline/internal/logging"
	"annoline/internal/repo"
	"annoline/internal/storage"
)

var (
	ErrUnknownEvent        = errors.New("unknown event class")
	ErrNotDirectory        = errors.New("path is not a directory")
	ErrDownload            = errors.New("metadata download failed")
	ErrDescriptorStructure = errors.New("config.yaml structure error")
	ErrMappingDecode       = errors.New("Mapping.csv decode error")
	ErrMappingColumns      = errors.New("Mapping.csv missing column")
	ErrProjectNotFound     = errors.New("project not found")
)

// Invalid reports whether err is one of the ingestion validation failures.
func Invalid(err error) bool {
	for _, target := range []error{ErrUnknownEvent, ErrNotDirectory, ErrDownload, ErrDescriptorStructure,
		ErrMappingDecode, ErrMappingColumns, ErrProjectNotFound} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// NodeCreatedEvent is the fully qualified class of the only accepted event.
const NodeCreatedEvent = `OCP\Files\Events\Node\NodeCreatedEvent`

const nodeCreated = "NodeCreatedEvent"

// Notification is a change notification whose node path is already relative to the storage root.
type Notification struct {
	EventClass string `json:"class"`
	Node       Node   `json:"node"`
	User       User   `json:"user"`
	Time       int64  `json:"time"`
}

type Node struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

type User struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
}

// Result summarizes a committed ingestion.
type Result struct {
	Batch   domain.Batch   `json:"batch"`
	Studies []domain.Study `json:"studies"`
	// Reused lists external ids that earlier batches already carry.
	Reused []string `json:"reused_external_ids,omitempty"`
}

type Pipeline struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Writer
	Storage storage.Storage
	Now     func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, store storage.Storage) Pipeline {
	return Pipeline{
		DB:      conn,
		Repo:    repo.Repo{DB: conn, Dialect: dialect},
		Audit:   audit.Writer{Dialect: dialect},
		Storage: store,
		Now:     time.Now,
	}
}

func (p Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Ingest creates the batch, its studies and categories in one transaction. Nothing is
// persisted when any step fails; a reused batch name fails with repo.ErrConflict.
func (p Pipeline) Ingest(ctx context.Context, n Notification) (Result, error) {
	if !strings.HasSuffix(n.EventClass, nodeCreated) {
		logging.Debug(ctx, "ingest: unsupported event", "class", n.EventClass)
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownEvent, n.EventClass)
	}
	root := strings.Trim(path.Clean("/"+n.Node.Path), "/")
	if root == "" {
		return Result{}, fmt.Errorf("%w: empty path", ErrNotDirectory)
	}
	isDir, err := p.Storage.PathIsDirectory(ctx, root)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !isDir) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", root, err)
	}

	files, err := p.Storage.DownloadFiles(ctx, []string{path.Join(root, MappingFile), path.Join(root, DescriptorFile)})
	if err != nil {
		return Result{}, fmt.Errorf("%w from %s: %v", ErrDownload, root, err)
	}
	desc, err := ParseDescriptor(files[DescriptorFile])
	if err != nil {
		return Result{}, err
	}
	rows, err := ParseMapping(root, files[MappingFile])
	if err != nil {
		return Result{}, err
	}

	res, err := p.commit(ctx, root, desc, rows)
	if err != nil {
		return Result{}, err
	}
	logging.Info(ctx, "batch ingested", "batch", res.Batch.Name, "project", desc.Project,
		"studies", len(res.Studies), "categories", len(res.Batch.Categories))
	if len(res.Reused) > 0 {
		logging.Warn(ctx, "ingest: external ids already present in earlier batches",
			"batch", res.Batch.Name, "external_ids", res.Reused)
	}
	return res, nil
}

func (p Pipeline) commit(ctx context.Context, root string, desc Descriptor, rows []Row) (Result, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	project, err := p.Repo.GetProjectByNameTx(ctx, tx, desc.Project)
	if errors.Is(err, repo.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %s", ErrProjectNotFound, desc.Project)
	}
	if err != nil {
		return Result{}, err
	}
	ts := p.now().UTC().Format(time.RFC3339)
	batch, err := p.Repo.CreateBatchTx(ctx, tx, domain.Batch{Name: BatchName(root), ProjectID: project.ID, CreatedAt: ts})
	if err != nil {
		return Result{}, err
	}
	var reused []string
	items := make([]domain.Study, 0, len(rows))
	for _, row := range rows {
		exists, err := p.Repo.StudyExistsTx(ctx, tx, row.ExternalID)
		if err != nil {
			return Result{}, err
		}
		if exists {
			reused = append(reused, row.ExternalID)
		}
		items = append(items, domain.Study{
			ExternalID: row.ExternalID, BatchID: batch.ID, Path: row.Path,
			Status: domain.StatusNew, CreatedAt: ts, UpdatedAt: ts,
		})
	}
	studies, err := p.Repo.CreateStudiesTx(ctx, tx, items)
	if err != nil {
		return Result{}, err
	}
	w := p.Audit
	w.Now = p.now
	for _, s := range studies {
		if err := w.Append(ctx, tx, audit.Entry{
			StudyID: s.ID, To: domain.StatusNew, Transition: domain.TransitionIngest,
			Payload: audit.Payload{"batch": batch.Name, "external_id": s.ExternalID},
		}); err != nil {
			return Result{}, err
		}
	}
	for _, name := range desc.Categories {
		c, err := p.Repo.GetOrCreateCategoryTx(ctx, tx, name)
		if err != nil {
			return Result{}, err
		}
		if err := p.Repo.AttachBatchCategoryTx(ctx, tx, batch.ID, c.ID); err != nil {
			return Result{}, err
		}
		batch.Categories = append(batch.Categories, c)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Batch: batch, Studies: studies, Reused: reused}, nil
}
