package ingest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"annoline/internal/db"
	"annoline/internal/domain"
	"annoline/internal/ingest"
	"annoline/internal/migrate"
	"annoline/internal/repo"
	"annoline/internal/storage"
)

const root = "Exchange/dev/Ishemic/batch_4"

type testEnv struct {
	Pipeline ingest.Pipeline
	Store    *storage.Memory
	Repo     repo.Repo
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := storage.NewMemory()
	p := ingest.New(conn, db.SQLite, store)
	p.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	env := testEnv{Pipeline: p, Store: store, Repo: p.Repo, Ctx: context.Background()}

	tx, err := conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Repo.CreateProjectTx(env.Ctx, tx, domain.Project{Name: "Ishemic", GroupID: -1, Product: domain.ProductHeadCT, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return env
}

func (env testEnv) seed(descriptor, mapping string) {
	env.Store.Put(root+"/"+ingest.DescriptorFile, []byte(descriptor))
	env.Store.Put(root+"/"+ingest.MappingFile, []byte(mapping))
}

func created(path string) ingest.Notification {
	return ingest.Notification{EventClass: "OCP\\Files\\Events\\Node\\NodeCreatedEvent", Node: ingest.Node{ID: 1, Path: path}}
}

func (env testEnv) requireNothingPersisted(t *testing.T) {
	t.Helper()
	batches, err := env.Repo.ListBatches(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	studies, err := env.Repo.ListStudies(env.Ctx, repo.StudyFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 0 || len(studies) != 0 {
		t.Fatalf("expected nothing persisted, got %d batches and %d studies", len(batches), len(studies))
	}
}

func TestIngestCreatesBatch(t *testing.T) {
	env := newTestEnv(t)
	env.seed("project:\n  pathology: Ishemic\nclasses: [ischemia, hemorrhage]\n",
		"batch,foldername,StudyID\nb1,1,1.2.3\nb1,2,1.2.4\nb1,,1.2.5\n")

	res, err := env.Pipeline.Ingest(env.Ctx, created("/"+root+"/"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Batch.Name != "batch_4" || len(res.Studies) != 2 || len(res.Batch.Categories) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	s := res.Studies[0]
	if s.Path != root+"/1-original-data/b1/001" || s.ExternalID != "1.2.3" || s.Status != domain.StatusNew || s.Iteration != 0 {
		t.Fatalf("unexpected study %+v", s)
	}
	b, err := env.Repo.GetBatchByName(env.Ctx, "batch_4")
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Categories) != 2 || b.Categories[0].Name != "ischemia" {
		t.Fatalf("batch categories not attached: %+v", b)
	}
	hist, err := env.Repo.ListHistory(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].From != nil || hist[0].To != domain.StatusNew || hist[0].Transition != domain.TransitionIngest {
		t.Fatalf("expected one creation row, got %+v", hist)
	}

	// redelivery
	if _, err := env.Pipeline.Ingest(env.Ctx, created(root)); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected batch conflict, got %v", err)
	}
	studies, err := env.Repo.ListStudies(env.Ctx, repo.StudyFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(studies) != 2 {
		t.Fatalf("redelivery must not add studies, got %d", len(studies))
	}
}

func TestIngestReportsReusedExternalIDs(t *testing.T) {
	env := newTestEnv(t)
	env.seed("project: {pathology: Ishemic}\nclasses: [ischemia]\n", "batch,foldername,StudyID\nb1,1,1.2.3\n")
	res, err := env.Pipeline.Ingest(env.Ctx, created(root))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.Reused) != 0 {
		t.Fatalf("first batch reuses nothing, got %v", res.Reused)
	}

	next := "Exchange/dev/Ishemic/batch_5"
	env.Store.Put(next+"/"+ingest.DescriptorFile, []byte("project: {pathology: Ishemic}\nclasses: [ischemia]\n"))
	env.Store.Put(next+"/"+ingest.MappingFile, []byte("batch,foldername,StudyID\nb2,1,1.2.3\nb2,2,1.2.9\n"))
	res, err = env.Pipeline.Ingest(env.Ctx, created(next))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.Studies) != 2 || len(res.Reused) != 1 || res.Reused[0] != "1.2.3" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestIngestValidation(t *testing.T) {
	cases := []struct {
		name       string
		descriptor string
		mapping    string
		n          ingest.Notification
		want       error
	}{
		{"unknown event", "", "", ingest.Notification{EventClass: "NodeDeletedEvent", Node: ingest.Node{Path: root}}, ingest.ErrUnknownEvent},
		{"missing folder", "", "", created("Exchange/dev/other/batch_9"), ingest.ErrNotDirectory},
		{"file path", "", "", created(root + "/" + ingest.MappingFile), ingest.ErrNotDirectory},
		{"descriptor", "project: P\n", "batch,foldername,StudyID\n", created(root), ingest.ErrDescriptorStructure},
		{"columns", "project: {pathology: Ishemic}\n", "batch,StudyID\nb1,1\n", created(root), ingest.ErrMappingColumns},
		{"decode", "project: {pathology: Ishemic}\n", "batch,foldername,StudyID\n\xff,1,2\n", created(root), ingest.ErrMappingDecode},
		{"project", "project: {pathology: Unknown}\n", "batch,foldername,StudyID\nb1,1,2\n", created(root), ingest.ErrProjectNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seed(tc.descriptor, tc.mapping)
			_, err := env.Pipeline.Ingest(env.Ctx, tc.n)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !ingest.Invalid(err) {
				t.Fatalf("%v should be an ingestion validation error", err)
			}
			env.requireNothingPersisted(t)
		})
	}
}

func TestIngestDownloadFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Store.Put(root+"/"+ingest.DescriptorFile, []byte("project: {pathology: Ishemic}\n"))
	_, err := env.Pipeline.Ingest(env.Ctx, created(root))
	if !errors.Is(err, ingest.ErrDownload) {
		t.Fatalf("expected download error, got %v", err)
	}
	env.requireNothingPersisted(t)
}

func TestIngestIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	// the blank class is rejected by the category table after the studies were inserted
	env.seed("project: {pathology: Ishemic}\nclasses: [ischemia, ' ']\n",
		"batch,foldername,StudyID\nb1,1,1.2.3\n")
	if _, err := env.Pipeline.Ingest(env.Ctx, created(root)); err == nil {
		t.Fatalf("expected category failure")
	}
	env.requireNothingPersisted(t)
	cats, err := env.Repo.ListCategories(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cats) != 0 {
		t.Fatalf("categories must roll back too, got %+v", cats)
	}
}
