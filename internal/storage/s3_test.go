package storage_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"annoline/internal/storage"
)

const s3Modified = "Mon, 01 Jan 2024 00:00:00 GMT"

// fakeBucket serves the subset of the S3 API the backend uses, path style.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	copied  []string
	removed []string
}

func (f *fakeBucket) keys(prefix string) []string {
	var out []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	q := r.URL.Query()
	switch {
	case key == "" && r.Method == http.MethodGet && q.Get("list-type") == "2":
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		b.WriteString(`<Name>annoline</Name><IsTruncated>false</IsTruncated>`)
		for _, k := range f.keys(q.Get("prefix")) {
			fmt.Fprintf(&b, `<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00.000Z</LastModified><ETag>"e"</ETag></Contents>`, k, len(f.objects[k]))
		}
		b.WriteString(`</ListBucketResult>`)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, b.String())
	case key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `"e"`)
		w.Header().Set("Last-Modified", s3Modified)
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message><Key>%s</Key></Error>`, key)
			return
		}
		w.Header().Set("ETag", `"e"`)
		w.Header().Set("Last-Modified", s3Modified)
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		_, _ = w.Write(data)
	case r.Method == http.MethodPut && r.Header.Get("X-Amz-Copy-Source") != "":
		src, _ := url.PathUnescape(r.Header.Get("X-Amz-Copy-Source"))
		_, srcKey, _ := strings.Cut(strings.TrimPrefix(src, "/"), "/")
		f.objects[key] = append([]byte(nil), f.objects[srcKey]...)
		f.copied = append(f.copied, srcKey+" -> "+key)
		w.Header().Set("ETag", `"e"`)
		_, _ = io.WriteString(w, `<CopyObjectResult><ETag>"e"</ETag><LastModified>2024-01-01T00:00:00.000Z</LastModified></CopyObjectResult>`)
	case r.Method == http.MethodPut:
		_, _ = io.Copy(io.Discard, r.Body)
		f.objects[key] = nil
		w.Header().Set("ETag", `"e"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		f.removed = append(f.removed, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3(t *testing.T, objects map[string][]byte) (*storage.S3, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{objects: objects}
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)
	s, err := storage.NewS3(storage.S3Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "annoline",
		Region:    "us-east-1",
		LinkTTL:   time.Hour,
	})
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}
	return s, bucket
}

func TestS3FolderMarkers(t *testing.T) {
	ctx := context.Background()
	s, bucket := newS3(t, map[string][]byte{
		"P/2-check/b1/007/version_1/": nil,
	})
	empty, err := s.IsDirectoryEmpty(ctx, "P/2-check/b1/007/version_1")
	if err != nil || !empty {
		t.Fatalf("marker only folder should be empty, got %v %v", empty, err)
	}
	bucket.objects["P/2-check/b1/007/version_1/mask.nii"] = []byte("x")
	empty, err = s.IsDirectoryEmpty(ctx, "P/2-check/b1/007/version_1")
	if err != nil || empty {
		t.Fatalf("expected non-empty folder, got %v %v", empty, err)
	}
	if _, err := s.IsDirectoryEmpty(ctx, "P/missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := s.CreateFolder(ctx, "P/2-check/b1/007", "version_2"); err != nil {
		t.Fatalf("create folder: %v", err)
	}
	if _, ok := bucket.objects["P/2-check/b1/007/version_2/"]; !ok {
		t.Fatalf("folder marker not written: %v", bucket.keys("P/"))
	}
}

func TestS3PathIsDirectory(t *testing.T) {
	ctx := context.Background()
	s, _ := newS3(t, map[string][]byte{
		"P/1-original-data/b1/config.yaml": []byte("project: {}"),
		"P/1-original-data/b1/001/scan.dcm": []byte("dcm"),
	})
	isDir, err := s.PathIsDirectory(ctx, "P/1-original-data/b1/config.yaml")
	if err != nil || isDir {
		t.Fatalf("object should not be a directory, got %v %v", isDir, err)
	}
	isDir, err = s.PathIsDirectory(ctx, "P/1-original-data/b1")
	if err != nil || !isDir {
		t.Fatalf("prefix should be a directory, got %v %v", isDir, err)
	}
	if _, err := s.PathIsDirectory(ctx, "P/1-original-data/b2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestS3CopyDirectoryReplacesDestination(t *testing.T) {
	ctx := context.Background()
	s, bucket := newS3(t, map[string][]byte{
		"P/2-check/b1/007/version_2/":        nil,
		"P/2-check/b1/007/version_2/a.json":  []byte("{}"),
		"P/2-check/b1/007/version_2/m/b.nii": []byte("b"),
		"P/3-research/b1/007/stale.json":     []byte("old"),
		"P/3-research/b1/007/a.json":         []byte("old"),
	})
	if err := s.CopyDirectory(ctx, "P/2-check/b1/007/version_2", "P/3-research/b1/007"); err != nil {
		t.Fatalf("copy: %v", err)
	}
	got := bucket.keys("P/3-research/")
	want := []string{"P/3-research/b1/007/", "P/3-research/b1/007/a.json", "P/3-research/b1/007/m/b.nii"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected destination keys %v", got)
	}
	if string(bucket.objects["P/3-research/b1/007/a.json"]) != "{}" {
		t.Fatalf("destination not overwritten")
	}
	if len(bucket.removed) != 1 || bucket.removed[0] != "P/3-research/b1/007/stale.json" {
		t.Fatalf("unexpected removals %v", bucket.removed)
	}
	if err := s.CopyDirectory(ctx, "P/2-check/b1/007/version_9", "P/3-research/b1/007"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestS3DownloadFiles(t *testing.T) {
	ctx := context.Background()
	s, _ := newS3(t, map[string][]byte{
		"P/1-original-data/b1/config.yaml": []byte("project: {}"),
		"P/1-original-data/b1/Mapping.csv": []byte("batch"),
	})
	files, err := s.DownloadFiles(ctx, []string{"P/1-original-data/b1/config.yaml", "P/1-original-data/b1/Mapping.csv"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(files["config.yaml"]) != "project: {}" || string(files["Mapping.csv"]) != "batch" {
		t.Fatalf("unexpected files %v", files)
	}
	if _, err := s.DownloadFiles(ctx, []string{"P/1-original-data/b1/missing.csv"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestS3Links(t *testing.T) {
	ctx := context.Background()
	s, _ := newS3(t, map[string][]byte{
		"P/2-check/b1/007/version_1/": nil,
	})
	read, err := s.CreatePublicLink(ctx, "P/2-check/b1/007", "Public View for tg-id=1", storage.PermRead)
	if err != nil {
		t.Fatalf("read link: %v", err)
	}
	u, err := url.Parse(read)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("list-type") != "2" || u.Query().Get("prefix") != "P/2-check/b1/007/" || u.Query().Get("X-Amz-Signature") == "" {
		t.Fatalf("unexpected read link %s", read)
	}
	upload, err := s.CreatePublicLink(ctx, "P/2-check/b1/007/version_1", "Upload for tg-id=1", storage.PermUpload)
	if err != nil {
		t.Fatalf("upload link: %v", err)
	}
	u, err = url.Parse(upload)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("key") != "P/2-check/b1/007/version_1/" || u.Query().Get("policy") == "" {
		t.Fatalf("unexpected upload link %s", upload)
	}
	if _, err := s.CreatePublicLink(ctx, "P/nope", "x", storage.PermRead); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
