package storage_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"annoline/internal/storage"
)

type fakeCloud struct {
	mu       sync.Mutex
	requests []string
	form     map[string]string
	ocs      string
}

func (f *fakeCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := strings.TrimSuffix(r.URL.Path, "/")
	f.requests = append(f.requests, r.Method+" "+p)
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(p, "/files_sharing/api/v1/shares"):
		if r.Header.Get("OCS-APIRequest") != "true" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = r.ParseForm()
		f.form = map[string]string{}
		for k := range r.PostForm {
			f.form[k] = r.PostForm.Get(k)
		}
		_, _ = io.WriteString(w, f.ocs)
	case r.Method == "MKCOL" && strings.HasSuffix(p, "/exists"):
		w.WriteHeader(http.StatusMethodNotAllowed)
	case r.Method == "MKCOL":
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodGet && strings.HasSuffix(p, "/config.yaml"):
		_, _ = io.WriteString(w, "project:\n  pathology: P\n")
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newWebDAV(t *testing.T, cloud *fakeCloud) *storage.WebDAV {
	t.Helper()
	srv := httptest.NewServer(cloud)
	t.Cleanup(srv.Close)
	return storage.NewWebDAV(storage.WebDAVConfig{
		URL:      srv.URL + "/remote.php/dav/files/bot",
		OCSURL:   srv.URL + "/ocs/v2.php/apps",
		User:     "bot",
		Password: "secret",
	})
}

func TestWebDAVPublicLink(t *testing.T) {
	cloud := &fakeCloud{ocs: `<?xml version="1.0"?>
<ocs><meta><status>ok</status><statuscode>200</statuscode><message>OK</message></meta>
<data><id>12</id><url>https://cloud/s/abc</url></data></ocs>`}
	dav := newWebDAV(t, cloud)
	url, err := dav.CreatePublicLink(context.Background(), "P/2-check/b1/007/version_1", "Upload for tg-id=5", storage.PermUpload)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if url != "https://cloud/s/abc" {
		t.Fatalf("unexpected url %q", url)
	}
	if cloud.form["path"] != "/P/2-check/b1/007/version_1" || cloud.form["shareType"] != "3" || cloud.form["permissions"] != "7" {
		t.Fatalf("unexpected form %v", cloud.form)
	}
	if cloud.form["label"] != "Upload for tg-id=5" {
		t.Fatalf("unexpected label %q", cloud.form["label"])
	}
}

func TestWebDAVPublicLinkFailure(t *testing.T) {
	cloud := &fakeCloud{ocs: `<ocs><meta><statuscode>404</statuscode><message>Wrong path</message></meta><data/></ocs>`}
	dav := newWebDAV(t, cloud)
	if _, err := dav.CreatePublicLink(context.Background(), "P/x", "l", storage.PermRead); err == nil {
		t.Fatalf("expected ocs failure")
	}
}

func TestWebDAVCreateFolder(t *testing.T) {
	cloud := &fakeCloud{}
	dav := newWebDAV(t, cloud)
	if err := dav.CreateFolder(context.Background(), "P/2-check/b1/007", "version_1"); err != nil {
		t.Fatalf("mkcol: %v", err)
	}
	if err := dav.CreateFolder(context.Background(), "P/2-check/b1/007", "exists"); err != nil {
		t.Fatalf("mkcol on existing folder: %v", err)
	}
}

func TestWebDAVDownload(t *testing.T) {
	cloud := &fakeCloud{}
	dav := newWebDAV(t, cloud)
	files, err := dav.DownloadFiles(context.Background(), []string{"P/1-original-data/b1/config.yaml"})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !strings.Contains(string(files["config.yaml"]), "pathology: P") {
		t.Fatalf("unexpected content %q", files["config.yaml"])
	}
}
