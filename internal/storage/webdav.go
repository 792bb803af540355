package storage

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"
)

// WebDAVConfig points at a Nextcloud user's WebDAV root and its OCS API.
type WebDAVConfig struct {
	URL      string // e.g. https://cloud/remote.php/dav/files/<user>
	OCSURL   string // e.g. https://cloud/ocs/v2.php/apps
	User     string
	Password string
	Timeout  time.Duration
}

// WebDAV talks to Nextcloud: folders, listing, copies and downloads over WebDAV,
// public links over the OCS share API.
type WebDAV struct {
	dav  *gowebdav.Client
	http *http.Client
	cfg  WebDAVConfig
}

func NewWebDAV(cfg WebDAVConfig) *WebDAV {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	dav := gowebdav.NewClient(cfg.URL, cfg.User, cfg.Password)
	dav.SetTimeout(cfg.Timeout)
	return &WebDAV{
		dav:  dav,
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
	}
}

func davPath(p string) string {
	return "/" + clean(p)
}

type ocsResponse struct {
	XMLName xml.Name `xml:"ocs"`
	Meta    struct {
		Status     string `xml:"status"`
		StatusCode string `xml:"statuscode"`
		Message    string `xml:"message"`
	} `xml:"meta"`
	Data struct {
		ID  string `xml:"id"`
		URL string `xml:"url"`
	} `xml:"data"`
}

func (w *WebDAV) CreatePublicLink(ctx context.Context, p, label string, perm Permission) (string, error) {
	form := url.Values{}
	form.Set("path", davPath(p))
	form.Set("shareType", "3")
	form.Set("permissions", strconv.Itoa(int(perm)))
	form.Set("label", label)
	endpoint := strings.TrimRight(w.cfg.OCSURL, "/") + "/files_sharing/api/v1/shares"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(w.cfg.User, w.cfg.Password)
	req.Header.Set("OCS-APIRequest", "true")
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := w.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("share %s: %w", p, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("share %s: read response: %w", p, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("share %s: %w", p, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("share %s: http status %d", p, resp.StatusCode)
	}
	var out ocsResponse
	if err := xml.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("share %s: decode ocs response: %w", p, err)
	}
	if out.Meta.StatusCode != "200" {
		return "", fmt.Errorf("share %s: ocs status %s: %s", p, out.Meta.StatusCode, out.Meta.Message)
	}
	if out.Data.URL == "" {
		return "", fmt.Errorf("share %s: ocs response carries no url", p)
	}
	return out.Data.URL, nil
}

func (w *WebDAV) CreateFolder(_ context.Context, p, name string) error {
	target := davPath(path.Join(p, name))
	if err := w.dav.Mkdir(target, 0o755); err != nil {
		if gowebdav.IsErrCode(err, http.StatusMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("mkcol %s: %w", target, err)
	}
	return nil
}

func (w *WebDAV) IsDirectoryEmpty(_ context.Context, p string) (bool, error) {
	entries, err := w.dav.ReadDir(davPath(p))
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return false, fmt.Errorf("list %s: %w", p, ErrNotFound)
		}
		return false, fmt.Errorf("list %s: %w", p, err)
	}
	return len(entries) == 0, nil
}

func (w *WebDAV) CopyDirectory(_ context.Context, src, dst string) error {
	if err := w.dav.Copy(davPath(src), davPath(dst), true); err != nil {
		if gowebdav.IsErrNotFound(err) {
			return fmt.Errorf("copy %s: %w", src, ErrNotFound)
		}
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func (w *WebDAV) PathIsDirectory(_ context.Context, p string) (bool, error) {
	info, err := w.dav.Stat(davPath(p))
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return false, fmt.Errorf("stat %s: %w", p, ErrNotFound)
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return info.IsDir(), nil
}

func (w *WebDAV) DownloadFiles(_ context.Context, paths []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, err := w.dav.Read(davPath(p))
		if err != nil {
			if gowebdav.IsErrNotFound(err) {
				return nil, fmt.Errorf("download %s: %w", p, ErrNotFound)
			}
			return nil, fmt.Errorf("download %s: %w", p, err)
		}
		out[path.Base(p)] = data
	}
	return out, nil
}
