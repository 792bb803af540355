package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Link records a link issued by the memory backend.
type Link struct {
	URL   string
	Path  string
	Label string
	Perm  Permission
}

// Memory is an in-process Storage used for tests and local runs.
// Directories and files live in maps guarded by an RWMutex.
type Memory struct {
	mu     sync.RWMutex
	dirs   map[string]bool
	files  map[string][]byte
	links  []Link
	copies [][2]string
	fail   map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		dirs:  map[string]bool{"": true},
		files: map[string][]byte{},
		fail:  map[string]error{},
	}
}

func clean(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

// Mkdir creates a directory and its parents.
func (m *Memory) Mkdir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAll(clean(p))
}

func (m *Memory) mkdirAll(p string) {
	for p != "" && p != "." {
		m.dirs[p] = true
		p = parent(p)
	}
}

func parent(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// Put stores a file, creating parent directories.
func (m *Memory) Put(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	m.mkdirAll(parent(p))
	m.files[p] = append([]byte(nil), data...)
}

// FailNext makes the next call of op (a Storage method name) return err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

func (m *Memory) takeFailure(op string) error {
	err, ok := m.fail[op]
	if ok {
		delete(m.fail, op)
	}
	return err
}

// Links returns the issued links in order.
func (m *Memory) Links() []Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Link(nil), m.links...)
}

// Copies returns the performed directory copies as src/dst pairs.
func (m *Memory) Copies() [][2]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][2]string(nil), m.copies...)
}

// Exists reports whether a file or directory exists.
func (m *Memory) Exists(p string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p = clean(p)
	_, isFile := m.files[p]
	return isFile || m.dirs[p]
}

// List returns the files under a directory, recursively, relative to it.
func (m *Memory) List(dir string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := clean(dir) + "/"
	var out []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, strings.TrimPrefix(p, prefix))
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) CreatePublicLink(_ context.Context, p, label string, perm Permission) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("CreatePublicLink"); err != nil {
		return "", err
	}
	p = clean(p)
	if !m.dirs[p] {
		if _, ok := m.files[p]; !ok {
			return "", fmt.Errorf("share %s: %w", p, ErrNotFound)
		}
	}
	link := Link{URL: "memory://s/" + uuid.NewString(), Path: p, Label: label, Perm: perm}
	m.links = append(m.links, link)
	return link.URL, nil
}

func (m *Memory) CreateFolder(_ context.Context, p, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("CreateFolder"); err != nil {
		return err
	}
	m.mkdirAll(clean(path.Join(p, name)))
	return nil
}

func (m *Memory) IsDirectoryEmpty(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("IsDirectoryEmpty"); err != nil {
		return false, err
	}
	p = clean(p)
	if !m.dirs[p] {
		return false, fmt.Errorf("list %s: %w", p, ErrNotFound)
	}
	prefix := p + "/"
	for f := range m.files {
		if strings.HasPrefix(f, prefix) {
			return false, nil
		}
	}
	for d := range m.dirs {
		if strings.HasPrefix(d, prefix) {
			return false, nil
		}
	}
	return true, nil
}

func (m *Memory) CopyDirectory(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("CopyDirectory"); err != nil {
		return err
	}
	src, dst = clean(src), clean(dst)
	if !m.dirs[src] {
		return fmt.Errorf("copy %s: %w", src, ErrNotFound)
	}
	stale := dst + "/"
	for d := range m.dirs {
		if strings.HasPrefix(d, stale) {
			delete(m.dirs, d)
		}
	}
	for f := range m.files {
		if strings.HasPrefix(f, stale) {
			delete(m.files, f)
		}
	}
	m.mkdirAll(dst)
	prefix := src + "/"
	for d := range m.dirs {
		if strings.HasPrefix(d, prefix) {
			m.mkdirAll(path.Join(dst, strings.TrimPrefix(d, prefix)))
		}
	}
	for f, data := range m.files {
		if strings.HasPrefix(f, prefix) {
			m.files[path.Join(dst, strings.TrimPrefix(f, prefix))] = append([]byte(nil), data...)
		}
	}
	m.copies = append(m.copies, [2]string{src, dst})
	return nil
}

func (m *Memory) PathIsDirectory(_ context.Context, p string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p = clean(p)
	if m.dirs[p] {
		return true, nil
	}
	if _, ok := m.files[p]; ok {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", p, ErrNotFound)
}

func (m *Memory) DownloadFiles(_ context.Context, paths []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, ok := m.files[clean(p)]
		if !ok {
			return nil, fmt.Errorf("download %s: %w", p, ErrNotFound)
		}
		out[path.Base(p)] = append([]byte(nil), data...)
	}
	return out, nil
}
