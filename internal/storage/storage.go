// Package storage is the remote file-store capability used at transition boundaries:
// folders, public links, emptiness checks, directory copies and metadata downloads.
package storage

import (
	"context"
	"errors"
)

// Permission is the share permission bitmask (read=1, update=2, create=4).
type Permission int

const (
	PermRead   Permission = 1
	PermUpload Permission = 7
)

var ErrNotFound = errors.New("storage: path not found")

// Storage is implemented by every backend. All paths are relative to the backend root.
type Storage interface {
	// CreatePublicLink issues a link for path and returns its URL.
	CreatePublicLink(ctx context.Context, path, label string, perm Permission) (string, error)
	// CreateFolder creates name under path. An existing folder is not an error.
	CreateFolder(ctx context.Context, path, name string) error
	IsDirectoryEmpty(ctx context.Context, path string) (bool, error)
	CopyDirectory(ctx context.Context, src, dst string) error
	PathIsDirectory(ctx context.Context, path string) (bool, error)
	// DownloadFiles fetches each path and keys the result by base name.
	DownloadFiles(ctx context.Context, paths []string) (map[string][]byte, error)
}
