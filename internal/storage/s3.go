package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region skips the bucket location lookup when set.
	Region string
	// LinkTTL bounds presigned links.
	LinkTTL time.Duration
}

// S3 maps the folder tree onto object key prefixes. Folders are zero-byte marker
// objects whose key ends in a slash; links are presigned URLs.
type S3 struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

func NewS3(cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &S3{client: client, bucket: cfg.Bucket, ttl: ttl}, nil
}

// EnsureBucket makes sure the bucket exists before use.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func prefixOf(p string) string {
	p = clean(p)
	if p == "" {
		return ""
	}
	return p + "/"
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// objects lists keys under prefix, recursively.
func (s *S3) objects(ctx context.Context, prefix string, limit int) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, nil
}

// CreatePublicLink presigns a bucket listing of the folder for reads, or a POST
// policy restricted to the folder prefix for uploads. The POST form fields are
// carried in the returned URL's query.
func (s *S3) CreatePublicLink(ctx context.Context, p, label string, perm Permission) (string, error) {
	prefix := prefixOf(p)
	isDir, err := s.PathIsDirectory(ctx, p)
	if err != nil {
		return "", fmt.Errorf("share %s: %w", p, err)
	}
	if perm == PermRead || !isDir {
		params := url.Values{}
		if isDir {
			params.Set("list-type", "2")
			params.Set("prefix", prefix)
			u, err := s.client.Presign(ctx, "GET", s.bucket, "", s.ttl, params)
			if err != nil {
				return "", fmt.Errorf("presign %s: %w", p, err)
			}
			return u.String(), nil
		}
		u, err := s.client.PresignedGetObject(ctx, s.bucket, clean(p), s.ttl, params)
		if err != nil {
			return "", fmt.Errorf("presign %s: %w", p, err)
		}
		return u.String(), nil
	}
	policy := minio.NewPostPolicy()
	if err := policy.SetBucket(s.bucket); err != nil {
		return "", err
	}
	if err := policy.SetKeyStartsWith(prefix); err != nil {
		return "", err
	}
	if err := policy.SetExpires(time.Now().UTC().Add(s.ttl)); err != nil {
		return "", err
	}
	u, form, err := s.client.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return "", fmt.Errorf("presign upload %s (%s): %w", p, label, err)
	}
	q := u.Query()
	for k, v := range form {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *S3) CreateFolder(ctx context.Context, p, name string) error {
	key := prefixOf(path.Join(p, name))
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{ContentType: "application/x-directory"})
	if err != nil {
		return fmt.Errorf("create folder %s: %w", key, err)
	}
	return nil
}

func (s *S3) IsDirectoryEmpty(ctx context.Context, p string) (bool, error) {
	prefix := prefixOf(p)
	keys, err := s.objects(ctx, prefix, 2)
	if err != nil {
		return false, fmt.Errorf("list %s: %w", p, err)
	}
	if len(keys) == 0 {
		return false, fmt.Errorf("list %s: %w", p, ErrNotFound)
	}
	for _, k := range keys {
		if k != prefix {
			return false, nil
		}
	}
	return true, nil
}

// CopyDirectory replaces dst with a copy of src. Keys under dst that src does not
// provide are removed.
func (s *S3) CopyDirectory(ctx context.Context, src, dst string) error {
	srcPrefix, dstPrefix := prefixOf(src), prefixOf(dst)
	keys, err := s.objects(ctx, srcPrefix, 0)
	if err != nil {
		return fmt.Errorf("list %s: %w", src, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("copy %s: %w", src, ErrNotFound)
	}
	stale, err := s.objects(ctx, dstPrefix, 0)
	if err != nil {
		return fmt.Errorf("list %s: %w", dst, err)
	}
	wanted := make(map[string]bool, len(keys))
	for _, key := range keys {
		wanted[dstPrefix+strings.TrimPrefix(key, srcPrefix)] = true
	}
	for _, key := range stale {
		if wanted[key] {
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	for _, key := range keys {
		target := dstPrefix + strings.TrimPrefix(key, srcPrefix)
		_, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.bucket, Object: target},
			minio.CopySrcOptions{Bucket: s.bucket, Object: key})
		if err != nil {
			return fmt.Errorf("copy %s -> %s: %w", key, target, err)
		}
	}
	return nil
}

func (s *S3) PathIsDirectory(ctx context.Context, p string) (bool, error) {
	if key := clean(p); key != "" {
		if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
			return false, nil
		} else if !isNoSuchKey(err) {
			return false, fmt.Errorf("stat %s: %w", p, err)
		}
	}
	keys, err := s.objects(ctx, prefixOf(p), 1)
	if err != nil {
		return false, fmt.Errorf("list %s: %w", p, err)
	}
	if len(keys) == 0 {
		return false, fmt.Errorf("stat %s: %w", p, ErrNotFound)
	}
	return true, nil
}

func (s *S3) DownloadFiles(ctx context.Context, paths []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		obj, err := s.client.GetObject(ctx, s.bucket, clean(p), minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", p, err)
		}
		data, err := io.ReadAll(obj)
		obj.Close()
		if err != nil {
			if isNoSuchKey(err) {
				return nil, fmt.Errorf("download %s: %w", p, ErrNotFound)
			}
			return nil, fmt.Errorf("download %s: %w", p, err)
		}
		out[path.Base(p)] = data
	}
	return out, nil
}
