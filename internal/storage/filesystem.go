package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	bucketMetaFile = ".bucket.json"
	objectMetaExt  = ".meta.json"
)

// FilesystemStore persists buckets and objects on a local filesystem rooted
// at <dataDir>/buckets. Object bytes and object metadata are sibling files;
// both must be present for an object to be visible.
type FilesystemStore struct {
	bucketsDir string
}

// NewFilesystemStore creates the buckets directory if needed and returns a
// store rooted there.
func NewFilesystemStore(dataDir string) (*FilesystemStore, error) {
	bucketsDir := filepath.Join(dataDir, "buckets")
	if err := os.MkdirAll(bucketsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create buckets directory: %w", err)
	}
	return &FilesystemStore{bucketsDir: bucketsDir}, nil
}

// ValidateKey rejects the empty key, absolute paths, and any ".." component.
func ValidateKey(key string) error {
	if key == "" {
		return &InvalidKeyError{Reason: "key must not be empty"}
	}
	if strings.HasPrefix(key, "/") {
		return &InvalidKeyError{Reason: "key must not be an absolute path"}
	}
	for _, component := range strings.Split(key, "/") {
		if component == ".." {
			return &InvalidKeyError{Reason: "key must not contain '..' path components"}
		}
	}
	return nil
}

func (s *FilesystemStore) bucketDir(bucket string) string {
	return filepath.Join(s.bucketsDir, bucket)
}

func (s *FilesystemStore) objectPath(bucket, key string) string {
	return filepath.Join(s.bucketDir(bucket), filepath.FromSlash(key))
}

func (s *FilesystemStore) metaPath(bucket, key string) string {
	return s.objectPath(bucket, key) + objectMetaExt
}

// CreateBucket atomically creates the bucket directory and writes its
// metadata record. Returns false without error when the bucket already
// exists; the caller surfaces BucketAlreadyOwnedByYou.
func (s *FilesystemStore) CreateBucket(ctx context.Context, meta *BucketMeta) (bool, error) {
	dir := s.bucketDir(meta.Name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create bucket directory: %w", err)
	}
	if err := s.writeBucketMeta(meta); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FilesystemStore) writeBucketMeta(meta *BucketMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bucket metadata: %w", err)
	}
	path := filepath.Join(s.bucketDir(meta.Name), bucketMetaFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write bucket metadata: %w", err)
	}
	return nil
}

// HeadBucket reports whether the bucket's metadata record exists. The
// directory alone is not enough.
func (s *FilesystemStore) HeadBucket(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.bucketDir(name), bucketMetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat bucket metadata: %w", err)
	}
	return true, nil
}

// GetBucket loads a bucket's metadata record. Returns ErrNotFound when the
// bucket does not exist.
func (s *FilesystemStore) GetBucket(ctx context.Context, name string) (*BucketMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.bucketDir(name), bucketMetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read bucket metadata: %w", err)
	}
	var meta BucketMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse bucket metadata: %w", err)
	}
	return &meta, nil
}

// UpdateBucket rewrites a bucket's metadata record in place.
func (s *FilesystemStore) UpdateBucket(ctx context.Context, meta *BucketMeta) error {
	ok, err := s.HeadBucket(ctx, meta.Name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return s.writeBucketMeta(meta)
}

// DeleteBucket removes the bucket tree. It fails with ErrBucketNotEmpty when
// any non-metadata entry remains anywhere under the bucket. Returns false
// without error when the bucket never existed.
func (s *FilesystemStore) DeleteBucket(ctx context.Context, name string) (bool, error) {
	dir := s.bucketDir(name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat bucket directory: %w", err)
	}

	empty, err := s.bucketIsEmpty(dir)
	if err != nil {
		return false, err
	}
	if !empty {
		return false, ErrBucketNotEmpty
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to remove bucket directory: %w", err)
	}
	return true, nil
}

// bucketIsEmpty walks the bucket tree looking for any file that is not a
// metadata record.
func (s *FilesystemStore) bucketIsEmpty(dir string) (bool, error) {
	empty := true
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == bucketMetaFile || strings.HasSuffix(name, objectMetaExt) {
			return nil
		}
		empty = false
		return fs.SkipAll
	})
	if err != nil {
		return false, fmt.Errorf("failed to walk bucket directory: %w", err)
	}
	return empty, nil
}

// ListBuckets enumerates all buckets sorted by name ascending. Directories
// whose metadata record is missing or unreadable are skipped.
func (s *FilesystemStore) ListBuckets(ctx context.Context) ([]BucketMeta, error) {
	entries, err := os.ReadDir(s.bucketsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read buckets directory: %w", err)
	}

	buckets := make([]BucketMeta, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.GetBucket(ctx, entry.Name())
		if err != nil {
			logrus.WithError(err).WithField("bucket", entry.Name()).
				Debug("Skipping bucket with unreadable metadata")
			continue
		}
		buckets = append(buckets, *meta)
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// PutObject streams the body to disk while computing its MD5, then writes the
// metadata sibling and renames the body into place. Overwrites any existing
// object under the same key.
func (s *FilesystemStore) PutObject(ctx context.Context, bucket, key, contentType string, body io.Reader) (*PutResult, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	objPath := s.objectPath(bucket, key)
	dir := filepath.Dir(objPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp_")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		return nil, fmt.Errorf("failed to write object data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temporary file: %w", err)
	}

	etag := `"` + hex.EncodeToString(hasher.Sum(nil)) + `"`
	meta := &ObjectMeta{
		Key:          key,
		Size:         size,
		ETag:         etag,
		ContentType:  contentType,
		LastModified: NowISO(),
	}
	if err := s.writeObjectMeta(bucket, key, meta); err != nil {
		return nil, err
	}

	// Metadata is durable before the body becomes visible, so readers never
	// observe a new body against missing metadata.
	if err := os.Rename(tmp.Name(), objPath); err != nil {
		return nil, fmt.Errorf("failed to move object into place: %w", err)
	}

	return &PutResult{Size: size, ETag: etag}, nil
}

func (s *FilesystemStore) writeObjectMeta(bucket, key string, meta *ObjectMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal object metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(bucket, key), data, 0o644); err != nil {
		return fmt.Errorf("failed to write object metadata: %w", err)
	}
	return nil
}

func (s *FilesystemStore) readObjectMeta(bucket, key string) (*ObjectMeta, error) {
	data, err := os.ReadFile(s.metaPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object metadata: %w", err)
	}
	var meta ObjectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse object metadata: %w", err)
	}
	return &meta, nil
}

// GetObject opens the object for streaming read and returns its metadata.
func (s *FilesystemStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectMeta, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	meta, err := s.readObjectMeta(bucket, key)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(s.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to open object: %w", err)
	}
	return file, meta, nil
}

// HeadObject loads object metadata only.
func (s *FilesystemStore) HeadObject(ctx context.Context, bucket, key string) (*ObjectMeta, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return s.readObjectMeta(bucket, key)
}

// DeleteObject removes the object body and metadata, then reaps empty parent
// directories up to (but not including) the bucket root. Deleting an absent
// object is not an error.
func (s *FilesystemStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	objPath := s.objectPath(bucket, key)
	os.Remove(objPath)
	os.Remove(s.metaPath(bucket, key))

	// A concurrent writer may repopulate a directory between the removals;
	// the first failure stops the reap.
	bucketDir := s.bucketDir(bucket)
	for dir := filepath.Dir(objPath); dir != bucketDir; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// ListObjects walks the bucket tree depth-first and returns metadata for
// every object whose key starts with prefix, sorted by key ascending.
// Entries whose metadata sibling is unreadable are skipped.
func (s *FilesystemStore) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectMeta, error) {
	bucketDir := s.bucketDir(bucket)
	var results []ObjectMeta

	err := filepath.WalkDir(bucketDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == bucketMetaFile || strings.HasSuffix(name, objectMetaExt) {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		meta, err := s.readObjectMeta(bucket, key)
		if err != nil {
			logrus.WithField("key", key).Debug("Skipping object with unreadable metadata")
			return nil
		}
		results = append(results, *meta)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk bucket directory: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}
