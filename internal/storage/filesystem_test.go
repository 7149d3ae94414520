package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FilesystemStore {
	t.Helper()
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func mustCreateBucket(t *testing.T, store *FilesystemStore, name string) {
	t.Helper()
	created, err := store.CreateBucket(context.Background(), &BucketMeta{
		Name:      name,
		CreatedAt: NowISO(),
		Region:    "us-east-1",
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestCreateBucket(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateBucket(t, store, "test-bucket")

	exists, err := store.HeadBucket(ctx, "test-bucket")
	require.NoError(t, err)
	assert.True(t, exists)

	// Creating the same bucket again reports not-created, not an error.
	created, err := store.CreateBucket(ctx, &BucketMeta{Name: "test-bucket", CreatedAt: NowISO()})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestHeadBucketRequiresMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateBucket(t, store, "real-bucket")

	// A bare directory without .bucket.json is not a bucket.
	require.NoError(t, os.Mkdir(filepath.Join(store.bucketsDir, "stray-dir"), 0o755))

	exists, err := store.HeadBucket(ctx, "stray-dir")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteBucket(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("NeverExisted", func(t *testing.T) {
		deleted, err := store.DeleteBucket(ctx, "no-such-bucket")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("Empty", func(t *testing.T) {
		mustCreateBucket(t, store, "empty-bucket")
		deleted, err := store.DeleteBucket(ctx, "empty-bucket")
		require.NoError(t, err)
		assert.True(t, deleted)

		exists, err := store.HeadBucket(ctx, "empty-bucket")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("NotEmpty", func(t *testing.T) {
		mustCreateBucket(t, store, "full-bucket")
		_, err := store.PutObject(ctx, "full-bucket", "a/b/c.txt", "text/plain", bytes.NewReader([]byte("data")))
		require.NoError(t, err)

		_, err = store.DeleteBucket(ctx, "full-bucket")
		assert.ErrorIs(t, err, ErrBucketNotEmpty)
	})
}

func TestListBucketsSorted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zebra", "alpha", "mango"} {
		mustCreateBucket(t, store, name)
	}

	buckets, err := store.ListBuckets(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 3)
	assert.Equal(t, "alpha", buckets[0].Name)
	assert.Equal(t, "mango", buckets[1].Name)
	assert.Equal(t, "zebra", buckets[2].Name)
}

func TestPutGetObject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "bucket")

	content := []byte("hello world")
	result, err := store.PutObject(ctx, "bucket", "docs/readme.txt", "text/plain", bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), result.Size)
	assert.Equal(t, `"5eb63bbbe01eeed093cb22bb8f5acdc3"`, result.ETag)

	body, meta, err := store.GetObject(ctx, "bucket", "docs/readme.txt")
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, "docs/readme.txt", meta.Key)
	assert.Equal(t, result.ETag, meta.ETag)
	assert.Equal(t, "text/plain", meta.ContentType)
}

func TestPutObjectOverwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "bucket")

	_, err := store.PutObject(ctx, "bucket", "key", "text/plain", bytes.NewReader([]byte("first")))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "bucket", "key", "text/plain", bytes.NewReader([]byte("second")))
	require.NoError(t, err)

	body, meta, err := store.GetObject(ctx, "bucket", "key")
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
	assert.Equal(t, int64(6), meta.Size)
}

func TestGetObjectNotFound(t *testing.T) {
	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")

	_, _, err := store.GetObject(context.Background(), "bucket", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteObjectReapsEmptyDirs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "bucket")

	_, err := store.PutObject(ctx, "bucket", "a/b/c/file.txt", "text/plain", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "bucket", "a/keep.txt", "text/plain", bytes.NewReader([]byte("y")))
	require.NoError(t, err)

	require.NoError(t, store.DeleteObject(ctx, "bucket", "a/b/c/file.txt"))

	// b/ and b/c/ are empty and gone; a/ still holds keep.txt.
	_, err = os.Stat(filepath.Join(store.bucketDir("bucket"), "a", "b"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(store.bucketDir("bucket"), "a"))
	assert.NoError(t, err)

	// Deleting an absent key is not an error.
	assert.NoError(t, store.DeleteObject(ctx, "bucket", "a/b/c/file.txt"))
}

func TestListObjects(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateBucket(t, store, "bucket")

	keys := []string{"photos/cat.jpg", "photos/dog.jpg", "docs/a.txt", "top.txt"}
	for _, key := range keys {
		_, err := store.PutObject(ctx, "bucket", key, "application/octet-stream", bytes.NewReader([]byte(key)))
		require.NoError(t, err)
	}

	t.Run("All", func(t *testing.T) {
		objects, err := store.ListObjects(ctx, "bucket", "")
		require.NoError(t, err)
		require.Len(t, objects, 4)
		assert.Equal(t, "docs/a.txt", objects[0].Key)
		assert.Equal(t, "photos/cat.jpg", objects[1].Key)
		assert.Equal(t, "photos/dog.jpg", objects[2].Key)
		assert.Equal(t, "top.txt", objects[3].Key)
	})

	t.Run("Prefix", func(t *testing.T) {
		objects, err := store.ListObjects(ctx, "bucket", "photos/")
		require.NoError(t, err)
		require.Len(t, objects, 2)
		assert.Equal(t, "photos/cat.jpg", objects[0].Key)
	})

	t.Run("NoMatch", func(t *testing.T) {
		objects, err := store.ListObjects(ctx, "bucket", "videos/")
		require.NoError(t, err)
		assert.Empty(t, objects)
	})
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		valid bool
	}{
		{"Simple", "file.txt", true},
		{"Nested", "a/b/c.txt", true},
		{"DotsInName", "archive..tar.gz", true},
		{"Empty", "", false},
		{"Absolute", "/etc/passwd", false},
		{"Traversal", "../secret", false},
		{"TraversalNested", "a/../../secret", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, IsInvalidKey(err))
			}
		})
	}
}

func TestInvalidKeyError(t *testing.T) {
	err := &InvalidKeyError{Reason: "key must not be empty"}
	assert.True(t, IsInvalidKey(err))
	assert.False(t, IsInvalidKey(errors.New("other")))
	assert.False(t, IsInvalidKey(nil))
}
