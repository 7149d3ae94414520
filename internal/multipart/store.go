// Package multipart tracks in-progress multipart uploads. Upload and part
// records live in a Badger store under <data_dir>/metadata; part bytes are
// staged on the filesystem under <data_dir>/uploads/<upload_id>/.
package multipart

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ShadowArcanist/maxio/internal/storage"
)

// ErrUploadNotFound is returned when an upload ID has no record.
var ErrUploadNotFound = errors.New("multipart upload not found")

// uploadTTL bounds how long an abandoned upload's records survive.
const uploadTTL = 7 * 24 * time.Hour

// Upload is the metadata record for one in-progress multipart upload.
type Upload struct {
	UploadID    string `json:"upload_id"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Initiated   string `json:"initiated"`
}

// Part is the record for one uploaded part.
type Part struct {
	PartNumber   int    `json:"part_number"`
	ETag         string `json:"etag"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`
}

// Store persists multipart upload state.
type Store struct {
	db       *badger.DB
	partsDir string
}

// Open creates the Badger store and parts staging directory under dataDir.
func Open(dataDir string) (*Store, error) {
	partsDir := filepath.Join(dataDir, "uploads")
	if err := os.MkdirAll(partsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "metadata"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open multipart metadata store: %w", err)
	}
	return &Store{db: db, partsDir: partsDir}, nil
}

// Close closes the underlying Badger store.
func (s *Store) Close() error {
	return s.db.Close()
}

func uploadKey(uploadID string) []byte {
	return []byte("upload:" + uploadID)
}

func bucketIndexKey(bucket, uploadID string) []byte {
	return []byte("uploadidx:" + bucket + ":" + uploadID)
}

func bucketIndexPrefix(bucket string) []byte {
	return []byte("uploadidx:" + bucket + ":")
}

func partKey(uploadID string, partNumber int) []byte {
	return []byte(fmt.Sprintf("part:%s:%05d", uploadID, partNumber))
}

func partPrefix(uploadID string) []byte {
	return []byte("part:" + uploadID + ":")
}

func (s *Store) partPath(uploadID string, partNumber int) string {
	return filepath.Join(s.partsDir, uploadID, fmt.Sprintf("%05d", partNumber))
}

// Create initiates a new upload and returns its record.
func (s *Store) Create(ctx context.Context, bucket, key, contentType string) (*Upload, error) {
	upload := &Upload{
		UploadID:    uuid.NewString(),
		Bucket:      bucket,
		Key:         key,
		ContentType: contentType,
		Initiated:   storage.NowISO(),
	}

	data, err := json.Marshal(upload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(uploadKey(upload.UploadID), data).WithTTL(uploadTTL)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		index := badger.NewEntry(bucketIndexKey(bucket, upload.UploadID), nil).WithTTL(uploadTTL)
		return txn.SetEntry(index)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store upload record: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"upload_id": upload.UploadID,
		"bucket":    bucket,
		"key":       key,
	}).Debug("Multipart upload initiated")

	return upload, nil
}

// Get loads an upload record. Returns ErrUploadNotFound for unknown IDs.
func (s *Store) Get(ctx context.Context, uploadID string) (*Upload, error) {
	var upload Upload
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(uploadKey(uploadID))
		if err == badger.ErrKeyNotFound {
			return ErrUploadNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &upload)
		})
	})
	if err != nil {
		if errors.Is(err, ErrUploadNotFound) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to load upload record: %w", err)
	}
	return &upload, nil
}

// PutPart stages the part body on disk and records its metadata. Re-uploading
// a part number replaces the previous part.
func (s *Store) PutPart(ctx context.Context, uploadID string, partNumber int, body io.Reader) (*Part, error) {
	if _, err := s.Get(ctx, uploadID); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.partsDir, uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create part directory: %w", err)
	}

	path := s.partPath(uploadID, partNumber)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create part file: %w", err)
	}
	defer file.Close()

	hasher := md5.New()
	size, err := io.Copy(io.MultiWriter(file, hasher), body)
	if err != nil {
		return nil, fmt.Errorf("failed to write part data: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close part file: %w", err)
	}

	part := &Part{
		PartNumber:   partNumber,
		ETag:         `"` + hex.EncodeToString(hasher.Sum(nil)) + `"`,
		Size:         size,
		LastModified: storage.NowISO(),
	}

	data, err := json.Marshal(part)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal part record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(partKey(uploadID, partNumber), data).WithTTL(uploadTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store part record: %w", err)
	}
	return part, nil
}

// ListParts returns the upload's part records sorted by part number.
func (s *Store) ListParts(ctx context.Context, uploadID string) ([]Part, error) {
	if _, err := s.Get(ctx, uploadID); err != nil {
		return nil, err
	}

	var parts []Part
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = partPrefix(uploadID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var part Part
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &part)
			})
			if err != nil {
				return err
			}
			parts = append(parts, part)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list parts: %w", err)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// PartReader opens a staged part for streaming read.
func (s *Store) PartReader(uploadID string, partNumber int) (io.ReadCloser, error) {
	file, err := os.Open(s.partPath(uploadID, partNumber))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to open part file: %w", err)
	}
	return file, nil
}

// ListByBucket returns in-progress uploads for a bucket sorted by key, then
// upload ID.
func (s *Store) ListByBucket(ctx context.Context, bucket string) ([]Upload, error) {
	var ids []string
	prefix := bucketIndexPrefix(bucket)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}

	uploads := make([]Upload, 0, len(ids))
	for _, id := range ids {
		upload, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrUploadNotFound) {
				continue // index entry outlived the record
			}
			return nil, err
		}
		uploads = append(uploads, *upload)
	}

	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key != uploads[j].Key {
			return uploads[i].Key < uploads[j].Key
		}
		return uploads[i].UploadID < uploads[j].UploadID
	})
	return uploads, nil
}

// HasUploads reports whether the bucket has any in-progress uploads. Buckets
// with uploads in flight cannot be deleted.
func (s *Store) HasUploads(ctx context.Context, bucket string) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = bucketIndexPrefix(bucket)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		found = it.Valid()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check uploads: %w", err)
	}
	return found, nil
}

// Remove deletes the upload's records and staged part files. Used by both
// complete and abort.
func (s *Store) Remove(ctx context.Context, uploadID string) error {
	upload, err := s.Get(ctx, uploadID)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = partPrefix(uploadID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		if err := txn.Delete(bucketIndexKey(upload.Bucket, uploadID)); err != nil {
			return err
		}
		return txn.Delete(uploadKey(uploadID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete upload records: %w", err)
	}

	if err := os.RemoveAll(filepath.Join(s.partsDir, uploadID)); err != nil {
		logrus.WithError(err).WithField("upload_id", uploadID).
			Warn("Failed to remove staged parts")
	}
	return nil
}
