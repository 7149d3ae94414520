package storage

import (
	"errors"
	"fmt"
	"time"
)

// ISOTimeFormat is the timestamp layout persisted in bucket and object
// metadata: UTC with millisecond precision and a literal Z suffix.
const ISOTimeFormat = "2006-01-02T15:04:05.000Z"

// NowISO returns the current UTC instant in the on-disk timestamp format.
func NowISO() string {
	return time.Now().UTC().Format(ISOTimeFormat)
}

// BucketMeta is the content of a bucket's .bucket.json file. The presence of
// that file is the source of truth for bucket existence.
type BucketMeta struct {
	Name       string `json:"name"`
	CreatedAt  string `json:"created_at"`
	Region     string `json:"region"`
	Versioning bool   `json:"versioning"`
}

// ObjectMeta is the content of an object's <key>.meta.json sibling file.
// Unknown fields are ignored on read for forward compatibility.
type ObjectMeta struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	ETag         string `json:"etag"`
	ContentType  string `json:"content_type"`
	LastModified string `json:"last_modified"`
}

// PutResult reports the outcome of a successful object write.
type PutResult struct {
	Size int64
	ETag string // MD5 hex digest wrapped in double quotes
}

// Distinguished storage errors. Everything else that comes out of the engine
// is an opaque internal error.
var (
	ErrNotFound       = errors.New("not found")
	ErrBucketNotEmpty = errors.New("bucket not empty")
)

// InvalidKeyError reports an object key rejected at the API boundary.
type InvalidKeyError struct {
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid key: %s", e.Reason)
}

// IsInvalidKey reports whether err is a key validation failure.
func IsInvalidKey(err error) bool {
	var ik *InvalidKeyError
	return errors.As(err, &ik)
}
