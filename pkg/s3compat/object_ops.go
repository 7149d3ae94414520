package s3compat

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ShadowArcanist/maxio/internal/storage"
)

// requireBucket writes NoSuchBucket and returns false when the bucket does
// not exist.
func (h *Handler) requireBucket(w http.ResponseWriter, r *http.Request, bucket string) bool {
	exists, err := h.store.HeadBucket(r.Context(), bucket)
	if err != nil {
		writeInternalError(w, r, err, "/"+bucket)
		return false
	}
	if !exists {
		WriteError(w, r, "NoSuchBucket",
			fmt.Sprintf("The specified bucket does not exist: %s", bucket), "/"+bucket)
		return false
	}
	return true
}

// lastModifiedHTTP converts a stored timestamp to the RFC 7231 format used by
// the Last-Modified header.
func lastModifiedHTTP(stored string) string {
	t, err := time.Parse(storage.ISOTimeFormat, stored)
	if err != nil {
		return stored
	}
	return t.UTC().Format(http.TimeFormat)
}

// PutObject handles PUT /{bucket}/{key}.
func (h *Handler) PutObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["object"]
	resource := "/" + bucket + "/" + key

	logrus.WithFields(logrus.Fields{"bucket": bucket, "key": key}).Debug("S3 API: PutObject")

	if !h.requireBucket(w, r, bucket) {
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	result, err := h.store.PutObject(r.Context(), bucket, key, contentType, requestBody(r))
	if err != nil {
		if storage.IsInvalidKey(err) {
			WriteError(w, r, "InvalidArgument", err.Error(), resource)
			return
		}
		// Malformed aws-chunked framing lands here too.
		writeInternalError(w, r, err, resource)
		return
	}

	// Content-MD5 is validated against what was actually written; on mismatch
	// the stored object is removed so a failed PUT leaves nothing behind.
	if clientMD5 := r.Header.Get("Content-MD5"); clientMD5 != "" {
		expected, err := base64.StdEncoding.DecodeString(clientMD5)
		if err != nil {
			h.store.DeleteObject(r.Context(), bucket, key)
			WriteError(w, r, "InvalidArgument", "The Content-MD5 you specified is not valid.", resource)
			return
		}
		actual := result.ETag[1 : len(result.ETag)-1]
		if hex.EncodeToString(expected) != actual {
			h.store.DeleteObject(r.Context(), bucket, key)
			WriteError(w, r, "BadDigest", "The Content-MD5 you specified did not match what we received.", resource)
			return
		}
	}

	w.Header().Set("ETag", result.ETag)
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{key}.
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["object"]
	resource := "/" + bucket + "/" + key

	if !h.requireBucket(w, r, bucket) {
		return
	}

	body, meta, err := h.store.GetObject(r.Context(), bucket, key)
	if err != nil {
		h.writeObjectError(w, r, err, key, resource)
		return
	}
	defer body.Close()

	h.setObjectHeaders(w, meta)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"bucket": bucket, "key": key}).
			Debug("Aborted object download")
	}
}

// HeadObject handles HEAD /{bucket}/{key}. Same headers as GET, no body.
func (h *Handler) HeadObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["object"]
	resource := "/" + bucket + "/" + key

	if !h.requireBucket(w, r, bucket) {
		return
	}

	meta, err := h.store.HeadObject(r.Context(), bucket, key)
	if err != nil {
		h.writeObjectError(w, r, err, key, resource)
		return
	}

	h.setObjectHeaders(w, meta)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{key}. Deleting an absent key
// succeeds.
func (h *Handler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["object"]
	resource := "/" + bucket + "/" + key

	logrus.WithFields(logrus.Fields{"bucket": bucket, "key": key}).Debug("S3 API: DeleteObject")

	if !h.requireBucket(w, r, bucket) {
		return
	}

	if err := h.store.DeleteObject(r.Context(), bucket, key); err != nil {
		if storage.IsInvalidKey(err) {
			WriteError(w, r, "InvalidArgument", err.Error(), resource)
			return
		}
		writeInternalError(w, r, err, resource)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setObjectHeaders(w http.ResponseWriter, meta *storage.ObjectMeta) {
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("ETag", meta.ETag)
	w.Header().Set("Last-Modified", lastModifiedHTTP(meta.LastModified))
	w.Header().Set("Accept-Ranges", "bytes")
}

func (h *Handler) writeObjectError(w http.ResponseWriter, r *http.Request, err error, key, resource string) {
	switch {
	case storage.IsInvalidKey(err):
		WriteError(w, r, "InvalidArgument", err.Error(), resource)
	case errors.Is(err, storage.ErrNotFound):
		WriteError(w, r, "NoSuchKey",
			fmt.Sprintf("The specified key does not exist: %s", key), resource)
	default:
		writeInternalError(w, r, err, resource)
	}
}
