package s3compat

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ShadowArcanist/maxio/internal/storage"
)

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// CreateBucket handles PUT /{bucket}.
func (h *Handler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	logrus.WithField("bucket", bucket).Debug("S3 API: CreateBucket")

	if !bucketNameRe.MatchString(bucket) {
		WriteError(w, r, "InvalidBucketName",
			fmt.Sprintf("The specified bucket is not valid: %s", bucket), "/"+bucket)
		return
	}

	meta := &storage.BucketMeta{
		Name:      bucket,
		CreatedAt: storage.NowISO(),
		Region:    h.region,
	}
	created, err := h.store.CreateBucket(r.Context(), meta)
	if err != nil {
		writeInternalError(w, r, err, "/"+bucket)
		return
	}
	if !created {
		WriteError(w, r, "BucketAlreadyOwnedByYou",
			fmt.Sprintf("Your previous request to create the named bucket succeeded and you already own it: %s", bucket),
			"/"+bucket)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// HeadBucket handles HEAD /{bucket}.
func (h *Handler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	exists, err := h.store.HeadBucket(r.Context(), bucket)
	if err != nil {
		writeInternalError(w, r, err, "/"+bucket)
		return
	}
	if !exists {
		WriteError(w, r, "NoSuchBucket",
			fmt.Sprintf("The specified bucket does not exist: %s", bucket), "/"+bucket)
		return
	}

	w.Header().Set("x-amz-bucket-region", h.region)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. A bucket with objects or in-progress
// multipart uploads cannot be deleted.
func (h *Handler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	logrus.WithField("bucket", bucket).Debug("S3 API: DeleteBucket")

	busy, err := h.uploads.HasUploads(r.Context(), bucket)
	if err != nil {
		writeInternalError(w, r, err, "/"+bucket)
		return
	}
	if busy {
		WriteError(w, r, "BucketNotEmpty", "The bucket you tried to delete is not empty.", "/"+bucket)
		return
	}

	deleted, err := h.store.DeleteBucket(r.Context(), bucket)
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotEmpty) {
			WriteError(w, r, "BucketNotEmpty", "The bucket you tried to delete is not empty.", "/"+bucket)
			return
		}
		writeInternalError(w, r, err, "/"+bucket)
		return
	}
	if !deleted {
		WriteError(w, r, "NoSuchBucket",
			fmt.Sprintf("The specified bucket does not exist: %s", bucket), "/"+bucket)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetBucketLocation handles GET /{bucket}?location.
func (h *Handler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	exists, err := h.store.HeadBucket(r.Context(), bucket)
	if err != nil {
		writeInternalError(w, r, err, "/"+bucket)
		return
	}
	if !exists {
		WriteError(w, r, "NoSuchBucket",
			fmt.Sprintf("The specified bucket does not exist: %s", bucket), "/"+bucket)
		return
	}

	writeXML(w, http.StatusOK, LocationConstraint{Location: h.region})
}

// GetBucketVersioning handles GET /{bucket}?versioning. Status is emitted
// only when versioning is enabled.
func (h *Handler) GetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	meta, err := h.store.GetBucket(r.Context(), bucket)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, r, "NoSuchBucket",
				fmt.Sprintf("The specified bucket does not exist: %s", bucket), "/"+bucket)
			return
		}
		writeInternalError(w, r, err, "/"+bucket)
		return
	}

	result := VersioningConfiguration{}
	if meta.Versioning {
		result.Status = "Enabled"
	}
	writeXML(w, http.StatusOK, result)
}

// PutBucketVersioning handles PUT /{bucket}?versioning. The flag is
// bookkeeping only; object-level versioning is not implemented.
func (h *Handler) PutBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	logrus.WithField("bucket", bucket).Debug("S3 API: PutBucketVersioning")

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeInternalError(w, r, err, "/"+bucket)
		return
	}
	var req VersioningConfigurationRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		WriteError(w, r, "MalformedXML", "The XML you provided was not well-formed", "/"+bucket)
		return
	}

	meta, err := h.store.GetBucket(r.Context(), bucket)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, r, "NoSuchBucket",
				fmt.Sprintf("The specified bucket does not exist: %s", bucket), "/"+bucket)
			return
		}
		writeInternalError(w, r, err, "/"+bucket)
		return
	}

	meta.Versioning = req.Status == "Enabled"
	if err := h.store.UpdateBucket(r.Context(), meta); err != nil {
		writeInternalError(w, r, err, "/"+bucket)
		return
	}

	w.WriteHeader(http.StatusOK)
}
