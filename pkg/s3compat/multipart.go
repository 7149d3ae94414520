package s3compat

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ShadowArcanist/maxio/internal/multipart"
	"github.com/ShadowArcanist/maxio/internal/storage"
)

const (
	minPartNumber = 1
	maxPartNumber = 10000
)

// CreateMultipartUpload handles POST /{bucket}/{key}?uploads.
func (h *Handler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["object"]
	resource := "/" + bucket + "/" + key

	logrus.WithFields(logrus.Fields{"bucket": bucket, "key": key}).
		Debug("S3 API: CreateMultipartUpload")

	if !h.requireBucket(w, r, bucket) {
		return
	}
	if err := storage.ValidateKey(key); err != nil {
		WriteError(w, r, "InvalidArgument", err.Error(), resource)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	upload, err := h.uploads.Create(r.Context(), bucket, key, contentType)
	if err != nil {
		writeInternalError(w, r, err, resource)
		return
	}

	writeXML(w, http.StatusOK, InitiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadId: upload.UploadID,
	})
}

// getUpload resolves an upload ID and checks it belongs to the addressed
// bucket and key. Writes NoSuchUpload and returns nil on any mismatch.
func (h *Handler) getUpload(w http.ResponseWriter, r *http.Request, bucket, key, uploadID, resource string) *multipart.Upload {
	upload, err := h.uploads.Get(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, multipart.ErrUploadNotFound) {
			WriteError(w, r, "NoSuchUpload",
				"The specified multipart upload does not exist.", resource)
			return nil
		}
		writeInternalError(w, r, err, resource)
		return nil
	}
	if upload.Bucket != bucket || upload.Key != key {
		WriteError(w, r, "NoSuchUpload",
			"The specified multipart upload does not exist.", resource)
		return nil
	}
	return upload
}

// UploadPart handles PUT /{bucket}/{key}?uploadId=...&partNumber=N.
func (h *Handler) UploadPart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["object"]
	resource := "/" + bucket + "/" + key
	uploadID := r.URL.Query().Get("uploadId")

	partNumber, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if err != nil || partNumber < minPartNumber || partNumber > maxPartNumber {
		WriteError(w, r, "InvalidArgument",
			fmt.Sprintf("Part number must be an integer between %d and %d, inclusive", minPartNumber, maxPartNumber),
			resource)
		return
	}

	if h.getUpload(w, r, bucket, key, uploadID, resource) == nil {
		return
	}

	part, err := h.uploads.PutPart(r.Context(), uploadID, partNumber, requestBody(r))
	if err != nil {
		writeInternalError(w, r, err, resource)
		return
	}

	w.Header().Set("ETag", part.ETag)
	w.WriteHeader(http.StatusOK)
}

// CompleteMultipartUpload handles POST /{bucket}/{key}?uploadId=.... Parts are
// assembled in the order the client lists them; the final ETag is the MD5 of
// the assembled object.
func (h *Handler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["object"]
	resource := "/" + bucket + "/" + key
	uploadID := r.URL.Query().Get("uploadId")

	logrus.WithFields(logrus.Fields{"bucket": bucket, "key": key, "upload_id": uploadID}).
		Debug("S3 API: CompleteMultipartUpload")

	upload := h.getUpload(w, r, bucket, key, uploadID, resource)
	if upload == nil {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDeleteBodySize))
	if err != nil {
		writeInternalError(w, r, err, resource)
		return
	}
	var req CompleteMultipartUploadRequest
	if err := xml.Unmarshal(body, &req); err != nil || len(req.Parts) == 0 {
		WriteError(w, r, "MalformedXML", "The XML you provided was not well-formed", resource)
		return
	}

	stored, err := h.uploads.ListParts(r.Context(), uploadID)
	if err != nil {
		writeInternalError(w, r, err, resource)
		return
	}
	byNumber := make(map[int]multipart.Part, len(stored))
	for _, part := range stored {
		byNumber[part.PartNumber] = part
	}

	readers := make([]io.Reader, 0, len(req.Parts))
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	for _, want := range req.Parts {
		have, ok := byNumber[want.PartNumber]
		if !ok || (want.ETag != "" && !etagMatches(want.ETag, have.ETag)) {
			WriteError(w, r, "InvalidPart",
				"One or more of the specified parts could not be found or did not match.", resource)
			return
		}
		reader, err := h.uploads.PartReader(uploadID, want.PartNumber)
		if err != nil {
			writeInternalError(w, r, err, resource)
			return
		}
		readers = append(readers, reader)
		closers = append(closers, reader)
	}

	result, err := h.store.PutObject(r.Context(), bucket, key, upload.ContentType, io.MultiReader(readers...))
	if err != nil {
		writeInternalError(w, r, err, resource)
		return
	}

	if err := h.uploads.Remove(r.Context(), uploadID); err != nil {
		logrus.WithError(err).WithField("upload_id", uploadID).
			Warn("Failed to clean up completed upload")
	}

	writeXML(w, http.StatusOK, CompleteMultipartUploadResult{
		Location: resource,
		Bucket:   bucket,
		Key:      key,
		ETag:     result.ETag,
	})
}

// etagMatches compares ETags ignoring the surrounding quotes clients may or
// may not send.
func etagMatches(client, stored string) bool {
	trim := func(s string) string {
		if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
			return s[1 : len(s)-1]
		}
		return s
	}
	return trim(client) == trim(stored)
}

// AbortMultipartUpload handles DELETE /{bucket}/{key}?uploadId=....
func (h *Handler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["object"]
	resource := "/" + bucket + "/" + key
	uploadID := r.URL.Query().Get("uploadId")

	logrus.WithFields(logrus.Fields{"bucket": bucket, "key": key, "upload_id": uploadID}).
		Debug("S3 API: AbortMultipartUpload")

	if h.getUpload(w, r, bucket, key, uploadID, resource) == nil {
		return
	}

	if err := h.uploads.Remove(r.Context(), uploadID); err != nil {
		if errors.Is(err, multipart.ErrUploadNotFound) {
			WriteError(w, r, "NoSuchUpload",
				"The specified multipart upload does not exist.", resource)
			return
		}
		writeInternalError(w, r, err, resource)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListParts handles GET /{bucket}/{key}?uploadId=....
func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["object"]
	resource := "/" + bucket + "/" + key
	uploadID := r.URL.Query().Get("uploadId")

	if h.getUpload(w, r, bucket, key, uploadID, resource) == nil {
		return
	}

	parts, err := h.uploads.ListParts(r.Context(), uploadID)
	if err != nil {
		writeInternalError(w, r, err, resource)
		return
	}

	result := ListPartsResult{
		Bucket:   bucket,
		Key:      key,
		UploadId: uploadID,
	}
	for _, part := range parts {
		result.Parts = append(result.Parts, PartEntry{
			PartNumber:   part.PartNumber,
			LastModified: part.LastModified,
			ETag:         part.ETag,
			Size:         part.Size,
		})
	}
	writeXML(w, http.StatusOK, result)
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *Handler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	if !h.requireBucket(w, r, bucket) {
		return
	}

	uploads, err := h.uploads.ListByBucket(r.Context(), bucket)
	if err != nil {
		writeInternalError(w, r, err, "/"+bucket)
		return
	}

	result := ListMultipartUploadsResult{Bucket: bucket}
	for _, upload := range uploads {
		result.Uploads = append(result.Uploads, UploadEntry{
			Key:       upload.Key,
			UploadId:  upload.UploadID,
			Initiated: upload.Initiated,
		})
	}
	writeXML(w, http.StatusOK, result)
}
