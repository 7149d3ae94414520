// Package s3compat implements the S3-compatible REST API: routing, XML
// serialization, and the mapping from storage semantics to wire semantics.
package s3compat

import (
	"encoding/xml"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ShadowArcanist/maxio/internal/multipart"
	"github.com/ShadowArcanist/maxio/internal/storage"
)

// ownerID identifies the single account this server exposes.
const ownerID = "maxio"

// Handler serves the S3 API against the filesystem store.
type Handler struct {
	store   *storage.FilesystemStore
	uploads *multipart.Store
	region  string
}

// NewHandler creates an S3 API handler.
func NewHandler(store *storage.FilesystemStore, uploads *multipart.Store, region string) *Handler {
	return &Handler{store: store, uploads: uploads, region: region}
}

// RegisterRoutes wires the S3 routing table. Query-discriminated routes must
// be registered before their generic fallbacks; gorilla/mux matches in
// registration order.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/", h.ListBuckets).Methods(http.MethodGet)

	// Bucket routes, with and without trailing slash.
	for _, path := range []string{"/{bucket}", "/{bucket}/"} {
		router.HandleFunc(path, h.GetBucketLocation).Methods(http.MethodGet).Queries("location", "")
		router.HandleFunc(path, h.GetBucketVersioning).Methods(http.MethodGet).Queries("versioning", "")
		router.HandleFunc(path, h.ListMultipartUploads).Methods(http.MethodGet).Queries("uploads", "")
		router.HandleFunc(path, h.ListObjects).Methods(http.MethodGet)
		router.HandleFunc(path, h.PutBucketVersioning).Methods(http.MethodPut).Queries("versioning", "")
		router.HandleFunc(path, h.CreateBucket).Methods(http.MethodPut)
		router.HandleFunc(path, h.HeadBucket).Methods(http.MethodHead)
		router.HandleFunc(path, h.DeleteBucket).Methods(http.MethodDelete)
		router.HandleFunc(path, h.DeleteObjects).Methods(http.MethodPost).Queries("delete", "")
	}

	// Object routes. The key pattern spans slashes.
	const object = "/{bucket}/{object:.+}"
	router.HandleFunc(object, h.UploadPart).Methods(http.MethodPut).
		Queries("uploadId", "{uploadId}", "partNumber", "{partNumber}")
	router.HandleFunc(object, h.PutObject).Methods(http.MethodPut)
	router.HandleFunc(object, h.CreateMultipartUpload).Methods(http.MethodPost).Queries("uploads", "")
	router.HandleFunc(object, h.CompleteMultipartUpload).Methods(http.MethodPost).Queries("uploadId", "{uploadId}")
	router.HandleFunc(object, h.ListParts).Methods(http.MethodGet).Queries("uploadId", "{uploadId}")
	router.HandleFunc(object, h.GetObject).Methods(http.MethodGet)
	router.HandleFunc(object, h.HeadObject).Methods(http.MethodHead)
	router.HandleFunc(object, h.AbortMultipartUpload).Methods(http.MethodDelete).Queries("uploadId", "{uploadId}")
	router.HandleFunc(object, h.DeleteObject).Methods(http.MethodDelete)
}

// writeXML renders an S3 response document with the XML declaration prefix.
func writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode XML response")
	}
}

// ListBuckets handles GET /.
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	logrus.Debug("S3 API: ListBuckets")

	buckets, err := h.store.ListBuckets(r.Context())
	if err != nil {
		writeInternalError(w, r, err, "/")
		return
	}

	result := ListAllMyBucketsResult{
		Owner: Owner{ID: ownerID, DisplayName: ownerID},
	}
	for _, b := range buckets {
		result.Buckets.Bucket = append(result.Buckets.Bucket, BucketEntry{
			Name:         b.Name,
			CreationDate: b.CreatedAt,
		})
	}
	writeXML(w, http.StatusOK, result)
}
