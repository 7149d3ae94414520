package s3compat

import (
	"encoding/xml"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrorResponse is the S3 error document.
type ErrorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestId string   `xml:"RequestId"`
}

// statusForCode maps S3 error codes to HTTP statuses.
var statusForCode = map[string]int{
	"AccessDenied":            http.StatusForbidden,
	"BucketAlreadyOwnedByYou": http.StatusConflict,
	"BucketNotEmpty":          http.StatusConflict,
	"InternalError":           http.StatusInternalServerError,
	"InvalidAccessKeyId":      http.StatusForbidden,
	"InvalidArgument":         http.StatusBadRequest,
	"InvalidBucketName":       http.StatusBadRequest,
	"InvalidPart":             http.StatusBadRequest,
	"MalformedXML":            http.StatusBadRequest,
	"NoSuchBucket":            http.StatusNotFound,
	"NoSuchKey":               http.StatusNotFound,
	"NoSuchUpload":            http.StatusNotFound,
	"NotImplemented":          http.StatusNotImplemented,
	"SignatureDoesNotMatch":   http.StatusForbidden,
	"BadDigest":               http.StatusBadRequest,
}

// WriteError renders the S3 XML error body with the matching HTTP status.
// The request ID already stamped on the response is reused so the header and
// body agree; a fresh UUIDv4 is generated otherwise.
func WriteError(w http.ResponseWriter, r *http.Request, code, message, resource string) {
	status, ok := statusForCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	requestID := w.Header().Get("x-amz-request-id")
	if requestID == "" {
		requestID = uuid.NewString()
		w.Header().Set("x-amz-request-id", requestID)
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(ErrorResponse{
		Code:      code,
		Message:   message,
		Resource:  resource,
		RequestId: requestID,
	}); err != nil {
		logrus.WithError(err).Error("Failed to encode error response")
	}
}

// writeInternalError logs the cause and reports a generic message to the
// client. Errors are never retried internally.
func writeInternalError(w http.ResponseWriter, r *http.Request, err error, resource string) {
	logrus.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	}).Error("Internal error")
	WriteError(w, r, "InternalError", "We encountered an internal error. Please try again.", resource)
}
