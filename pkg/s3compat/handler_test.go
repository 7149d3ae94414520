package s3compat

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShadowArcanist/maxio/internal/multipart"
	"github.com/ShadowArcanist/maxio/internal/storage"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewFilesystemStore(dir)
	require.NoError(t, err)
	uploads, err := multipart.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { uploads.Close() })

	router := mux.NewRouter()
	NewHandler(store, uploads, "us-east-1").RegisterRoutes(router)
	return router
}

func do(router *mux.Router, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeXML(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), v))
}

func assertS3Error(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, rec.Code)
	var errResp ErrorResponse
	decodeXML(t, rec, &errResp)
	assert.Equal(t, code, errResp.Code)
	assert.NotEmpty(t, errResp.RequestId)
}

func TestBucketLifecycle(t *testing.T) {
	router := newTestRouter(t)

	t.Run("Create", func(t *testing.T) {
		rec := do(router, "PUT", "/test-bucket", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "/test-bucket", rec.Header().Get("Location"))
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		rec := do(router, "PUT", "/test-bucket", nil)
		assertS3Error(t, rec, http.StatusConflict, "BucketAlreadyOwnedByYou")
	})

	t.Run("Head", func(t *testing.T) {
		rec := do(router, "HEAD", "/test-bucket", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "us-east-1", rec.Header().Get("x-amz-bucket-region"))
	})

	t.Run("HeadMissing", func(t *testing.T) {
		rec := do(router, "HEAD", "/no-such-bucket", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("List", func(t *testing.T) {
		rec := do(router, "GET", "/", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var result ListAllMyBucketsResult
		decodeXML(t, rec, &result)
		assert.Equal(t, "maxio", result.Owner.ID)
		require.Len(t, result.Buckets.Bucket, 1)
		assert.Equal(t, "test-bucket", result.Buckets.Bucket[0].Name)
		assert.NotEmpty(t, result.Buckets.Bucket[0].CreationDate)
	})

	t.Run("Location", func(t *testing.T) {
		rec := do(router, "GET", "/test-bucket?location", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var result LocationConstraint
		decodeXML(t, rec, &result)
		assert.Equal(t, "us-east-1", result.Location)
	})

	t.Run("Delete", func(t *testing.T) {
		rec := do(router, "DELETE", "/test-bucket", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("DeleteNeverExisted", func(t *testing.T) {
		rec := do(router, "DELETE", "/test-bucket", nil)
		assertS3Error(t, rec, http.StatusNotFound, "NoSuchBucket")
	})
}

func TestCreateBucketInvalidName(t *testing.T) {
	router := newTestRouter(t)

	for _, name := range []string{"AB", "UPPERCASE", "a", "-leading", "trailing-", "has_underscore"} {
		rec := do(router, "PUT", "/"+name, nil)
		assertS3Error(t, rec, http.StatusBadRequest, "InvalidBucketName")
	}
}

func TestDeleteBucketNotEmpty(t *testing.T) {
	router := newTestRouter(t)

	require.Equal(t, http.StatusOK, do(router, "PUT", "/bucket", nil).Code)
	require.Equal(t, http.StatusOK, do(router, "PUT", "/bucket/key.txt", bytes.NewReader([]byte("x"))).Code)

	rec := do(router, "DELETE", "/bucket", nil)
	assertS3Error(t, rec, http.StatusConflict, "BucketNotEmpty")
}

func TestDeleteBucketBlockedByUpload(t *testing.T) {
	router := newTestRouter(t)

	require.Equal(t, http.StatusOK, do(router, "PUT", "/bucket", nil).Code)
	require.Equal(t, http.StatusOK, do(router, "POST", "/bucket/pending.bin?uploads", nil).Code)

	rec := do(router, "DELETE", "/bucket", nil)
	assertS3Error(t, rec, http.StatusConflict, "BucketNotEmpty")
}

func TestVersioningConfig(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(router, "PUT", "/bucket", nil).Code)

	t.Run("DefaultSuspended", func(t *testing.T) {
		rec := do(router, "GET", "/bucket?versioning", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		var result VersioningConfiguration
		decodeXML(t, rec, &result)
		assert.Empty(t, result.Status)
	})

	t.Run("Enable", func(t *testing.T) {
		body := bytes.NewReader([]byte(`<VersioningConfiguration><Status>Enabled</Status></VersioningConfiguration>`))
		rec := do(router, "PUT", "/bucket?versioning", body)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = do(router, "GET", "/bucket?versioning", nil)
		var result VersioningConfiguration
		decodeXML(t, rec, &result)
		assert.Equal(t, "Enabled", result.Status)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		rec := do(router, "PUT", "/bucket?versioning", bytes.NewReader([]byte("<not-xml")))
		assertS3Error(t, rec, http.StatusBadRequest, "MalformedXML")
	})

	t.Run("MissingBucket", func(t *testing.T) {
		rec := do(router, "GET", "/ghost?versioning", nil)
		assertS3Error(t, rec, http.StatusNotFound, "NoSuchBucket")
	})
}

func TestObjectLifecycle(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(router, "PUT", "/bucket", nil).Code)

	content := []byte("hello world")

	t.Run("Put", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/bucket/docs/hello.txt", bytes.NewReader(content))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `"5eb63bbbe01eeed093cb22bb8f5acdc3"`, rec.Header().Get("ETag"))
	})

	t.Run("Get", func(t *testing.T) {
		rec := do(router, "GET", "/bucket/docs/hello.txt", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, content, rec.Body.Bytes())
		assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
		assert.Equal(t, "11", rec.Header().Get("Content-Length"))
		assert.NotEmpty(t, rec.Header().Get("Last-Modified"))
	})

	t.Run("Head", func(t *testing.T) {
		rec := do(router, "HEAD", "/bucket/docs/hello.txt", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "11", rec.Header().Get("Content-Length"))
		assert.Equal(t, `"5eb63bbbe01eeed093cb22bb8f5acdc3"`, rec.Header().Get("ETag"))
	})

	t.Run("Delete", func(t *testing.T) {
		rec := do(router, "DELETE", "/bucket/docs/hello.txt", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = do(router, "GET", "/bucket/docs/hello.txt", nil)
		assertS3Error(t, rec, http.StatusNotFound, "NoSuchKey")
	})

	t.Run("DeleteAbsentSucceeds", func(t *testing.T) {
		rec := do(router, "DELETE", "/bucket/never-existed.txt", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestPutObjectDefaults(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(router, "PUT", "/bucket", nil).Code)

	rec := do(router, "PUT", "/bucket/blob", bytes.NewReader([]byte("data")))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, "GET", "/bucket/blob", nil)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}

func TestPutObjectMissingBucket(t *testing.T) {
	router := newTestRouter(t)

	rec := do(router, "PUT", "/ghost/key", bytes.NewReader([]byte("x")))
	assertS3Error(t, rec, http.StatusNotFound, "NoSuchBucket")
}

func TestPutObjectContentMD5(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(router, "PUT", "/bucket", nil).Code)

	t.Run("Match", func(t *testing.T) {
		// base64(md5("hello world"))
		req := httptest.NewRequest("PUT", "/bucket/ok.txt", bytes.NewReader([]byte("hello world")))
		req.Header.Set("Content-MD5", "XrY7u+Ae7tCTyyK7j1rNww==")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Mismatch", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/bucket/bad.txt", bytes.NewReader([]byte("hello world")))
		req.Header.Set("Content-MD5", "AAAAAAAAAAAAAAAAAAAAAA==")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assertS3Error(t, rec, http.StatusBadRequest, "BadDigest")

		// The failed PUT must not leave the object behind.
		rec2 := do(router, "GET", "/bucket/bad.txt", nil)
		assertS3Error(t, rec2, http.StatusNotFound, "NoSuchKey")
	})

	t.Run("InvalidBase64", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/bucket/garbled.txt", bytes.NewReader([]byte("hello world")))
		req.Header.Set("Content-MD5", "!!!not-base64!!!")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assertS3Error(t, rec, http.StatusBadRequest, "InvalidArgument")
	})
}

func TestErrorResponseShape(t *testing.T) {
	router := newTestRouter(t)

	rec := do(router, "GET", "/ghost?location", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `<?xml version="1.0" encoding="UTF-8"?>`)

	var errResp ErrorResponse
	decodeXML(t, rec, &errResp)
	assert.Equal(t, "NoSuchBucket", errResp.Code)
	assert.Equal(t, "/ghost", errResp.Resource)
	assert.NotEmpty(t, errResp.Message)
	assert.Equal(t, rec.Header().Get("x-amz-request-id"), errResp.RequestId)
}
