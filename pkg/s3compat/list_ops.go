package s3compat

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ShadowArcanist/maxio/internal/storage"
)

const maxKeysLimit = 1000

// listPage is one page of raw keys after cursor filtering and truncation,
// before delimiter collapsing.
type listPage struct {
	objects   []storage.ObjectMeta
	truncated bool
}

// paginate filters keys strictly greater than after and cuts the page at
// maxKeys, reporting whether more keys follow.
func paginate(objects []storage.ObjectMeta, after string, maxKeys int) listPage {
	if maxKeys == 0 {
		return listPage{}
	}
	filtered := objects[:0:0]
	for _, obj := range objects {
		if after != "" && obj.Key <= after {
			continue
		}
		filtered = append(filtered, obj)
		if len(filtered) > maxKeys {
			break
		}
	}
	if len(filtered) > maxKeys {
		return listPage{objects: filtered[:maxKeys], truncated: true}
	}
	return listPage{objects: filtered}
}

// collapse applies delimiter grouping to a page. Keys whose post-prefix
// remainder contains the delimiter are rolled up into CommonPrefixes; the
// rest become Contents. Order within the page is preserved.
func collapse(page []storage.ObjectMeta, prefix, delimiter string) ([]ObjectEntry, []CommonPrefix) {
	var contents []ObjectEntry
	var prefixes []CommonPrefix
	seen := make(map[string]bool)

	for _, obj := range page {
		if delimiter != "" {
			remainder := strings.TrimPrefix(obj.Key, prefix)
			if idx := strings.Index(remainder, delimiter); idx >= 0 {
				common := prefix + remainder[:idx+len(delimiter)]
				if !seen[common] {
					seen[common] = true
					prefixes = append(prefixes, CommonPrefix{Prefix: common})
				}
				continue
			}
		}
		contents = append(contents, ObjectEntry{
			Key:          obj.Key,
			LastModified: obj.LastModified,
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}
	return contents, prefixes
}

func parseMaxKeys(raw string) (int, bool) {
	if raw == "" {
		return maxKeysLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	if n > maxKeysLimit {
		n = maxKeysLimit
	}
	return n, true
}

// ListObjects handles GET /{bucket}, dispatching between ListObjectsV2
// (list-type=2) and the legacy v1 listing.
func (h *Handler) ListObjects(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("list-type") == "2" {
		h.listObjectsV2(w, r)
		return
	}
	h.listObjectsV1(w, r)
}

func (h *Handler) listObjectsV2(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	query := r.URL.Query()
	prefix := query.Get("prefix")
	delimiter := query.Get("delimiter")
	startAfter := query.Get("start-after")
	token := query.Get("continuation-token")

	logrus.WithFields(logrus.Fields{"bucket": bucket, "prefix": prefix}).
		Debug("S3 API: ListObjectsV2")

	maxKeys, ok := parseMaxKeys(query.Get("max-keys"))
	if !ok {
		WriteError(w, r, "InvalidArgument", "max-keys must be a non-negative integer", "/"+bucket)
		return
	}

	// The continuation token is the last key of the previous page, opaque to
	// clients as base64.
	after := startAfter
	if token != "" {
		decoded, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			WriteError(w, r, "InvalidArgument", "The continuation token provided is incorrect", "/"+bucket)
			return
		}
		if cursor := string(decoded); cursor > after {
			after = cursor
		}
	}

	if !h.requireBucket(w, r, bucket) {
		return
	}

	objects, err := h.store.ListObjects(r.Context(), bucket, prefix)
	if err != nil {
		writeInternalError(w, r, err, "/"+bucket)
		return
	}

	page := paginate(objects, after, maxKeys)
	contents, prefixes := collapse(page.objects, prefix, delimiter)

	result := ListBucketResult{
		Name:              bucket,
		Prefix:            prefix,
		KeyCount:          len(contents) + len(prefixes),
		MaxKeys:           maxKeys,
		IsTruncated:       page.truncated,
		Contents:          contents,
		CommonPrefixes:    prefixes,
		ContinuationToken: token,
		Delimiter:         delimiter,
		StartAfter:        startAfter,
	}
	if page.truncated {
		lastKey := page.objects[len(page.objects)-1].Key
		result.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(lastKey))
	}
	writeXML(w, http.StatusOK, result)
}

func (h *Handler) listObjectsV1(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	query := r.URL.Query()
	prefix := query.Get("prefix")
	delimiter := query.Get("delimiter")
	marker := query.Get("marker")

	logrus.WithFields(logrus.Fields{"bucket": bucket, "prefix": prefix}).
		Debug("S3 API: ListObjects")

	maxKeys, ok := parseMaxKeys(query.Get("max-keys"))
	if !ok {
		WriteError(w, r, "InvalidArgument", "max-keys must be a non-negative integer", "/"+bucket)
		return
	}

	if !h.requireBucket(w, r, bucket) {
		return
	}

	objects, err := h.store.ListObjects(r.Context(), bucket, prefix)
	if err != nil {
		writeInternalError(w, r, err, "/"+bucket)
		return
	}

	page := paginate(objects, marker, maxKeys)
	contents, prefixes := collapse(page.objects, prefix, delimiter)

	result := ListBucketResultV1{
		Name:           bucket,
		Prefix:         prefix,
		Marker:         marker,
		MaxKeys:        maxKeys,
		IsTruncated:    page.truncated,
		Contents:       contents,
		CommonPrefixes: prefixes,
		Delimiter:      delimiter,
	}
	if page.truncated {
		// The v1 marker is the last raw key of the page, passed back verbatim.
		result.NextMarker = page.objects[len(page.objects)-1].Key
	}
	writeXML(w, http.StatusOK, result)
}
