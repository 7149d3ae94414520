package s3compat

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ShadowArcanist/maxio/internal/storage"
)

// maxDeleteBodySize caps the multi-object delete request body at 1 MiB.
const maxDeleteBodySize = 1 << 20

// DeleteResult is the multi-object delete response.
type DeleteResult struct {
	XMLName xml.Name           `xml:"DeleteResult"`
	Deleted []DeletedEntry     `xml:"Deleted,omitempty"`
	Errors  []DeleteErrorEntry `xml:"Error,omitempty"`
}

type DeletedEntry struct {
	Key string `xml:"Key"`
}

type DeleteErrorEntry struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// parseDeleteKeys extracts every <Key> element from the request document in
// order. A token-stream scan keeps unknown elements (Quiet, VersionId)
// harmless while still rejecting documents that are not well-formed.
func parseDeleteKeys(body []byte) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	var keys []string
	var inKey bool
	var current bytes.Buffer

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return keys, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			if t.Name.Local == "Key" {
				inKey = true
				current.Reset()
			}
		case xml.CharData:
			if inKey {
				current.Write(t)
			}
		case xml.EndElement:
			if inKey && t.Name.Local == "Key" {
				inKey = false
				keys = append(keys, current.String())
			}
		}
	}
}

// DeleteObjects handles POST /{bucket}?delete. Keys are deleted concurrently;
// results are reported in completion order, which clients must not rely on.
func (h *Handler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	resource := "/" + bucket

	if !h.requireBucket(w, r, bucket) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDeleteBodySize+1))
	if err != nil {
		writeInternalError(w, r, err, resource)
		return
	}
	if len(body) > maxDeleteBodySize {
		WriteError(w, r, "MalformedXML",
			"The XML you provided was larger than the maximum allowed size", resource)
		return
	}

	keys, err := parseDeleteKeys(body)
	if err != nil {
		WriteError(w, r, "MalformedXML", "The XML you provided was not well-formed", resource)
		return
	}

	logrus.WithFields(logrus.Fields{"bucket": bucket, "count": len(keys)}).
		Debug("S3 API: DeleteObjects")

	type outcome struct {
		key string
		err error
	}
	results := make(chan outcome, len(keys))

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			results <- outcome{key: key, err: h.store.DeleteObject(r.Context(), bucket, key)}
		}(key)
	}
	wg.Wait()
	close(results)

	var result DeleteResult
	for res := range results {
		if res.err == nil {
			result.Deleted = append(result.Deleted, DeletedEntry{Key: res.key})
			continue
		}
		code, message := "InternalError", "We encountered an internal error. Please try again."
		if storage.IsInvalidKey(res.err) {
			code, message = "InvalidArgument", res.err.Error()
		}
		result.Errors = append(result.Errors, DeleteErrorEntry{
			Key:     res.key,
			Code:    code,
			Message: message,
		})
	}

	writeXML(w, http.StatusOK, result)
}
