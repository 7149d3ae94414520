package s3compat

import (
	"bytes"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedBody frames chunks the way a SigV4 streaming client does.
func chunkedBody(chunks ...string) string {
	var sb strings.Builder
	for _, chunk := range chunks {
		fmt.Fprintf(&sb, "%x;chunk-signature=%064d\r\n%s\r\n", len(chunk), 0, chunk)
	}
	sb.WriteString("0;chunk-signature=" + strings.Repeat("0", 64) + "\r\n\r\n")
	return sb.String()
}

func TestAwsChunkedReader(t *testing.T) {
	t.Run("SingleChunk", func(t *testing.T) {
		r := newAwsChunkedReader(strings.NewReader(chunkedBody("hello world")))
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(data))
	})

	t.Run("MultipleChunks", func(t *testing.T) {
		r := newAwsChunkedReader(strings.NewReader(chunkedBody("first ", "second ", "third")))
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "first second third", string(data))
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		r := newAwsChunkedReader(strings.NewReader(chunkedBody()))
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("UnsignedFrames", func(t *testing.T) {
		// Trailer-checksum clients omit chunk signatures.
		body := "b\r\nhello world\r\n0\r\nx-amz-checksum-crc32:AAAAAA==\r\n\r\n"
		r := newAwsChunkedReader(strings.NewReader(body))
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(data))
	})

	t.Run("SmallReads", func(t *testing.T) {
		r := newAwsChunkedReader(strings.NewReader(chunkedBody("abcdefghij")))
		var out bytes.Buffer
		buf := make([]byte, 3)
		for {
			n, err := r.Read(buf)
			out.Write(buf[:n])
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
		}
		assert.Equal(t, "abcdefghij", out.String())
	})

	t.Run("BadChunkSize", func(t *testing.T) {
		r := newAwsChunkedReader(strings.NewReader("zz;chunk-signature=abc\r\ndata\r\n"))
		_, err := io.ReadAll(r)
		assert.ErrorIs(t, err, ErrMalformedChunk)
	})

	t.Run("TruncatedChunkData", func(t *testing.T) {
		r := newAwsChunkedReader(strings.NewReader("ff;chunk-signature=abc\r\nshort"))
		_, err := io.ReadAll(r)
		assert.ErrorIs(t, err, ErrMalformedChunk)
	})

	t.Run("MissingTerminator", func(t *testing.T) {
		r := newAwsChunkedReader(strings.NewReader("5;chunk-signature=abc\r\nhelloXX"))
		_, err := io.ReadAll(r)
		assert.ErrorIs(t, err, ErrMalformedChunk)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		r := newAwsChunkedReader(strings.NewReader(""))
		_, err := io.ReadAll(r)
		assert.ErrorIs(t, err, ErrMalformedChunk)
	})
}

func TestIsAwsChunked(t *testing.T) {
	t.Run("SignedStreaming", func(t *testing.T) {
		r := httptest.NewRequest("PUT", "/b/k", nil)
		r.Header.Set("x-amz-content-sha256", "STREAMING-AWS4-HMAC-SHA256-PAYLOAD")
		assert.True(t, isAwsChunked(r))
	})

	t.Run("UnsignedTrailer", func(t *testing.T) {
		r := httptest.NewRequest("PUT", "/b/k", nil)
		r.Header.Set("x-amz-content-sha256", "STREAMING-UNSIGNED-PAYLOAD-TRAILER")
		assert.True(t, isAwsChunked(r))
	})

	t.Run("ContentEncoding", func(t *testing.T) {
		r := httptest.NewRequest("PUT", "/b/k", nil)
		r.Header.Set("Content-Encoding", "aws-chunked")
		assert.True(t, isAwsChunked(r))
	})

	t.Run("PlainPayload", func(t *testing.T) {
		r := httptest.NewRequest("PUT", "/b/k", nil)
		r.Header.Set("x-amz-content-sha256", "UNSIGNED-PAYLOAD")
		assert.False(t, isAwsChunked(r))
	})
}

func TestPutObjectAwsChunked(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, 200, do(router, "PUT", "/bucket", nil).Code)

	req := httptest.NewRequest("PUT", "/bucket/streamed.txt",
		strings.NewReader(chunkedBody("streamed ", "content")))
	req.Header.Set("x-amz-content-sha256", "STREAMING-AWS4-HMAC-SHA256-PAYLOAD")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code, rec.Body.String())

	got := do(router, "GET", "/bucket/streamed.txt", nil)
	assert.Equal(t, "streamed content", got.Body.String())

	// The stored size is the decoded payload, not the framed body.
	assert.Equal(t, "16", got.Header().Get("Content-Length"))
}
