// Package auth implements AWS Signature Version 4 request verification for
// the S3 API surface.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	scopeTerminator = "aws4_request"
	service         = "s3"

	// unsignedPayload is used in the canonical request when the client did
	// not send x-amz-content-sha256.
	unsignedPayload = "UNSIGNED-PAYLOAD"
)

// AuthError is an authentication failure carrying its S3 error code.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ParsedAuth holds the components of a SigV4 Authorization header.
type ParsedAuth struct {
	AccessKey     string
	Date          string // YYYYMMDD from the credential scope
	Region        string
	SignedHeaders []string // lowercase names, in the order the client sent
	Signature     string
}

// ParseAuthorizationHeader parses the header-based SigV4 scheme. The
// credential scope must have exactly five fields ending in "aws4_request";
// any other shape is a parse error.
func ParseAuthorizationHeader(header string) (*ParsedAuth, error) {
	rest, ok := strings.CutPrefix(header, algorithm+" ")
	if !ok {
		return nil, fmt.Errorf("unsupported authorization algorithm")
	}

	var credential, signedHeaders, signature string
	// Some clients separate with ", ", others with a bare ",".
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "Credential="):
			credential = strings.TrimPrefix(part, "Credential=")
		case strings.HasPrefix(part, "SignedHeaders="):
			signedHeaders = strings.TrimPrefix(part, "SignedHeaders=")
		case strings.HasPrefix(part, "Signature="):
			signature = strings.TrimPrefix(part, "Signature=")
		}
	}
	if credential == "" {
		return nil, fmt.Errorf("missing Credential")
	}
	if signedHeaders == "" {
		return nil, fmt.Errorf("missing SignedHeaders")
	}
	if signature == "" {
		return nil, fmt.Errorf("missing Signature")
	}

	credParts := strings.SplitN(credential, "/", 5)
	if len(credParts) != 5 {
		return nil, fmt.Errorf("invalid Credential format")
	}
	if credParts[4] != scopeTerminator {
		return nil, fmt.Errorf("invalid credential scope terminator: %s", credParts[4])
	}

	return &ParsedAuth{
		AccessKey:     credParts[0],
		Date:          credParts[1],
		Region:        credParts[2],
		SignedHeaders: strings.Split(signedHeaders, ";"),
		Signature:     signature,
	}, nil
}

// Verifier checks SigV4 signatures against a single configured credential.
type Verifier struct {
	AccessKey string
	SecretKey string
	Region    string
}

// VerifyRequest authenticates r. Nil return means the signature matched.
func (v *Verifier) VerifyRequest(r *http.Request) *AuthError {
	header := r.Header.Get("Authorization")
	if header == "" {
		return &AuthError{Code: "AccessDenied", Message: "Missing Authorization header"}
	}

	parsed, err := ParseAuthorizationHeader(header)
	if err != nil {
		return &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Invalid Authorization header: %v", err)}
	}

	if parsed.AccessKey != v.AccessKey {
		return &AuthError{Code: "InvalidAccessKeyId", Message: "The AWS Access Key Id you provided does not exist in our records."}
	}
	if parsed.Region != v.Region {
		return &AuthError{Code: "AccessDenied", Message: "Invalid region in credential scope"}
	}

	canonicalRequest := BuildCanonicalRequest(r.Method, r.URL.EscapedPath(), r.URL.RawQuery, r, parsed.SignedHeaders)
	stringToSign := BuildStringToSign(r.Header.Get("x-amz-date"), parsed.Date, parsed.Region, canonicalRequest)
	signingKey := DeriveSigningKey(v.SecretKey, parsed.Date, parsed.Region)
	computed := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	if subtle.ConstantTimeCompare([]byte(computed), []byte(parsed.Signature)) != 1 {
		return &AuthError{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided."}
	}
	return nil
}

// BuildCanonicalRequest assembles METHOD, canonical URI, canonical query
// string, canonical headers, signed header list, and payload hash.
func BuildCanonicalRequest(method, path, rawQuery string, r *http.Request, signedHeaders []string) string {
	payloadHash := r.Header.Get("x-amz-content-sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}

	return method + "\n" +
		CanonicalURI(path) + "\n" +
		CanonicalQueryString(rawQuery) + "\n" +
		canonicalHeaders(r, signedHeaders) + "\n" +
		strings.Join(signedHeaders, ";") + "\n" +
		payloadHash
}

// CanonicalURI re-encodes each path segment with the S3 unreserved set,
// preserving "/" separators. An empty path becomes "/".
func CanonicalURI(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == "/" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(uriDecode(seg))
	}
	return strings.Join(segments, "/")
}

// CanonicalQueryString decodes each raw key=value pair, sorts by decoded key
// (ties broken by decoded value), and re-encodes with the S3 unreserved set.
func CanonicalQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	type pair struct{ key, val string }
	var pairs []pair
	for _, item := range strings.Split(rawQuery, "&") {
		if item == "" {
			continue
		}
		key, val, _ := strings.Cut(item, "=")
		pairs = append(pairs, pair{key: uriDecode(key), val: uriDecode(val)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].val < pairs[j].val
	})

	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = uriEncode(p.key) + "=" + uriEncode(p.val)
	}
	return strings.Join(encoded, "&")
}

// canonicalHeaders emits name:value(s) lines in the client-supplied order.
// The verifier trusts SignedHeaders as sent; re-sorting here would break
// clients that do not sort.
func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		var values []string
		if name == "host" {
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			values = []string{host}
		} else {
			values = r.Header.Values(name)
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(strings.TrimSpace(strings.Join(values, ",")))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// BuildStringToSign hashes the canonical request and prefixes the algorithm,
// request timestamp, and credential scope.
func BuildStringToSign(amzDate, date, region, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	scope := date + "/" + region + "/" + service + "/" + scopeTerminator
	return algorithm + "\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(hash[:])
}

// DeriveSigningKey runs the SigV4 HMAC chain over date, region, service, and
// the scope terminator.
func DeriveSigningKey(secretKey, date, region string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secretKey), date)
	regionKey := hmacSHA256(dateKey, region)
	serviceKey := hmacSHA256(regionKey, service)
	return hmacSHA256(serviceKey, scopeTerminator)
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// uriEncode percent-encodes everything outside the S3 unreserved set
// [A-Za-z0-9._~-] using uppercase hex.
func uriEncode(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('%')
			sb.WriteByte(hexUpper(c >> 4))
			sb.WriteByte(hexUpper(c & 0x0f))
		}
	}
	return sb.String()
}

// uriDecode reverses percent-encoding, leaving malformed escapes untouched.
func uriDecode(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, okHi := unhex(s[i+1])
			lo, okLo := unhex(s[i+2])
			if okHi && okLo {
				sb.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func hexUpper(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'A' + b - 10
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
