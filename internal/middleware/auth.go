package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/ShadowArcanist/maxio/internal/auth"
	"github.com/ShadowArcanist/maxio/pkg/s3compat"
)

// SigV4Auth verifies the AWS Signature Version 4 on every request before it
// reaches the S3 handlers. Failures are rendered as S3 error documents.
func SigV4Auth(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authErr := verifier.VerifyRequest(r); authErr != nil {
				logrus.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"code":   authErr.Code,
				}).Warn("Request authentication failed")
				s3compat.WriteError(w, r, authErr.Code, authErr.Message, r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
