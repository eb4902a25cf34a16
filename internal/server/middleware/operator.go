package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/greenledger/internal/crypto"
)

// maxOperatorBody bounds the body read for signature verification.
const maxOperatorBody = 64 << 10

// Operator returns middleware that admits only requests signed with the
// operator secret (see crypto.OperatorAuth). It guards the settlement recovery
// routes, which can move custodian funds.
func Operator(auth *crypto.OperatorAuth) func(http.Handler) http.Handler {
	return operatorAt(auth, time.Now)
}

func operatorAt(auth *crypto.OperatorAuth, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil || auth.Secret == "" {
				writeJSONError(w, http.StatusForbidden, "operator routes disabled")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxOperatorBody))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ts := r.Header.Get(crypto.HeaderTimestamp)
			sig := r.Header.Get(crypto.HeaderSignature)
			if ts == "" || sig == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing operator signature")
				return
			}
			if !auth.Verify(r.Method, r.URL.RequestURI(), string(body), ts, sig, now()) {
				writeJSONError(w, http.StatusUnauthorized, "invalid operator signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
