package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Operator request headers. Operator routes (settlement retry, stranded list)
// are authenticated with an HMAC over timestamp+method+path+body, where path
// includes the query string.
const (
	HeaderTimestamp = "X-GreenLedger-Timestamp"
	HeaderSignature = "X-GreenLedger-Signature"
)

// MaxClockSkew bounds how old an operator signature may be.
const MaxClockSkew = 5 * time.Minute

// OperatorAuth signs and verifies operator requests with a shared secret.
type OperatorAuth struct {
	Secret string
}

// Headers returns the signing headers for a request made now.
func (o *OperatorAuth) Headers(method, path, body string) map[string]string {
	return o.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but with a caller-supplied Unix timestamp.
func (o *OperatorAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(o.Secret), ts+method+path+body),
	}
}

// Verify checks sig against the request and rejects timestamps further than
// MaxClockSkew from now.
func (o *OperatorAuth) Verify(method, path, body, ts, sig string, now time.Time) bool {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return false
	}
	want := hmacSHA256Base64([]byte(o.Secret), ts+method+path+body)
	return hmac.Equal([]byte(want), []byte(sig))
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
