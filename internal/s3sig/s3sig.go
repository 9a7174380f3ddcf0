// Package s3sig implements the legacy AWS v2 query-string and header HMAC-
// SHA1 signing used throughout the original server's s3.c: GET signatures
// for redirecting artifact downloads, and PUT/DELETE header signatures for
// the release maker and storage backend. Not SigV4 — the wire format spec
// §6 documents is the pre-2011 scheme.
package s3sig

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

// Creds is an AWS access key pair.
type Creds struct {
	AccessKeyID string
	Secret      string
}

// SignGET returns a presigned GET URL for bucket/key, valid until expire.
func (c Creds) SignGET(bucket, key string, expire time.Time) string {
	exp := expire.Unix()
	toSign := fmt.Sprintf("GET\n\n\n%d\n/%s/%s", exp, bucket, key)
	sig := sign(c.Secret, toSign)
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s?Signature=%s&Expires=%d&AWSAccessKeyId=%s",
		bucket, key, url.QueryEscape(sig), exp, url.QueryEscape(c.AccessKeyID))
}

// SignHeader computes the Authorization header value and Date header for a
// PUT or DELETE against bucket/key with the given content type (may be
// empty).
func (c Creds) SignHeader(verb, bucket, key, contentType string) (date, authorization string) {
	date = time.Now().UTC().Format(time.RFC1123Z)
	toSign := fmt.Sprintf("%s\n\n%s\n%s\n/%s/%s", verb, contentType, date, bucket, key)
	sig := sign(c.Secret, toSign)
	return date, fmt.Sprintf("AWS %s:%s", c.AccessKeyID, sig)
}

func sign(secret, s string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(s))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
