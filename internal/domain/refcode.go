package domain

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/cockroachdb/errors"
)

const refPrefix = "BK"

var refEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// NewReferenceCode returns an opaque, URL-safe code shown to passengers.
func NewReferenceCode() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate reference code")
	}
	return refPrefix + refEncoding.EncodeToString(b), nil
}

// NormalizeReferenceCode upper-cases input and rejects anything that cannot be a reference code.
func NormalizeReferenceCode(v string) (string, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	if len(v) != len(refPrefix)+16 || !strings.HasPrefix(v, refPrefix) {
		return "", errors.Wrapf(ErrNotFound, "reference %q", v)
	}
	if _, err := refEncoding.DecodeString(v[len(refPrefix):]); err != nil {
		return "", errors.Wrapf(ErrNotFound, "reference %q", v)
	}
	return v, nil
}
