package codec

import (
	"github.com/pkg/errors"
)

var (
	errInvalidIdentity = errors.New("identity must be a positive integer")
	errShortBuffer     = errors.New("destination too small for frame")
	errMalformedFrame  = errors.New("malformed frame")
)

// IsInvalidIdentity reports whether err was caused by a non-positive writer identity
func IsInvalidIdentity(err error) bool {
	return errors.Is(err, errInvalidIdentity)
}

// IsMalformedFrame reports whether err was returned for bytes that are not a frame
func IsMalformedFrame(err error) bool {
	return errors.Is(err, errMalformedFrame)
}
