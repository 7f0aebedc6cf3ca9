package errs

import (
	cr "github.com/cockroachdb/errors"
)

// ErrPermanent marks failures that retrying cannot fix, such as missing
// configuration or an incomplete job document.
var ErrPermanent = cr.New("permanent failure")

func New(msg string) error {
	return cr.New(msg)
}

func Newf(format string, args ...interface{}) error {
	return cr.Newf(format, args...)
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return cr.Wrapf(err, format, args...)
}

func Mark(err error, markErr error) error {
	if err == nil {
		return markErr
	}
	return cr.Mark(err, markErr)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return cr.Mark(err, ErrPermanent)
}

func IsPermanent(err error) bool {
	return cr.Is(err, ErrPermanent)
}

func Is(err, reference error) bool {
	return cr.Is(err, reference)
}
