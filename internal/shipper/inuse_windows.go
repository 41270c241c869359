//go:build windows

package shipper

import (
	"errors"
	"syscall"
)

const (
	errorSharingViolation syscall.Errno = 32
	errorLockViolation    syscall.Errno = 33
)

// isFileInUse reports whether an open failure is a sharing violation,
// which is proof positive that another process still has the file open.
func isFileInUse(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == errorSharingViolation || errno == errorLockViolation
	}
	return false
}
