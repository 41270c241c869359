//go:build !windows

package shipper

// isFileInUse reports whether an open failure is a sharing violation.
// POSIX has no sharing violations; callers treat any other open failure
// conservatively as "still in use", so this only affects diagnostics.
func isFileInUse(error) bool {
	return false
}
