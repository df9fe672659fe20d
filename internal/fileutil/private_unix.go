//go:build !windows

package fileutil

// restrict is a no-op on Unix; the mode bits already exclude group and
// other.
func restrict(string) {}
