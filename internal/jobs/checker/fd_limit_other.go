//go:build !unix

package checker

// detectFDLimit returns a conservative default where rlimits do not exist.
func detectFDLimit() uint64 {
	return 8192
}
