//go:build !unix

package shm

func init() {
	unmapMemory = func([]byte) error { return ErrUnsupported }
	closeFd = func(int) error { return nil }
}

// CreateSegment is not supported on this platform
func CreateSegment(name string, size int) (*Segment, error) {
	return nil, ErrUnsupported
}

// OpenSegment is not supported on this platform
func OpenSegment(name string, size int, mode Mode) (*Segment, error) {
	return nil, ErrUnsupported
}

// RemoveSegment is not supported on this platform
func RemoveSegment(name string) error {
	return ErrUnsupported
}

// SegmentExists always reports false on this platform
func SegmentExists(name string) bool {
	return false
}
