//go:build unix

package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shmDir is where shm_open(3) keeps its objects on Linux.
const shmDir = "/dev/shm"

func init() {
	// Set platform-specific function implementations
	unmapMemory = munmapImpl
	closeFd = unix.Close
}

// CreateSegment creates a new named shared memory segment of size bytes and
// maps it read-write. The name must not exist yet.
func CreateSegment(name string, size int) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: segment size %d", ErrInvalidArgument, size)
	}

	path := generateSegmentPath(name)

	// Create the object with exclusive access
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0o666)
	if err != nil {
		return nil, &ResourceError{Op: "create", Name: name, Err: err}
	}

	// Ensure cleanup on error: a half-built segment must not outlive us
	cleanup := func() {
		unix.Close(fd)
		unix.Unlink(path)
	}

	// Set the object size
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		cleanup()
		return nil, &ResourceError{Op: "truncate", Name: name, Err: err}
	}

	// Memory map the object
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, &ResourceError{Op: "mmap", Name: name, Err: err}
	}

	logger.Debug("shm: segment created", "name", name, "path", path, "size", size)

	return &Segment{
		Mem:   mem,
		Name:  name,
		Path:  path,
		Mode:  ReadWrite,
		fd:    fd,
		hasFd: true,
	}, nil
}

// OpenSegment maps an existing segment. A size of zero maps the whole
// object; a size larger than the object fails rather than risk SIGBUS on
// access. ReadOnly mode never asks for write permission.
func OpenSegment(name string, size int, mode Mode) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: segment size %d", ErrInvalidArgument, size)
	}

	openFlags, prot := unix.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	switch mode {
	case ReadWrite:
	case ReadOnly:
		openFlags, prot = unix.O_RDONLY, unix.PROT_READ
	default:
		return nil, fmt.Errorf("%w: unknown mode %v", ErrInvalidArgument, mode)
	}

	path := generateSegmentPath(name)

	fd, err := unix.Open(path, openFlags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &ResourceError{Op: "open", Name: name, Err: err}
	}

	// Get object info to determine size
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, &ResourceError{Op: "stat", Name: name, Err: err}
	}
	if size == 0 {
		size = int(st.Size)
	}
	if size == 0 || int64(size) > st.Size {
		unix.Close(fd)
		return nil, &ResourceError{
			Op:   "mmap",
			Name: name,
			Err:  fmt.Errorf("requested %d bytes from a %d byte object: %w", size, st.Size, unix.EINVAL),
		}
	}

	mem, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, &ResourceError{Op: "mmap", Name: name, Err: err}
	}

	logger.Debug("shm: segment opened", "name", name, "size", size, "mode", mode)

	return &Segment{
		Mem:   mem,
		Name:  name,
		Path:  path,
		Mode:  mode,
		fd:    fd,
		hasFd: true,
	}, nil
}

// RemoveSegment removes a shared memory segment name. Existing mappings stay
// valid until they are closed.
func RemoveSegment(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := unix.Unlink(generateSegmentPath(name)); err != nil {
		return &ResourceError{Op: "unlink", Name: name, Err: err}
	}
	return nil
}

// SegmentExists checks if a shared memory segment exists
func SegmentExists(name string) bool {
	if validateName(name) != nil {
		return false
	}
	_, err := os.Stat(generateSegmentPath(name))
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

// generateSegmentPath maps "/name" to the object's backing file
func generateSegmentPath(name string) string {
	// Prefer /dev/shm so a C producer using shm_open sees the same object
	if isDevShmAvailable() {
		return filepath.Join(shmDir, name[1:])
	}

	// Fallback to temporary directory
	return filepath.Join(os.TempDir(), name[1:])
}

// isDevShmAvailable checks if /dev/shm is available
func isDevShmAvailable() bool {
	info, err := os.Stat(shmDir)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// munmapImpl unmaps a memory-mapped region
func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}
