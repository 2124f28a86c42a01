//go:build darwin || linux

package spill

import (
	"fmt"
	"io"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// Device is the fixed-size file behind a Store. Reads go through a
// read-only shared memory map; writes use pwrite so they never fault pages
// in for reading first.
//
// ReadAt is safe for concurrent use. WriteAt must be serialized by the
// caller.
type Device struct {
	fd   int
	data []byte // MAP_SHARED, PROT_READ
	size int64
}

// OpenDevice creates or opens the device file at path. A new or empty file
// is truncated to size; an existing file of any other size is rejected.
func OpenDevice(path string, size int64) (*Device, error) {
	if size <= 0 {
		return nil, fmt.Errorf("device size must be positive, got %d", size)
	}

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening spill device %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stating spill device: %w", err)
	}

	if stat.Size == 0 {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("truncating spill device to %d bytes: %w", size, err)
		}
	} else if stat.Size != size {
		unix.Close(fd)
		return nil, fmt.Errorf("spill device %s is %d bytes but %d was requested; delete the file to resize",
			path, stat.Size, size)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory-mapping spill device: %w", err)
	}

	return &Device{fd: fd, data: data, size: size}, nil
}

// ReadAt reads len(p) bytes starting at off.
func (d *Device) ReadAt(p []byte, off int64) (readCount int, err error) {
	if off < 0 || off >= d.size {
		return 0, io.EOF
	}

	// An I/O error on the backing file surfaces as SIGBUS on the mapping;
	// turn it into an error instead of a crash.
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault reading spill device at offset %d: %v", off, r)
		}
	}()

	readCount = copy(p, d.data[off:])
	if readCount < len(p) {
		return readCount, io.EOF
	}
	return readCount, nil
}

// WriteAt writes p at off. Writes that would cross the end of the device
// are rejected before any byte is written.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("write at offset %d with length %d exceeds device size %d",
			off, len(p), d.size)
	}

	totalWritten := 0
	for len(p) > 0 {
		written, err := unix.Pwrite(d.fd, p, off)
		totalWritten += written
		if err != nil {
			return totalWritten, fmt.Errorf("pwrite at offset %d: %w", off, err)
		}
		p = p[written:]
		off += int64(written)
	}
	return totalWritten, nil
}

// Sync flushes pending writes to storage.
func (d *Device) Sync() error {
	return unix.Fsync(d.fd)
}

// Close unmaps the region and closes the file.
func (d *Device) Close() error {
	var firstErr error
	if err := unix.Munmap(d.data); err != nil {
		firstErr = fmt.Errorf("unmapping spill device: %w", err)
	}
	if err := unix.Close(d.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing spill device fd: %w", err)
	}
	d.data = nil
	d.fd = -1
	return firstErr
}

// Size returns the device size in bytes.
func (d *Device) Size() int64 {
	return d.size
}
