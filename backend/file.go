package backend

import (
	"fmt"
	"os"

	"github.com/gobdus/bdus"
	"github.com/gobdus/bdus/internal/asyncio"
)

// FileDisk is a bdus.Driver backed by a regular file, using
// internal/asyncio's io_uring engine for its data path rather than the
// teacher's synchronous os.File ReadAt/WriteAt (the teacher never had
// a file-backed example; this is SUPPLEMENTED to exercise
// pawelgaczynski/giouring on a real disk-backed driver).
type FileDisk struct {
	file   *os.File
	size   int64
	engine *asyncio.Engine
}

// NewFileDisk opens (creating if necessary) the file at path, sizes it
// to size bytes, and starts its io_uring engine. queueDepth is the
// ring's submission queue depth.
func NewFileDisk(path string, size int64, queueDepth uint32) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: truncate %s: %w", path, err)
	}

	eng, err := asyncio.NewEngine(f, queueDepth)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: new engine: %w", err)
	}

	return &FileDisk{file: f, size: size, engine: eng}, nil
}

// ReadAt implements bdus.Driver.
func (d *FileDisk) ReadAt(p []byte, off int64) (int, error) {
	if off >= d.size {
		return 0, nil
	}
	if available := d.size - off; int64(len(p)) > available {
		p = p[:available]
	}
	if err := d.engine.ReadAt(p, uint64(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements bdus.Driver.
func (d *FileDisk) WriteAt(p []byte, off int64) (int, error) {
	if off >= d.size {
		return 0, fmt.Errorf("backend: write beyond end of device")
	}
	if available := d.size - off; int64(len(p)) > available {
		p = p[:available]
	}
	if err := d.engine.WriteAt(p, uint64(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush implements bdus.Driver by fsyncing through the ring.
func (d *FileDisk) Flush() error { return d.engine.Sync() }

// Size implements bdus.Driver.
func (d *FileDisk) Size() int64 { return d.size }

// Close implements bdus.Driver: stops the engine, then closes the
// file.
func (d *FileDisk) Close() error {
	if err := d.engine.Close(); err != nil {
		return err
	}
	return d.file.Close()
}

// Discard implements bdus.DiscardDriver by punching a hole via
// fallocate, falling back to zero-fill if the filesystem doesn't
// support FALLOC_FL_PUNCH_HOLE.
func (d *FileDisk) Discard(offset, length int64) error {
	return punchHole(d.file, offset, length)
}

var _ bdus.Driver        = (*FileDisk)(nil)
var _ bdus.DiscardDriver = (*FileDisk)(nil)
