// Package backend provides ready-made bdus.Driver implementations: an
// in-memory RAM disk and an io_uring-backed file disk.
package backend

import (
	"fmt"
	"sync"

	"github.com/gobdus/bdus"
)

// ShardSize is the size of each memory shard (64KB). This provides
// good parallelism for 4K random I/O while keeping lock overhead
// reasonable: a 256MB device has 4096 shards.
const ShardSize = 64 * 1024

// MemDisk is a RAM-backed bdus.Driver using sharded locking so
// concurrent reads and writes from different in-flight requests don't
// serialize on a single mutex.
//
// Grounded on the teacher's backend/mem.go Memory type, extended with
// WriteSame and SecureErase to cover the full item taxonomy the
// teacher's fixed ublk.Backend split never needed.
type MemDisk struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemDisk creates a RAM disk of the given size in bytes.
func NewMemDisk(size int64) *MemDisk {
	numShards := (size + ShardSize - 1) / ShardSize
	return &MemDisk{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// shardRange returns the range of shards that cover [off, off+len).
func (m *MemDisk) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *MemDisk) lockRange(off, length int64, write bool) (start, end int) {
	start, end = m.shardRange(off, length)
	for i := start; i <= end; i++ {
		if write {
			m.shards[i].Lock()
		} else {
			m.shards[i].RLock()
		}
	}
	return start, end
}

func (m *MemDisk) unlockRange(start, end int, write bool) {
	for i := start; i <= end; i++ {
		if write {
			m.shards[i].Unlock()
		} else {
			m.shards[i].RUnlock()
		}
	}
}

// ReadAt implements bdus.Driver.
func (m *MemDisk) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.lockRange(off, int64(len(p)), false)
	n := copy(p, m.data[off:off+int64(len(p))])
	m.unlockRange(start, end, false)
	return n, nil
}

// WriteAt implements bdus.Driver.
func (m *MemDisk) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("backend: write beyond end of device")
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.lockRange(off, int64(len(p)), true)
	n := copy(m.data[off:off+int64(len(p))], p)
	m.unlockRange(start, end, true)
	return n, nil
}

// Size implements bdus.Driver.
func (m *MemDisk) Size() int64 { return m.size }

// Close implements bdus.Driver.
func (m *MemDisk) Close() error {
	m.data = nil
	return nil
}

// Flush implements bdus.Driver; a RAM disk has nothing to flush.
func (m *MemDisk) Flush() error { return nil }

func (m *MemDisk) zero(offset, length int64) error {
	if offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}

	start, stop := m.lockRange(offset, end-offset, true)
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	m.unlockRange(start, stop, true)
	return nil
}

// Discard implements bdus.DiscardDriver by zeroing the region, same as
// the teacher's Memory.Discard.
func (m *MemDisk) Discard(offset, length int64) error { return m.zero(offset, length) }

// WriteZeros implements bdus.WriteZerosDriver. mayUnmap is irrelevant
// for a RAM disk: zeroing is always the cheapest option regardless of
// whether the kernel would also accept an unmap.
func (m *MemDisk) WriteZeros(offset, length int64, mayUnmap bool) error {
	return m.zero(offset, length)
}

// SecureErase implements bdus.SecureEraseDriver; for a RAM disk,
// overwriting with zeroes is as secure as it gets.
func (m *MemDisk) SecureErase(offset, length int64) error { return m.zero(offset, length) }

// WriteSame implements bdus.WriteSameDriver by repeating p across
// [offset, offset+length).
func (m *MemDisk) WriteSame(p []byte, offset, length int64) error {
	if len(p) == 0 || offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}

	start, stop := m.lockRange(offset, end-offset, true)
	for pos := offset; pos < end; pos += int64(len(p)) {
		copy(m.data[pos:end], p)
	}
	m.unlockRange(start, stop, true)
	return nil
}

// Compile-time interface checks.
var (
	_ bdus.Driver            = (*MemDisk)(nil)
	_ bdus.DiscardDriver     = (*MemDisk)(nil)
	_ bdus.WriteZerosDriver  = (*MemDisk)(nil)
	_ bdus.WriteSameDriver   = (*MemDisk)(nil)
	_ bdus.SecureEraseDriver = (*MemDisk)(nil)
)
