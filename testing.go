package bdus

import "sync"

// MockDriver is a Driver (and every optional extension) for exercising
// CreateAndServe's pump loop in tests without a real backend.
//
// Grounded on the teacher's testing.go MockBackend, generalized from
// the fixed ublk Backend/DiscardBackend/WriteZeroesBackend/SyncBackend/
// StatBackend/ResizeBackend set to bdus's Driver family.
type MockDriver struct {
	mu     sync.RWMutex
	data   []byte
	size   int64
	closed bool

	readCalls        int
	writeCalls       int
	flushCalls       int
	discardCalls     int
	writeSameCalls   int
	writeZerosCalls  int
	secureEraseCalls int
	ioctlCalls       int

	ioctlReply []byte
	ioctlErr   error
}

// NewMockDriver creates a mock driver backed by an in-memory buffer of
// the given size.
func NewMockDriver(size int64) *MockDriver {
	return &MockDriver{data: make([]byte, size), size: size}
}

func (m *MockDriver) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++
	if m.closed {
		return 0, NewError("READ", KindLifecycle, "driver closed")
	}
	if off >= m.size {
		return 0, nil
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

func (m *MockDriver) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	if m.closed {
		return 0, NewError("WRITE", KindLifecycle, "driver closed")
	}
	if off >= m.size {
		return 0, NewError("WRITE", KindValidation, "write beyond end of device")
	}
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}
	return copy(m.data[off:off+int64(len(p))], p), nil
}

func (m *MockDriver) Size() int64 { return m.size }

func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

func (m *MockDriver) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return nil
}

func (m *MockDriver) zeroLocked(offset, length int64) {
	if offset >= m.size {
		return
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
}

// Discard implements DiscardDriver.
func (m *MockDriver) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discardCalls++
	m.zeroLocked(offset, length)
	return nil
}

// WriteZeros implements WriteZerosDriver.
func (m *MockDriver) WriteZeros(offset, length int64, mayUnmap bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeZerosCalls++
	m.zeroLocked(offset, length)
	return nil
}

// SecureErase implements SecureEraseDriver.
func (m *MockDriver) SecureErase(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secureEraseCalls++
	m.zeroLocked(offset, length)
	return nil
}

// WriteSame implements WriteSameDriver, repeating p across the range.
func (m *MockDriver) WriteSame(p []byte, offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeSameCalls++
	if len(p) == 0 || offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}
	for pos := offset; pos < end; pos += int64(len(p)) {
		copy(m.data[pos:end], p)
	}
	return nil
}

// IOCTL implements IOCTLDriver, returning whatever reply/error was
// configured via SetIOCTLResponse.
func (m *MockDriver) IOCTL(command uint32, arg []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ioctlCalls++
	return m.ioctlReply, m.ioctlErr
}

// SetIOCTLResponse configures the reply/error IOCTL returns.
func (m *MockDriver) SetIOCTLResponse(reply []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ioctlReply, m.ioctlErr = reply, err
}

// IsClosed reports whether Close has been called.
func (m *MockDriver) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CallCounts returns the number of times each method has been called.
func (m *MockDriver) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"read":         m.readCalls,
		"write":        m.writeCalls,
		"flush":        m.flushCalls,
		"discard":      m.discardCalls,
		"write_same":   m.writeSameCalls,
		"write_zeros":  m.writeZerosCalls,
		"secure_erase": m.secureEraseCalls,
		"ioctl":        m.ioctlCalls,
	}
}

// Reset zeroes all call counters.
func (m *MockDriver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls, m.writeCalls, m.flushCalls = 0, 0, 0
	m.discardCalls, m.writeSameCalls, m.writeZerosCalls = 0, 0, 0
	m.secureEraseCalls, m.ioctlCalls = 0, 0
}

// Compile-time interface checks.
var (
	_ Driver            = (*MockDriver)(nil)
	_ DiscardDriver     = (*MockDriver)(nil)
	_ WriteSameDriver   = (*MockDriver)(nil)
	_ WriteZerosDriver  = (*MockDriver)(nil)
	_ SecureEraseDriver = (*MockDriver)(nil)
	_ IOCTLDriver       = (*MockDriver)(nil)
)
