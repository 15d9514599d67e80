//go:build !integration

// Package unit holds tests that run without requiring NBD kernel
// support, mirroring the teacher's test/unit split between fast
// interface-level checks and root-requiring integration tests.
package unit

import (
	"testing"

	"github.com/gobdus/bdus"
)

func TestDriverInterfaceCompliance(t *testing.T) {
	driver := bdus.NewMockDriver(1024)

	var _ bdus.Driver = driver
	var _ bdus.DiscardDriver = driver
	var _ bdus.WriteSameDriver = driver
	var _ bdus.WriteZerosDriver = driver
	var _ bdus.SecureEraseDriver = driver
	var _ bdus.IOCTLDriver = driver

	testData := []byte("test data")
	n, err := driver.WriteAt(testData, 0)
	if err != nil {
		t.Errorf("WriteAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(testData))
	}

	readBuf := make([]byte, len(testData))
	n, err = driver.ReadAt(readBuf, 0)
	if err != nil {
		t.Errorf("ReadAt failed: %v", err)
	}
	if string(readBuf) != string(testData) {
		t.Errorf("ReadAt got %q, want %q", readBuf, testData)
	}
}

func TestDefaultParams(t *testing.T) {
	driver := bdus.NewMockDriver(1024)
	params := bdus.DefaultParams(1024, driver)

	if params.Size != 1024 {
		t.Errorf("Size = %d, want 1024", params.Size)
	}
	if params.LogicalBlockSize == 0 {
		t.Error("LogicalBlockSize should have a default")
	}
	if params.MaxOutstandingReqs == 0 {
		t.Error("MaxOutstandingReqs should have a default")
	}
}

func TestErrorTypes(t *testing.T) {
	var _ error = bdus.NewError("OP", bdus.KindValidation, "bad input")

	err := bdus.NewError("OP", bdus.KindRequestFailure, "write failed")
	if !bdus.IsKind(err, bdus.KindRequestFailure) {
		t.Error("expected IsKind to match KindRequestFailure")
	}
}

func TestMockDriverCallCounts(t *testing.T) {
	driver := bdus.NewMockDriver(4096)

	driver.ReadAt(make([]byte, 512), 0)
	driver.WriteAt(make([]byte, 512), 0)
	driver.Flush()
	driver.Discard(0, 512)

	counts := driver.CallCounts()
	if counts["read"] != 1 {
		t.Errorf("read calls = %d, want 1", counts["read"])
	}
	if counts["write"] != 1 {
		t.Errorf("write calls = %d, want 1", counts["write"])
	}
	if counts["flush"] != 1 {
		t.Errorf("flush calls = %d, want 1", counts["flush"])
	}
	if counts["discard"] != 1 {
		t.Errorf("discard calls = %d, want 1", counts["discard"])
	}
}

func TestMockDriverClose(t *testing.T) {
	driver := bdus.NewMockDriver(1024)
	if driver.IsClosed() {
		t.Fatal("driver should not start closed")
	}
	if err := driver.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !driver.IsClosed() {
		t.Error("driver should report closed after Close")
	}
	if _, err := driver.ReadAt(make([]byte, 1), 0); err == nil {
		t.Error("ReadAt should fail after close")
	}
}

func TestVersion(t *testing.T) {
	v := bdus.Version()
	if v.Major == 0 && v.Minor == 0 && v.Patch == 0 {
		t.Error("Version() returned the zero triple")
	}
}
