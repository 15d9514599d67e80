// Package asyncio is an io_uring-backed disk I/O engine used by
// backend.FileDisk, giving the example driver a real asynchronous data
// path distinct from the teacher's control-plane-only URING_CMD usage.
//
// Grounded on the teacher's internal/uring package for the "one
// goroutine owns one ring, every operation round-trips through it"
// shape (internal/queue.Runner.ioLoop), adapted from ublk's
// URING_CMD-on-the-control-socket operations to ordinary
// IORING_OP_READ/WRITE/FSYNC against a regular file, which is what
// github.com/pawelgaczynski/giouring is actually exercised for here
// (the teacher's go.mod carried it unused).
package asyncio

import (
	"fmt"
	"os"
	"sync"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

type opKind uint8

const (
	opRead opKind = iota
	opWrite
	opFsync
)

type job struct {
	op     opKind
	buf    []byte
	offset uint64
	result chan error
}

// Engine serializes reads, writes, and fsyncs against one open file
// through a single io_uring instance, matching the teacher's
// one-ring-per-worker-goroutine convention.
type Engine struct {
	file *os.File
	ring *giouring.Ring

	jobs chan *job
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates the ring and starts its worker goroutine.
func NewEngine(file *os.File, queueDepth uint32) (*Engine, error) {
	ring, err := giouring.CreateRing(queueDepth)
	if err != nil {
		return nil, fmt.Errorf("asyncio: create ring: %w", err)
	}

	e := &Engine{
		file: file,
		ring: ring,
		jobs: make(chan *job, queueDepth),
		stop: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.loop()
	return e, nil
}

func (e *Engine) loop() {
	defer e.wg.Done()
	fd := int32(e.file.Fd())

	for {
		select {
		case j, ok := <-e.jobs:
			if !ok {
				return
			}
			j.result <- e.run(fd, j)
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) run(fd int32, j *job) error {
	sqe := e.ring.GetSQE()
	if sqe == nil {
		return fmt.Errorf("asyncio: submission queue full")
	}

	switch j.op {
	case opRead:
		sqe.PrepareRead(fd, j.buf, j.offset)
	case opWrite:
		sqe.PrepareWrite(fd, j.buf, j.offset)
	case opFsync:
		sqe.PrepareFsync(fd, 0)
	}
	sqe.UserData = 1

	if _, err := e.ring.SubmitAndWait(1); err != nil {
		return fmt.Errorf("asyncio: submit: %w", err)
	}

	var cqe *giouring.CompletionQueueEvent
	if err := e.ring.WaitCQE(&cqe); err != nil {
		return fmt.Errorf("asyncio: wait cqe: %w", err)
	}
	res := cqe.Res
	e.ring.CQESeen(cqe)

	if res < 0 {
		return unix.Errno(-res)
	}
	return nil
}

func (e *Engine) submit(op opKind, buf []byte, offset uint64) error {
	j := &job{op: op, buf: buf, offset: offset, result: make(chan error, 1)}
	select {
	case e.jobs <- j:
	case <-e.stop:
		return fmt.Errorf("asyncio: engine closed")
	}
	return <-j.result
}

// ReadAt reads len(buf) bytes from offset into buf.
func (e *Engine) ReadAt(buf []byte, offset uint64) error { return e.submit(opRead, buf, offset) }

// WriteAt writes buf at offset.
func (e *Engine) WriteAt(buf []byte, offset uint64) error { return e.submit(opWrite, buf, offset) }

// Sync fsyncs the underlying file.
func (e *Engine) Sync() error { return e.submit(opFsync, nil, 0) }

// Close stops the worker goroutine and tears down the ring.
func (e *Engine) Close() error {
	close(e.stop)
	e.wg.Wait()
	e.ring.QueueExit()
	return nil
}
