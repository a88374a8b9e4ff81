//go:build linux

// File: uring/ring_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw io_uring plumbing: setup syscall, ring mmaps, SQE staging and CQE
// consumption. The submission and completion rings are circular buffers
// shared with the kernel with reversed producer/consumer roles, so the
// shared head/tail cursors are only touched through atomics.

package uring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/ringloop/api"
)

// io_uring opcodes used by this backend.
const (
	opNop   = 0
	opClose = 19
	opRead  = 22
	opWrite = 23
	opSend  = 26
	opRecv  = 27
)

const (
	sqeFlagLink = 1 << 2 // IOSQE_IO_LINK

	enterGetevents = 1 // IORING_ENTER_GETEVENTS

	featSingleMmap = 1 << 0 // IORING_FEAT_SINGLE_MMAP

	offSqRing = 0
	offCqRing = 0x8000000
	offSqes   = 0x10000000
)

// sqe is the 64-byte submission queue entry layout.
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	_pad        uint64
}

// cqe is the 16-byte completion queue entry layout.
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqRingOffsets
	cqOff        cqRingOffsets
}

// ring owns one io_uring instance and its mappings.
type ring struct {
	fd int

	sqMmap  []byte
	cqMmap  []byte // aliases sqMmap on FEAT_SINGLE_MMAP kernels
	sqeMmap []byte

	sqHead    *uint32 // kernel-written consumer cursor
	sqTail    *uint32 // our producer cursor
	sqMask    uint32
	sqEntries uint32
	sqArray   []uint32
	sqes      []sqe

	cqHead    *uint32 // our consumer cursor
	cqTail    *uint32 // kernel-written producer cursor
	cqMask    uint32
	cqEntries uint32
	cqes      []cqe
}

// setupRing creates the kernel ring and maps both queues. A kernel without
// io_uring surfaces api.ErrRingUnsupported here, at construction time.
func setupRing(entries uint32) (*ring, error) {
	var p ringParams
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP,
		uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		if errno == unix.ENOSYS || errno == unix.EPERM {
			return nil, fmt.Errorf("%w: %v", api.ErrRingUnsupported, errno)
		}
		return nil, api.NewError(api.ErrCodeInternal, "io_uring_setup", errno)
	}

	r := &ring{fd: int(fd)}

	sqSize := int(p.sqOff.array) + int(p.sqEntries)*4
	cqSize := int(p.cqOff.cqes) + int(p.cqEntries)*int(unsafe.Sizeof(cqe{}))
	if p.features&featSingleMmap != 0 {
		if cqSize > sqSize {
			sqSize = cqSize
		}
		cqSize = sqSize
	}

	sqMmap, err := unix.Mmap(r.fd, offSqRing, sqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(r.fd)
		return nil, api.NewError(api.ErrCodeInternal, "mmap sq ring", err)
	}
	r.sqMmap = sqMmap

	if p.features&featSingleMmap != 0 {
		r.cqMmap = sqMmap
	} else {
		cqMmap, err := unix.Mmap(r.fd, offCqRing, cqSize,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			r.teardown()
			return nil, api.NewError(api.ErrCodeInternal, "mmap cq ring", err)
		}
		r.cqMmap = cqMmap
	}

	sqeMmap, err := unix.Mmap(r.fd, offSqes, int(p.sqEntries)*int(unsafe.Sizeof(sqe{})),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.teardown()
		return nil, api.NewError(api.ErrCodeInternal, "mmap sqes", err)
	}
	r.sqeMmap = sqeMmap

	sqBase := unsafe.Pointer(&r.sqMmap[0])
	cqBase := unsafe.Pointer(&r.cqMmap[0])

	r.sqHead = (*uint32)(unsafe.Add(sqBase, p.sqOff.head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, p.sqOff.tail))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, p.sqOff.ringMask))
	r.sqEntries = p.sqEntries
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sqBase, p.sqOff.array)), p.sqEntries)
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&r.sqeMmap[0])), p.sqEntries)

	r.cqHead = (*uint32)(unsafe.Add(cqBase, p.cqOff.head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, p.cqOff.tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, p.cqOff.ringMask))
	r.cqEntries = p.cqEntries
	r.cqes = unsafe.Slice((*cqe)(unsafe.Add(cqBase, p.cqOff.cqes)), p.cqEntries)

	return r, nil
}

// pushSQE stages one entry; false when the submission ring has no free slot.
// Single producer: only the backend's owner goroutine stages entries.
func (r *ring) pushSQE(e *sqe) bool {
	head := atomic.LoadUint32(r.sqHead)
	tail := *r.sqTail
	if tail-head >= r.sqEntries {
		return false
	}
	idx := tail & r.sqMask
	r.sqes[idx] = *e
	r.sqArray[idx] = idx
	atomic.StoreUint32(r.sqTail, tail+1)
	return true
}

// enter notifies the kernel: submit toSubmit staged entries and, with
// enterGetevents, wait for at least minComplete completions.
func (r *ring) enter(toSubmit, minComplete, flags uint32) error {
	for {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
			uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete),
			uintptr(flags), 0, 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return api.NewError(api.ErrCodeInternal, "io_uring_enter", errno)
		}
		return nil
	}
}

// cqReady peeks the completion ring without consuming entries.
func (r *ring) cqReady() uint32 {
	return atomic.LoadUint32(r.cqTail) - atomic.LoadUint32(r.cqHead)
}

// peekCQE reads the i-th visible completion entry without advancing.
func (r *ring) peekCQE(i uint32) cqe {
	head := atomic.LoadUint32(r.cqHead)
	return r.cqes[(head+i)&r.cqMask]
}

// advanceCQ releases n consumed entries back to the kernel. Must happen
// strictly after their handlers ran, exactly once per drain.
func (r *ring) advanceCQ(n uint32) {
	atomic.StoreUint32(r.cqHead, atomic.LoadUint32(r.cqHead)+n)
}

func (r *ring) teardown() {
	if r.sqeMmap != nil {
		_ = unix.Munmap(r.sqeMmap)
		r.sqeMmap = nil
	}
	if r.cqMmap != nil && &r.cqMmap[0] != &r.sqMmap[0] {
		_ = unix.Munmap(r.cqMmap)
	}
	r.cqMmap = nil
	if r.sqMmap != nil {
		_ = unix.Munmap(r.sqMmap)
		r.sqMmap = nil
	}
	if r.fd >= 0 {
		_ = unix.Close(r.fd)
		r.fd = -1
	}
}
