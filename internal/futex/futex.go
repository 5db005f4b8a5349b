// Package futex implements a process-shared mutual-exclusion lock on top of
// a single uint32 word living in shared memory. sync.Mutex is only valid
// within one address space; a futex word mmap'd PROT_READ|PROT_WRITE|
// MAP_SHARED is valid across processes that share the same physical page,
// which is exactly the shmstate region's situation.
/*
 * Copyright (c) 2024, ns-tradechat. All rights reserved.
 */
package futex

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	unlocked uint32 = 0
	locked   uint32 = 1
	waiters  uint32 = 2
)

// Mutex is a process-shared lock backed by a *uint32 that must live inside a
// shared-memory mapping. The zero value (word left at 0 = unlocked) is
// ready to use; callers never copy a Mutex, they always address the same
// backing word via a pointer into the mapped region.
type Mutex struct {
	word *uint32
}

// At binds a Mutex to a specific shared-memory word. The word must be
// 4-byte aligned (guaranteed by shmstate's layout, which places every futex
// word on a naturally aligned offset).
func At(word *uint32) *Mutex {
	return &Mutex{word: word}
}

// Lock acquires the mutex, blocking via FUTEX_WAIT on contention.
func (m *Mutex) Lock() {
	w := (*uint32)(unsafe.Pointer(m.word))
	if atomic.CompareAndSwapUint32(w, unlocked, locked) {
		return
	}
	for {
		old := atomic.SwapUint32(w, waiters)
		if old == unlocked {
			return
		}
		_ = futexWait(w, waiters)
		// Re-check; another waiter or the unlocker may have raced us.
	}
}

// Unlock releases the mutex, waking one waiter via FUTEX_WAKE if any were
// recorded.
func (m *Mutex) Unlock() {
	w := (*uint32)(unsafe.Pointer(m.word))
	if atomic.SwapUint32(w, unlocked) == waiters {
		_ = futexWake(w, 1)
	}
}

// TryLock attempts a non-blocking acquire, reporting whether it succeeded.
// It is part of shmstate.Locker; the request path itself only calls Lock.
func (m *Mutex) TryLock() bool {
	w := (*uint32)(unsafe.Pointer(m.word))
	return atomic.CompareAndSwapUint32(w, unlocked, locked)
}

func futexWait(addr *uint32, expected uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT), uintptr(expected), 0, 0, 0)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
		return errno
	}
	return nil
}

func futexWake(addr *uint32, n int) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE), uintptr(n), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
