//go:build linux

package xsync

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

func futexWait(addr *uint32, expect uint32, timeout time.Duration) {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(expect),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
}

func futexWake(addr *uint32) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(1<<31-1), // wake all waiters
		0, 0, 0,
	)
}
