package lockfile

import "unsafe"

// atomicPointer32 reinterprets a 4-byte slice of shared (possibly mmap'd,
// possibly cross-process) memory as the address of an atomic uint32. The
// slice must be 4-byte aligned and at least 4 bytes long; callers only ever
// take this from fields laid out at 4/8-byte aligned offsets in the shared
// header or ring entries.
func atomicPointer32(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}
