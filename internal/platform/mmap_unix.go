//go:build unix

package platform

import "golang.org/x/sys/unix"

func mmap(size int, exec bool) ([]byte, error) {
	// Anonymous as this is not an actual file, but a memory,
	// Private as this is in-process memory region.
	flags := unix.MAP_ANON | unix.MAP_PRIVATE | mapNoReserve
	prot := unix.PROT_READ | unix.PROT_WRITE
	if exec {
		prot |= unix.PROT_EXEC
	}
	return unix.Mmap(-1, 0, size, prot, flags)
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
