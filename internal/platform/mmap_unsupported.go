//go:build !unix

package platform

func mmap(int, bool) ([]byte, error) {
	return nil, ErrUnsupported
}

func munmap([]byte) error {
	return ErrUnsupported
}
