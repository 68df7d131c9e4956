package vchan

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// region is a shared memory-mapped file backing one Transport's two
// rings. Both the server and client process map the same file, giving
// them the byte-for-byte shared view txrx-vchan.c gets from a Xen grant
// mapping.
type region struct {
	file *os.File
	mem  []byte
}

// headerWords is the number of uint32 control words per ring: producer,
// consumer, closed.
const headerWords = 3

// regionSize returns the total byte size of the shared file backing two
// rings of dataSize bytes each, plus the leading readiness-handshake word.
func regionSize(dataSize uint32) int64 {
	const magicWordBytes = 4
	hdrBytes := int64(headerWords*4) * 2
	return magicWordBytes + hdrBytes + int64(dataSize)*2
}

// createRegion creates (or truncates) path and maps it at the size
// needed for two dataSize-byte rings. Used by the server side of a
// Transport, analogous to txrx-vchan.c's libvchan_server_init.
func createRegion(path string, dataSize uint32) (*region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("vchan: create region %q: %w", path, err)
	}

	size := regionSize(dataSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("vchan: truncate region %q to %d: %w", path, size, err)
	}

	return mapRegion(f, size)
}

// openRegion maps an existing region created by createRegion. Used by the
// client side of a Transport, analogous to libvchan_client_init.
func openRegion(path string, dataSize uint32) (*region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vchan: open region %q: %w", path, err)
	}

	size := regionSize(dataSize)
	return mapRegion(f, size)
}

func mapRegion(f *os.File, size int64) (*region, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vchan: mmap: %w", err)
	}
	return &region{file: f, mem: mem}, nil
}

func (rg *region) Close() error {
	err := unix.Munmap(rg.mem)
	if cerr := rg.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// word32 returns a pointer to the uint32 at byte offset off within the
// mapped region, for use with sync/atomic. off must be 4-byte aligned.
func (rg *region) word32(off int64) *uint32 {
	return (*uint32)(unsafe.Pointer(&rg.mem[off]))
}

// slice returns the byte range [off, off+n) of the mapped region.
func (rg *region) slice(off int64, n uint32) []byte {
	return rg.mem[off : off+int64(n) : off+int64(n)]
}
