package pagestore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// FileBackend persists a Store's pages to the data file named by spec.md
// §6 ("(root)/D3/DBACC/T<tab>/F<frag>/S<ckpt>.DATA"), using aligned
// O_DIRECT I/O the way a real bucket file bypasses the OS page cache,
// grounded on ryogrid-bltree-go-for-embedding's directio-backed page file.
// An advisory exclusive flock guards the file for the backend's lifetime,
// grounded on golang.org/x/sys usage in Giulio2002-gdbx and mjm918-tur.
type FileBackend struct {
	f *os.File
}

// OpenFileBackend opens (creating if necessary) the data file at path and
// takes an advisory exclusive lock on it.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagestore: open data file %q: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("pagestore: lock data file %q: %w", path, err)
	}
	return &FileBackend{f: f}, nil
}

// Close releases the flock and closes the file.
func (b *FileBackend) Close() error {
	_ = unix.Flock(int(b.f.Fd()), unix.LOCK_UN)
	return b.f.Close()
}

// WritePage writes one page at its slab-relative offset using a
// directio-aligned buffer.
func (b *FileBackend) WritePage(slot int, p *Page) error {
	buf := directio.AlignedBlock(PageWords * 4)
	for i, w := range p.Words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	off := int64(slot) * int64(PageWords*4)
	if _, err := b.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("pagestore: write page %d: %w", slot, err)
	}
	return nil
}

// ReadPage reads one page at its slab-relative offset into p.
func (b *FileBackend) ReadPage(slot int, p *Page) error {
	buf := directio.AlignedBlock(PageWords * 4)
	off := int64(slot) * int64(PageWords*4)
	if _, err := b.f.ReadAt(buf, off); err != nil && err != io.EOF {
		return fmt.Errorf("pagestore: read page %d: %w", slot, err)
	}
	for i := range p.Words {
		p.Words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return nil
}

// Sync flushes the file to stable storage, as the last step of an
// internal/lcp CloseData transition.
func (b *FileBackend) Sync() error {
	return b.f.Sync()
}

// Size reports the file's current byte length, letting a recovery reader
// compute how many page-aligned slots it holds without relying on a
// partial-read error from O_DIRECT's stricter ReadAt semantics.
func (b *FileBackend) Size() (int64, error) {
	fi, err := b.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("pagestore: stat data file: %w", err)
	}
	return fi.Size(), nil
}
