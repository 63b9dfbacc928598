package undolog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// FileBackend appends length-prefixed compressed groups to a single
// ".LOCLOG" file, per spec.md §4.9's undo file naming convention, and
// advisory-locks it exclusively the way pagestore.FileBackend locks data
// files, so two processes never share an undo file.
type FileBackend struct {
	f *os.File
}

// OpenFileBackend opens (creating if needed) the undo file at path and
// takes an exclusive advisory lock on it.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("undolog: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("undolog: lock %s: %w", path, err)
	}
	return &FileBackend{f: f}, nil
}

// WriteGroup appends one length-prefixed compressed group.
func (b *FileBackend) WriteGroup(compressed []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(compressed)))
	if _, err := b.f.Write(hdr[:]); err != nil {
		return err
	}
	_, err := b.f.Write(compressed)
	return err
}

// Sync flushes the file to stable storage.
func (b *FileBackend) Sync() error { return b.f.Sync() }

// Close releases the lock and closes the file.
func (b *FileBackend) Close() error {
	unix.Flock(int(b.f.Fd()), unix.LOCK_UN)
	return b.f.Close()
}

// ReadGroups reads every length-prefixed group from r in file order,
// returning their raw (still-compressed) bytes for the caller to decode
// with a zstd reader, per spec.md §4.9's "open the undo file group
// starting at the newest version" recovery step.
func ReadGroups(r io.Reader) ([][]byte, error) {
	var groups [][]byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return groups, nil
			}
			return groups, fmt.Errorf("undolog: read group header: %w", err)
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return groups, fmt.Errorf("undolog: read group body: %w", err)
		}
		groups = append(groups, buf)
	}
}
