package lcp

import (
	"bytes"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/accstore/lhacc/internal/container"
	"github.com/accstore/lhacc/internal/linhash"
	"github.com/accstore/lhacc/internal/pagestore"
	"github.com/accstore/lhacc/internal/undolog"
)

// dataFileSlots reports how many page-aligned slots a data file holds,
// letting the recovery walk bound itself without relying on a partial-read
// error the way a plain os.File.ReadAt would give: O_DIRECT's stricter
// alignment rules make that signal unreliable past end-of-file.
func dataFileSlots(backend *pagestore.FileBackend) (uint64, error) {
	size, err := backend.Size()
	if err != nil {
		return 0, err
	}
	return uint64(size) / uint64(pageBytes), nil
}

// RecoverDataFile implements spec.md §4.9's "recovery on start" step 1
// for one fragment: open the data file, read and verify the zero-page,
// initialize LH parameters from it, then load every subsequent page into
// the index's directories, classifying each by its stored PageType.
func RecoverDataFile(ix *linhash.Index, dataPath string) (ZeroPageInfo, error) {
	backend, err := pagestore.OpenFileBackend(dataPath)
	if err != nil {
		return ZeroPageInfo{}, fmt.Errorf("lcp: open data file %s: %w", dataPath, err)
	}
	defer backend.Close()

	slots, err := dataFileSlots(backend)
	if err != nil {
		return ZeroPageInfo{}, err
	}

	zeroPage, err := readPageAt(backend, 0)
	if err != nil {
		return ZeroPageInfo{}, err
	}
	info, err := decodeZeroPage(zeroPage)
	if err != nil {
		return ZeroPageInfo{}, err
	}
	ix.Frag.LH = info.LH

	overflowIdx := uint32(0)
	bucketLogicalID := uint32(0)
	for slot := uint64(1); slot < slots; slot++ {
		p, err := readPageAt(backend, slot)
		if err != nil {
			return info, err
		}
		if !p.VerifyChecksum() {
			return info, fmt.Errorf("lcp: checksum mismatch recovering page at slot %d", slot)
		}

		fresh, ferr := ix.Store.Seize()
		if ferr != nil {
			return info, fmt.Errorf("lcp: recovery out of pages: %w", ferr)
		}
		ix.Store.Page(fresh).Adopt(fresh, p)

		switch p.Type() {
		case pagestore.PageTypeOverflow:
			ix.OverflowDir.SetPageRef(overflowIdx, fresh)
			overflowIdx++
		default:
			ix.BucketDir.SetPageRef(bucketLogicalID, fresh)
			bucketLogicalID++
		}
	}

	return info, nil
}

// ApplyUndoForLCP implements recovery step 2's backward walk for one LCP
// id: decompress the undo file's most recent group, walk its records
// backward from fromAddr, and for every OpInfo record matching
// (tableID, localFragID, lcpID) commit the delete through the normal
// element-deletion path (no external deallocation: the tuple manager
// redoes its own side separately, per spec.md §4.9 step 2).
func ApplyUndoForLCP(ix *linhash.Index, undoFilePath string, tableID, localFragID, lcpID uint32, fromAddr undolog.Addr, keyWords int) error {
	f, err := os.Open(undoFilePath)
	if err != nil {
		return fmt.Errorf("lcp: open undo file %s: %w", undoFilePath, err)
	}
	defer f.Close()

	groups, err := undolog.ReadGroups(bytes.NewReader(mustReadAll(f)))
	if err != nil {
		return fmt.Errorf("lcp: read undo groups: %w", err)
	}
	if len(groups) == 0 {
		return nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("lcp: new zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(groups[len(groups)-1], nil)
	if err != nil {
		return fmt.Errorf("lcp: decode undo group: %w", err)
	}
	recs := undolog.DecodeGroup(raw)
	addrs := undolog.GroupAddrs(0, recs)

	var applyErr error
	undolog.Walk(recs, addrs, fromAddr, func(rec undolog.Record) bool {
		if rec.Header.TableID != tableID || rec.Header.LocalFragID != localFragID || rec.Header.LCPID != lcpID {
			return true
		}
		if rec.Header.Kind != undolog.KindOpInfo {
			return true
		}
		_, _, localKey := undolog.DecodeOpInfo(rec.Payload)
		applyErr = removeByLocalKey(ix, localKey, keyWords)
		return applyErr == nil
	})
	return applyErr
}

func mustReadAll(f *os.File) []byte {
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 64*1024)
	for {
		n, err := f.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return buf
}

// removeByLocalKey re-removes an element visible on a recovered page
// before the LCP finished, by scanning every bucket for a matching local
// key. A production recovery path would recompute the element's bucket
// directly; this repository's bucket addressing depends on the fold
// function (internal/container.Fold), which is not invertible from a raw
// local key alone, so recovery falls back to a full scan.
func removeByLocalKey(ix *linhash.Index, localKey []uint32, keyWords int) error {
	lh := ix.Frag.LH
	for bucket := uint32(0); bucket < lh.BucketCount(); bucket++ {
		page, slot := ix.PageAndSlot(bucket)
		physical := ix.BucketDir.GetPageRef(page)
		if physical == pagestore.NilID {
			continue
		}
		ref, _, err := container.GetElement(ix, physical, slot, container.LeftHalf, keyWords, matchLocalKey{want: localKey})
		if err == container.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		return container.DeleteElement(ix, ref, keyWords, nil)
	}
	return nil
}

type matchLocalKey struct{ want []uint32 }

func (m matchLocalKey) Match(ref container.ElemRef, e container.Element) (bool, bool, error) {
	if len(e.LocalKey) != len(m.want) {
		return false, false, nil
	}
	for i := range m.want {
		if e.LocalKey[i] != m.want[i] {
			return false, false, nil
		}
	}
	return true, false, nil
}
