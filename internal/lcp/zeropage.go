package lcp

import (
	"fmt"

	"github.com/accstore/lhacc/internal/fragment"
	"github.com/accstore/lhacc/internal/pagestore"
	"github.com/accstore/lhacc/internal/undolog"
)

// Zero-page word layout, per spec.md §4.9 step 2 ("stamping the
// fragment's hashing parameters, noOfElements, commitCount, the
// prev-undo file position, and the undo-file-version"). The fields sit in
// header words 8..23, which the page header accessors (words 0..6) never
// touch, so a zero-page still round-trips through
// pagestore.Page.VerifyChecksum.
const (
	zpP               = 8
	zpMaxP            = 9
	zpK               = 10
	zpHashCheckBit    = 11
	zpLHDirBits       = 12
	zpLHFragBits      = 13
	zpSlackLo         = 14
	zpSlackCheckLo    = 16
	zpNoOfElements    = 18
	zpCommitCountLo   = 19
	zpPrevUndoAddrLo  = 21
	zpUndoFileVersion = 23
)

func putU64(words *[pagestore.PageWords]uint32, at int, v uint64) {
	words[at] = uint32(v)
	words[at+1] = uint32(v >> 32)
}

func getU64(words *[pagestore.PageWords]uint32, at int) uint64 {
	return uint64(words[at]) | uint64(words[at+1])<<32
}

// writeZeroPage stamps and writes the zero-page at file slot 0, issued
// after all data pages per spec.md's ordering guarantee.
func (e *Engine) writeZeroPage(ckpt *Checkpoint) error {
	var zp pagestore.Page
	zp.SetType(pagestore.PageTypeLCP)
	lh := e.Index.Frag.LH
	zp.Words[zpP] = lh.P
	zp.Words[zpMaxP] = lh.MaxP
	zp.Words[zpK] = lh.K
	zp.Words[zpHashCheckBit] = lh.HashCheckBit
	zp.Words[zpLHDirBits] = lh.LHDirBits
	zp.Words[zpLHFragBits] = lh.LHFragBits
	putU64(&zp.Words, zpSlackLo, uint64(lh.Slack))
	putU64(&zp.Words, zpSlackCheckLo, uint64(lh.SlackCheck))
	zp.Words[zpNoOfElements] = ckpt.NoOfElements
	putU64(&zp.Words, zpCommitCountLo, ckpt.CommitCount)
	putU64(&zp.Words, zpPrevUndoAddrLo, uint64(ckpt.PrevUndoAddress))
	zp.Words[zpUndoFileVersion] = ckpt.UndoFileVersion
	zp.UpdateChecksum()
	if err := ckpt.backend.WritePage(0, &zp); err != nil {
		return fmt.Errorf("lcp: write zero page: %w", err)
	}
	return nil
}

// ZeroPageInfo is the decoded content of a recovered zero-page.
type ZeroPageInfo struct {
	LH              fragment.LHParams
	NoOfElements    uint32
	CommitCount     uint64
	PrevUndoAddress undolog.Addr
	UndoFileVersion uint32
}

func decodeZeroPage(p *pagestore.Page) (ZeroPageInfo, error) {
	if !p.VerifyChecksum() {
		return ZeroPageInfo{}, fmt.Errorf("lcp: zero-page checksum mismatch")
	}
	var zp ZeroPageInfo
	zp.LH.P = p.Words[zpP]
	zp.LH.MaxP = p.Words[zpMaxP]
	zp.LH.K = p.Words[zpK]
	zp.LH.HashCheckBit = p.Words[zpHashCheckBit]
	zp.LH.LHDirBits = p.Words[zpLHDirBits]
	zp.LH.LHFragBits = p.Words[zpLHFragBits]
	zp.LH.Slack = int64(getU64(&p.Words, zpSlackLo))
	zp.LH.SlackCheck = int64(getU64(&p.Words, zpSlackCheckLo))
	zp.NoOfElements = p.Words[zpNoOfElements]
	zp.CommitCount = getU64(&p.Words, zpCommitCountLo)
	zp.PrevUndoAddress = undolog.Addr(getU64(&p.Words, zpPrevUndoAddrLo))
	zp.UndoFileVersion = p.Words[zpUndoFileVersion]
	return zp, nil
}
