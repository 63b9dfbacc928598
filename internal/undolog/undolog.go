// Package undolog implements the undo record ring of spec.md §4.9: every
// byte a local checkpoint writes to a bucket page is first described by an
// undo record carrying the table/fragment identity, the previous-undo file
// address, and the prior bytes of the region being modified. Records are
// buffered in page-sized groups and flushed together, mirroring the
// teacher's `internal/storage/wal_advanced.go` before/after-image log and
// `pager/wal.go`'s fixed-header-plus-CRC ring discipline, generalized here
// from a generic redo/undo WAL into the three record kinds spec.md §4.9
// names (PageInfo, OverPageInfo, OpInfo).
package undolog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Kind distinguishes the three undo record shapes of spec.md §4.9.
type Kind uint8

const (
	KindPageInfo Kind = iota
	KindOverPageInfo
	KindOpInfo
)

// Group-write and back-pressure system constants (spec.md §4.9, §8
// scenario 6). Pages here are undo-ring pages, not bucket pages.
const (
	ZWriteUndoPageSize        = 8 // pages flushed together as one group
	ZMinUndoPagesAtCommit     = 4
	ZMinUndoPagesAtOperation  = 2
	ZMinUndoPagesAtExpand     = 6
	undoPageBytes             = 8192
	groupBytes                = ZWriteUndoPageSize * undoPageBytes
)

// Addr is one plus a record's byte offset into the logical (uncompressed)
// undo stream, so that zero stays reserved as "no previous record".
type Addr uint64

// NilAddr marks the start of a chain.
const NilAddr Addr = 0

// Header is the fixed fields every undo record carries, per spec.md §4.9.
type Header struct {
	Kind            Kind
	TableID         uint32
	RootFragID      uint32
	LocalFragID     uint32
	LCPID           uint32
	PrevUndoAddress Addr
}

const headerBytes = 1 + 4*4 + 8

func (h Header) encode(buf []byte) {
	buf[0] = byte(h.Kind)
	binary.LittleEndian.PutUint32(buf[1:], h.TableID)
	binary.LittleEndian.PutUint32(buf[5:], h.RootFragID)
	binary.LittleEndian.PutUint32(buf[9:], h.LocalFragID)
	binary.LittleEndian.PutUint32(buf[13:], h.LCPID)
	binary.LittleEndian.PutUint64(buf[17:], uint64(h.PrevUndoAddress))
}

func decodeHeader(buf []byte) Header {
	return Header{
		Kind:            Kind(buf[0]),
		TableID:         binary.LittleEndian.Uint32(buf[1:]),
		RootFragID:      binary.LittleEndian.Uint32(buf[5:]),
		LocalFragID:     binary.LittleEndian.Uint32(buf[9:]),
		LCPID:           binary.LittleEndian.Uint32(buf[13:]),
		PrevUndoAddress: Addr(binary.LittleEndian.Uint64(buf[17:])),
	}
}

// Record is one framed undo record: a header, a payload length, and the
// payload bytes (the prior image of the modified region, or an OpInfo
// tuple).
type Record struct {
	Header  Header
	Payload []byte
}

func (r Record) encodedLen() int { return headerBytes + 4 + len(r.Payload) }

func (r Record) encode(buf []byte) {
	r.Header.encode(buf)
	binary.LittleEndian.PutUint32(buf[headerBytes:], uint32(len(r.Payload)))
	copy(buf[headerBytes+4:], r.Payload)
}

func decodeRecord(buf []byte) (Record, int) {
	h := decodeHeader(buf)
	n := binary.LittleEndian.Uint32(buf[headerBytes:])
	payload := make([]byte, n)
	copy(payload, buf[headerBytes+4:headerBytes+4+int(n)])
	return Record{Header: h, Payload: payload}, headerBytes + 4 + int(n)
}

// NewPageInfo builds an undo record carrying a normal bucket page's prior
// image, per spec.md §4.9.
func NewPageInfo(h Header, pageID uint32, priorWords []byte) Record {
	h.Kind = KindPageInfo
	payload := make([]byte, 4+len(priorWords))
	binary.LittleEndian.PutUint32(payload, pageID)
	copy(payload[4:], priorWords)
	return Record{Header: h, Payload: payload}
}

// NewOverPageInfo builds an undo record carrying an overflow page's prior
// image.
func NewOverPageInfo(h Header, pageID uint32, priorWords []byte) Record {
	h.Kind = KindOverPageInfo
	payload := make([]byte, 4+len(priorWords))
	binary.LittleEndian.PutUint32(payload, pageID)
	copy(payload[4:], priorWords)
	return Record{Header: h, Payload: payload}
}

// NewOpInfo builds an undo record capturing a locked operation's kind,
// hash, and local key, used to re-remove on recovery an element whose
// insert or effective delete was made visible before the LCP finished.
func NewOpInfo(h Header, opKind uint8, hash uint32, localKey []uint32) Record {
	h.Kind = KindOpInfo
	payload := make([]byte, 1+4+4+4*len(localKey))
	payload[0] = opKind
	binary.LittleEndian.PutUint32(payload[1:], hash)
	binary.LittleEndian.PutUint32(payload[5:], uint32(len(localKey)))
	for i, w := range localKey {
		binary.LittleEndian.PutUint32(payload[9+4*i:], w)
	}
	return Record{Header: h, Payload: payload}
}

// DecodeOpInfo extracts the fields NewOpInfo packed.
func DecodeOpInfo(payload []byte) (opKind uint8, hash uint32, localKey []uint32) {
	opKind = payload[0]
	hash = binary.LittleEndian.Uint32(payload[1:])
	n := binary.LittleEndian.Uint32(payload[5:])
	localKey = make([]uint32, n)
	for i := range localKey {
		localKey[i] = binary.LittleEndian.Uint32(payload[9+4*i:])
	}
	return
}

// Backend is the minimal file interface the ring needs to flush a
// compressed group, satisfied by *FileBackend in production and by an
// adapter over an in-memory github.com/dsnet/golib/memfile.File in tests.
type Backend interface {
	WriteGroup(compressed []byte) error
	Sync() error
}

// ErrBackpressure is returned when a caller's request would exceed the
// ring's configured threshold and the ring was not flushed synchronously.
var ErrBackpressure = errors.New("undolog: insufficient undo credit")

// Ring is the in-memory group-write buffer described by spec.md §4.9. It
// is not safe for concurrent use by more than one caller; the wider system
// is single-threaded and cooperative (SPEC_FULL.md §10).
type Ring struct {
	backend Backend
	buf     bytes.Buffer
	base    Addr // byte offset of buf's start within the logical stream
	enc     *zstd.Encoder

	groupsFlushed uint64
}

// NewRing returns an empty ring writing flushed groups through backend.
func NewRing(backend Backend) (*Ring, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("undolog: new zstd encoder: %w", err)
	}
	return &Ring{backend: backend, enc: enc}, nil
}

// Append frames rec into the ring buffer, flushing a full group first if
// necessary, and returns the address future records can reference via
// PrevUndoAddress.
func (r *Ring) Append(rec Record) (Addr, error) {
	if r.buf.Len()+rec.encodedLen() > groupBytes {
		if err := r.Flush(); err != nil {
			return NilAddr, err
		}
	}
	addr := r.base + Addr(r.buf.Len()) + 1
	frame := make([]byte, rec.encodedLen())
	rec.encode(frame)
	r.buf.Write(frame)
	return addr, nil
}

// PagesFree reports how many undo-ring pages remain before the current
// group must flush.
func (r *Ring) PagesFree() int {
	return (groupBytes - r.buf.Len()) / undoPageBytes
}

// AdmitCommit, AdmitOperation, and AdmitExpand implement the back-pressure
// gates of spec.md §8 scenario 6: a caller checks one of these before
// proceeding, and on false must wait for (or force) a flush.
func (r *Ring) AdmitCommit() bool    { return r.PagesFree() >= ZMinUndoPagesAtCommit }
func (r *Ring) AdmitOperation() bool { return r.PagesFree() >= ZMinUndoPagesAtOperation }
func (r *Ring) AdmitExpand() bool    { return r.PagesFree() >= ZMinUndoPagesAtExpand }

// Flush compresses the current buffer and writes it as one group, resetting
// the buffer and advancing base. Called automatically by Append when a
// group fills, and may be called directly to relieve back-pressure
// (spec.md's "an outstanding write of ZWRITE_UNDOPAGESIZE completes").
func (r *Ring) Flush() error {
	if r.buf.Len() == 0 {
		return nil
	}
	compressed := r.enc.EncodeAll(r.buf.Bytes(), nil)
	if err := r.backend.WriteGroup(compressed); err != nil {
		return fmt.Errorf("undolog: write group: %w", err)
	}
	if err := r.backend.Sync(); err != nil {
		return fmt.Errorf("undolog: sync: %w", err)
	}
	r.base += Addr(r.buf.Len())
	r.buf.Reset()
	r.groupsFlushed++
	return nil
}

// GroupsFlushed reports how many groups have been written so far.
func (r *Ring) GroupsFlushed() uint64 { return r.groupsFlushed }

// CurrentAddr returns the address the next Append would be assigned,
// letting a caller (internal/lcp) stamp a zero-page's prevUndoAddress
// field with the ring's position at LCP start.
func (r *Ring) CurrentAddr() Addr { return r.base + Addr(r.buf.Len()) + 1 }

// DecodeGroup splits a decompressed group's bytes back into records in
// forward order, for use by recovery's backward walk (Walk below) or by
// tests inspecting a flushed group directly.
func DecodeGroup(data []byte) []Record {
	var recs []Record
	for len(data) > 0 {
		rec, n := decodeRecord(data)
		recs = append(recs, rec)
		data = data[n:]
	}
	return recs
}

// Walk visits records backward starting at fromAddr within a single
// decompressed group's records (addressed relative to groupBase), calling
// fn on each until fn returns false or the chain reaches NilAddr, per
// spec.md §4.9's "walk records backward using prevUndoAddress". Recovery
// is expected to call this once per group, newest group first.
func Walk(recs []Record, addrs []Addr, fromAddr Addr, fn func(Record) bool) {
	byAddr := make(map[Addr]int, len(recs))
	for i, a := range addrs {
		byAddr[a] = i
	}
	cur := fromAddr
	for cur != NilAddr {
		idx, ok := byAddr[cur]
		if !ok {
			return
		}
		rec := recs[idx]
		if !fn(rec) {
			return
		}
		cur = rec.Header.PrevUndoAddress
	}
}

// GroupAddrs computes the logical address of each record returned by
// DecodeGroup, given the byte offset of the group's start within the
// logical stream, for use with Walk.
func GroupAddrs(groupBase Addr, recs []Record) []Addr {
	addrs := make([]Addr, len(recs))
	off := groupBase
	for i, rec := range recs {
		addrs[i] = off + 1
		off += Addr(rec.encodedLen())
	}
	return addrs
}
