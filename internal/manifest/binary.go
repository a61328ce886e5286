package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/tablestore/internal/compress"
	"github.com/hupe1980/tablestore/internal/hash"
	"github.com/hupe1980/tablestore/kv"
)

const (
	manifestMagic = 0x464d5354 // "TSMF"
	listMagic     = 0x4c4d5354 // "TSML"
	binaryVersion = 1

	headerSize = 16
)

// encodeFrame wraps a payload in the on-disk frame.
// Format:
// Magic (4 bytes)
// Version (4 bytes)
// Checksum (4 bytes) - CRC32C of the compressed payload
// PayloadLength (4 bytes) - compressed length
// Payload (zstd frame)
func encodeFrame(magic uint32, payload []byte) []byte {
	compressed := compress.EncodeZstd(payload)

	out := make([]byte, headerSize, headerSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:4], magic)
	binary.LittleEndian.PutUint32(out[4:8], binaryVersion)
	binary.LittleEndian.PutUint32(out[8:12], hash.CRC32C(compressed))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(compressed)))
	return append(out, compressed...)
}

// decodeFrame validates the frame and returns the decompressed payload.
func decodeFrame(magic uint32, data []byte) ([]byte, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != magic {
		return nil, fmt.Errorf("%w: invalid magic: %x", ErrCorrupt, got)
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != binaryVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	checksum := binary.LittleEndian.Uint32(data[8:12])
	length := binary.LittleEndian.Uint32(data[12:16])

	if uint64(len(data)-headerSize) != uint64(length) {
		return nil, fmt.Errorf("%w: payload length %d, have %d", ErrCorrupt, length, len(data)-headerSize)
	}
	compressed := data[headerSize:]
	if hash.CRC32C(compressed) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	payload, err := compress.DecodeZstd(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return payload, nil
}

// Entry payload:
//
//	NumEntries (4 bytes)
//	Entries...
//	  Kind (1 byte)
//	  Partition (string)
//	  Bucket (4 bytes)
//	  TotalBuckets (4 bytes)
//	  FileName (string)
//	  FileSize (8 bytes)
//	  RowCount (8 bytes)
//	  MinKey, MaxKey (bytes)
//	  MinSequence, MaxSequence (8 bytes each)
//	  Level (4 bytes)
//	  CreationTime (8 bytes) - Unix milliseconds
func appendEntry(pb *payloadBuffer, e Entry) {
	pb.writeUint8(uint8(e.Kind))
	pb.writeString(string(e.Partition))
	pb.writeUint32(uint32(e.Bucket))
	pb.writeUint32(uint32(e.TotalBuckets))
	pb.writeString(e.File.FileName)
	pb.writeUint64(uint64(e.File.FileSize))
	pb.writeUint64(uint64(e.File.RowCount))
	pb.writeBytes(e.File.MinKey)
	pb.writeBytes(e.File.MaxKey)
	pb.writeUint64(e.File.MinSequence)
	pb.writeUint64(e.File.MaxSequence)
	pb.writeUint32(uint32(e.File.Level))
	pb.writeUint64(uint64(e.File.CreationTime.UnixMilli()))
}

func decodeEntries(payload []byte) ([]Entry, error) {
	pb := newPayloadBuffer(payload)

	n := pb.readUint32()
	if pb.err == nil && uint64(n) > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: entry count %d", ErrCorrupt, n)
	}
	entries := make([]Entry, 0, n)
	for i := 0; i < int(n) && pb.err == nil; i++ {
		var e Entry
		e.Kind = Kind(pb.readUint8())
		e.Partition = kv.Partition(pb.readString())
		e.Bucket = int(pb.readUint32())
		e.TotalBuckets = int(pb.readUint32())
		e.File.FileName = pb.readString()
		e.File.FileSize = int64(pb.readUint64())
		e.File.RowCount = int64(pb.readUint64())
		e.File.MinKey = pb.readBytes()
		e.File.MaxKey = pb.readBytes()
		e.File.MinSequence = pb.readUint64()
		e.File.MaxSequence = pb.readUint64()
		e.File.Level = int(pb.readUint32())
		e.File.CreationTime = time.UnixMilli(int64(pb.readUint64()))
		if e.Kind > Delete {
			return nil, fmt.Errorf("%w: entry kind %d", ErrCorrupt, e.Kind)
		}
		entries = append(entries, e)
	}
	if pb.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, pb.err)
	}
	return entries, nil
}

// List payload:
//
//	NumManifests (4 bytes)
//	Manifests...
//	  FileName (string)
//	  FileSize, NumAddedFiles, NumDeletedFiles (8 bytes each)
//	  MinPartition, MaxPartition (string)
func encodeList(metas []FileMeta) ([]byte, error) {
	pb := newPayloadBuffer(make([]byte, 0, 4+len(metas)*96))
	pb.writeUint32(uint32(len(metas)))
	for _, m := range metas {
		pb.writeString(m.FileName)
		pb.writeUint64(uint64(m.FileSize))
		pb.writeUint64(uint64(m.NumAddedFiles))
		pb.writeUint64(uint64(m.NumDeletedFiles))
		pb.writeString(string(m.MinPartition))
		pb.writeString(string(m.MaxPartition))
	}
	if pb.err != nil {
		return nil, pb.err
	}
	return pb.buf, nil
}

func decodeList(payload []byte) ([]FileMeta, error) {
	pb := newPayloadBuffer(payload)

	n := pb.readUint32()
	if pb.err == nil && uint64(n) > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: manifest count %d", ErrCorrupt, n)
	}
	metas := make([]FileMeta, 0, n)
	for i := 0; i < int(n) && pb.err == nil; i++ {
		var m FileMeta
		m.FileName = pb.readString()
		m.FileSize = int64(pb.readUint64())
		m.NumAddedFiles = int64(pb.readUint64())
		m.NumDeletedFiles = int64(pb.readUint64())
		m.MinPartition = kv.Partition(pb.readString())
		m.MaxPartition = kv.Partition(pb.readString())
		metas = append(metas, m)
	}
	if pb.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, pb.err)
	}
	return metas, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeUint8(v uint8) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, uint32(len(b)))
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) readUint64() uint64 {
	if p.err != nil {
		return 0
	}
	if p.pos+8 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if p.err != nil {
		return 0
	}
	if p.pos+4 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readUint8() uint8 {
	if p.err != nil {
		return 0
	}
	if p.pos+1 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := p.buf[p.pos]
	p.pos++
	return v
}

func (p *payloadBuffer) readString() string {
	if p.err != nil {
		return ""
	}
	if p.pos+2 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return ""
	}
	l := binary.LittleEndian.Uint16(p.buf[p.pos:])
	p.pos += 2

	if p.pos+int(l) > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return ""
	}
	s := string(p.buf[p.pos : p.pos+int(l)])
	p.pos += int(l)
	return s
}

func (p *payloadBuffer) readBytes() []byte {
	if p.err != nil {
		return nil
	}
	if p.pos+4 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	l := int(binary.LittleEndian.Uint32(p.buf[p.pos:]))
	p.pos += 4

	if l < 0 || p.pos+l > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	if l == 0 {
		return nil
	}
	b := make([]byte, l)
	copy(b, p.buf[p.pos:p.pos+l])
	p.pos += l
	return b
}
