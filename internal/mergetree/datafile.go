package mergetree

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/compress"
	"github.com/hupe1980/tablestore/internal/hash"
	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/resource"
	"github.com/hupe1980/tablestore/kv"
)

// Data file layout:
//
//	Header:  Magic (4) | Version (1) | Compression (1)
//	Blocks:  UncompressedSize (4) | CompressedSize (4, 0 = raw) | Payload | CRC32C (4)
//	Trailer: NumBlocks (4) | {Offset (8), Length (4), LastKey}... |
//	         RowCount (8) | MinKey | MaxKey | MinSeq (8) | MaxSeq (8) | CRC32C (4)
//	Footer:  TrailerOffset (8) | TrailerLength (4) | Magic (4)
//
// Records in a block: uvarint keyLen | key | uvarint seq | kind (1) | uvarint valLen | value.
// Keys in the trailer are 4-byte length prefixed.
const (
	dataMagic   = 0x46445354 // "TSDF"
	dataVersion = 1

	dataHeaderSize  = 6
	blockHeaderSize = 8
	dataFooterSize  = 16

	// DefaultBlockSize is the uncompressed size at which blocks are cut.
	DefaultBlockSize = 64 << 10
)

// ErrCorrupt is returned when a data file fails validation.
var ErrCorrupt = errors.New("corrupt data file")

type blockHandle struct {
	offset  int64
	length  int64
	lastKey []byte
}

// fileWriter streams one data file.
type fileWriter struct {
	blob        blobstore.WritableBlob
	w           io.Writer
	name        string
	level       int
	compression compress.Type
	blockSize   int

	block    []byte
	blockKey []byte
	blocks   []blockHandle
	offset   int64

	rowCount int64
	minKey   []byte
	maxKey   []byte
	minSeq   uint64
	maxSeq   uint64
}

func newFileWriter(ctx context.Context, store blobstore.BlobStore, path, name string, level int, compression compress.Type, blockSize int, rc *resource.Controller) (*fileWriter, error) {
	blob, err := store.Create(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("create data file %s: %w", path, err)
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	fw := &fileWriter{
		blob:        blob,
		w:           resource.NewRateLimitedWriter(ctx, blob, rc),
		name:        name,
		level:       level,
		compression: compression,
		blockSize:   blockSize,
		block:       make([]byte, 0, blockSize+blockSize/8),
	}

	header := binary.LittleEndian.AppendUint32(nil, dataMagic)
	header = append(header, dataVersion, byte(compression))
	if err := fw.write(header); err != nil {
		_ = blob.Abort()
		return nil, err
	}
	return fw, nil
}

func (fw *fileWriter) write(p []byte) error {
	n, err := fw.w.Write(p)
	fw.offset += int64(n)
	return err
}

// add appends a record. Records must arrive in (key, sequence) order.
func (fw *fileWriter) add(r kv.KeyValue) error {
	fw.block = binary.AppendUvarint(fw.block, uint64(len(r.Key)))
	fw.block = append(fw.block, r.Key...)
	fw.block = binary.AppendUvarint(fw.block, r.Sequence)
	fw.block = append(fw.block, byte(r.Kind))
	fw.block = binary.AppendUvarint(fw.block, uint64(len(r.Value)))
	fw.block = append(fw.block, r.Value...)
	fw.blockKey = append(fw.blockKey[:0], r.Key...)

	if fw.rowCount == 0 {
		fw.minKey = bytes.Clone(r.Key)
		fw.minSeq, fw.maxSeq = r.Sequence, r.Sequence
	}
	fw.maxKey = append(fw.maxKey[:0], r.Key...)
	fw.minSeq = min(fw.minSeq, r.Sequence)
	fw.maxSeq = max(fw.maxSeq, r.Sequence)
	fw.rowCount++

	if len(fw.block) >= fw.blockSize {
		return fw.flushBlock()
	}
	return nil
}

func (fw *fileWriter) flushBlock() error {
	if len(fw.block) == 0 {
		return nil
	}
	compressed, err := compress.Compress(fw.block, fw.compression)
	if err != nil {
		return err
	}
	payload := fw.block
	if compressed != nil {
		payload = compressed
	}

	buf := make([]byte, 0, blockHeaderSize+len(payload)+4)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(fw.block)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(compressed)))
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint32(buf, hash.CRC32C(payload))

	start := fw.offset
	if err := fw.write(buf); err != nil {
		return err
	}
	fw.blocks = append(fw.blocks, blockHandle{offset: start, length: int64(len(buf)), lastKey: bytes.Clone(fw.blockKey)})
	fw.block = fw.block[:0]
	return nil
}

// size estimates the file size if it were finished now.
func (fw *fileWriter) size() int64 {
	return fw.offset + int64(len(fw.block))
}

// finish writes trailer and footer and publishes the file.
func (fw *fileWriter) finish() (manifest.DataFileMeta, error) {
	if err := fw.flushBlock(); err != nil {
		_ = fw.blob.Abort()
		return manifest.DataFileMeta{}, err
	}

	trailer := binary.LittleEndian.AppendUint32(nil, uint32(len(fw.blocks)))
	for _, b := range fw.blocks {
		trailer = binary.LittleEndian.AppendUint64(trailer, uint64(b.offset))
		trailer = binary.LittleEndian.AppendUint32(trailer, uint32(b.length))
		trailer = appendKey(trailer, b.lastKey)
	}
	trailer = binary.LittleEndian.AppendUint64(trailer, uint64(fw.rowCount))
	trailer = appendKey(trailer, fw.minKey)
	trailer = appendKey(trailer, fw.maxKey)
	trailer = binary.LittleEndian.AppendUint64(trailer, fw.minSeq)
	trailer = binary.LittleEndian.AppendUint64(trailer, fw.maxSeq)
	trailer = binary.LittleEndian.AppendUint32(trailer, hash.CRC32C(trailer))

	trailerOffset := fw.offset
	footer := binary.LittleEndian.AppendUint64(nil, uint64(trailerOffset))
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(trailer)))
	footer = binary.LittleEndian.AppendUint32(footer, dataMagic)

	if err := fw.write(append(trailer, footer...)); err != nil {
		_ = fw.blob.Abort()
		return manifest.DataFileMeta{}, err
	}
	if err := fw.blob.Close(); err != nil {
		_ = fw.blob.Abort()
		return manifest.DataFileMeta{}, fmt.Errorf("close data file %s: %w", fw.name, err)
	}

	return manifest.DataFileMeta{
		FileName:     fw.name,
		FileSize:     fw.offset,
		RowCount:     fw.rowCount,
		MinKey:       fw.minKey,
		MaxKey:       bytes.Clone(fw.maxKey),
		MinSequence:  fw.minSeq,
		MaxSequence:  fw.maxSeq,
		Level:        fw.level,
		CreationTime: time.Now(),
	}, nil
}

func (fw *fileWriter) abort() {
	_ = fw.blob.Abort()
}

func appendKey(dst, key []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(key)))
	return append(dst, key...)
}

// fileReader reads a data file.
type fileReader struct {
	blob        blobstore.Blob
	name        string
	compression compress.Type
	blocks      []blockHandle
	rowCount    int64
	minSeq      uint64
	maxSeq      uint64
}

func openFileReader(ctx context.Context, store blobstore.BlobStore, path string) (*fileReader, error) {
	blob, err := store.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open data file %s: %w", path, err)
	}
	r, err := newFileReader(ctx, blob, path)
	if err != nil {
		_ = blob.Close()
		return nil, err
	}
	return r, nil
}

func newFileReader(ctx context.Context, blob blobstore.Blob, name string) (*fileReader, error) {
	size := blob.Size()
	if size < dataHeaderSize+dataFooterSize {
		return nil, fmt.Errorf("%w: %s: too small (%d bytes)", ErrCorrupt, name, size)
	}

	header := make([]byte, dataHeaderSize)
	if err := readFull(ctx, blob, header, 0); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(header) != dataMagic {
		return nil, fmt.Errorf("%w: %s: invalid magic", ErrCorrupt, name)
	}
	if header[4] != dataVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorrupt, name, header[4])
	}
	compression := compress.Type(header[5])
	if !compression.Valid() {
		return nil, fmt.Errorf("%w: %s: unknown compression %d", ErrCorrupt, name, header[5])
	}

	footer := make([]byte, dataFooterSize)
	if err := readFull(ctx, blob, footer, size-dataFooterSize); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(footer[12:]) != dataMagic {
		return nil, fmt.Errorf("%w: %s: invalid footer magic", ErrCorrupt, name)
	}
	trailerOffset := int64(binary.LittleEndian.Uint64(footer[0:]))
	trailerLen := int64(binary.LittleEndian.Uint32(footer[8:]))
	if trailerOffset < dataHeaderSize || trailerLen < 4 || trailerOffset+trailerLen != size-dataFooterSize {
		return nil, fmt.Errorf("%w: %s: invalid trailer position", ErrCorrupt, name)
	}

	trailer := make([]byte, trailerLen)
	if err := readFull(ctx, blob, trailer, trailerOffset); err != nil {
		return nil, err
	}
	body := trailer[:len(trailer)-4]
	if hash.CRC32C(body) != binary.LittleEndian.Uint32(trailer[len(body):]) {
		return nil, fmt.Errorf("%w: %s: trailer checksum mismatch", ErrCorrupt, name)
	}

	r := &fileReader{blob: blob, name: name, compression: compression}
	d := decoder{buf: body}
	n := d.uint32()
	if d.err == nil && int64(n) > trailerLen {
		return nil, fmt.Errorf("%w: %s: block count %d", ErrCorrupt, name, n)
	}
	r.blocks = make([]blockHandle, 0, n)
	for i := 0; i < int(n) && d.err == nil; i++ {
		r.blocks = append(r.blocks, blockHandle{
			offset:  int64(d.uint64()),
			length:  int64(d.uint32()),
			lastKey: d.key(),
		})
	}
	r.rowCount = int64(d.uint64())
	_ = d.key() // min key
	_ = d.key() // max key
	r.minSeq = d.uint64()
	r.maxSeq = d.uint64()
	if d.err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, name, d.err)
	}
	return r, nil
}

func readFull(ctx context.Context, blob blobstore.Blob, p []byte, off int64) error {
	n, err := blob.ReadAt(ctx, p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (r *fileReader) Close() error {
	return r.blob.Close()
}

// readBlock loads and verifies block i.
func (r *fileReader) readBlock(ctx context.Context, i int) ([]byte, error) {
	h := r.blocks[i]
	if h.length < blockHeaderSize+4 {
		return nil, fmt.Errorf("%w: %s: block %d too small", ErrCorrupt, r.name, i)
	}
	buf := make([]byte, h.length)
	if err := readFull(ctx, r.blob, buf, h.offset); err != nil {
		return nil, err
	}

	uncompressed := int(binary.LittleEndian.Uint32(buf[0:]))
	compressedLen := int(binary.LittleEndian.Uint32(buf[4:]))
	payload := buf[blockHeaderSize : len(buf)-4]
	if hash.CRC32C(payload) != binary.LittleEndian.Uint32(buf[len(buf)-4:]) {
		return nil, fmt.Errorf("%w: %s: block %d checksum mismatch", ErrCorrupt, r.name, i)
	}

	if compressedLen == 0 {
		if len(payload) != uncompressed {
			return nil, fmt.Errorf("%w: %s: block %d length mismatch", ErrCorrupt, r.name, i)
		}
		return payload, nil
	}
	if len(payload) != compressedLen {
		return nil, fmt.Errorf("%w: %s: block %d length mismatch", ErrCorrupt, r.name, i)
	}
	out, err := compress.Decompress(payload, r.compression, uncompressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: block %d: %w", ErrCorrupt, r.name, i, err)
	}
	return out, nil
}

// iterator returns an iterator over records with key >= start (nil = all).
// The iterator owns the reader and closes it.
func (r *fileReader) iterator(ctx context.Context, start []byte) *fileIterator {
	it := &fileIterator{ctx: ctx, r: r, start: start}
	if start != nil {
		// Skip blocks that end before start.
		for it.next < len(r.blocks) && bytes.Compare(r.blocks[it.next].lastKey, start) < 0 {
			it.next++
		}
	}
	return it
}

type fileIterator struct {
	ctx   context.Context
	r     *fileReader
	start []byte
	next  int
	block decoder
	cur   kv.KeyValue
	err   error
}

func (it *fileIterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if len(it.block.buf) == 0 {
			if it.next >= len(it.r.blocks) {
				return false
			}
			data, err := it.r.readBlock(it.ctx, it.next)
			if err != nil {
				it.err = err
				return false
			}
			it.next++
			it.block = decoder{buf: data}
			continue
		}

		r, err := it.block.record()
		if err != nil {
			it.err = fmt.Errorf("%w: %s: %w", ErrCorrupt, it.r.name, err)
			return false
		}
		if it.start != nil && bytes.Compare(r.Key, it.start) < 0 {
			continue
		}
		it.cur = r
		return true
	}
}

func (it *fileIterator) Record() kv.KeyValue { return it.cur }

func (it *fileIterator) Err() error { return it.err }

func (it *fileIterator) Close() error { return it.r.Close() }

// decoder reads little-endian values and varints from a buffer.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uint32() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 4 {
		d.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) uint64() uint64 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 8 {
		d.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) key() []byte {
	n := int(d.uint32())
	if d.err != nil {
		return nil
	}
	if n > len(d.buf) {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	k := bytes.Clone(d.buf[:n])
	d.buf = d.buf[n:]
	return k
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = io.ErrUnexpectedEOF
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	if n == 0 {
		return nil
	}
	b := d.buf[:n:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) record() (kv.KeyValue, error) {
	var r kv.KeyValue
	r.Key = d.bytes()
	r.Sequence = d.uvarint()
	if d.err == nil {
		if len(d.buf) < 1 {
			d.err = io.ErrUnexpectedEOF
		} else {
			r.Kind = kv.ValueKind(d.buf[0])
			d.buf = d.buf[1:]
			if !r.Kind.Valid() {
				d.err = fmt.Errorf("invalid value kind %d", r.Kind)
			}
		}
	}
	r.Value = d.bytes()
	return r, d.err
}
