// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package mbrindex

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/tsindex/simidx/compr"
	"github.com/tsindex/simidx/elb"
	"github.com/tsindex/simidx/errs"
	"github.com/tsindex/simidx/rtree"
	"github.com/tsindex/simidx/window"
)

const (
	chunkMagic   = "TSX1"
	chunkVersion = 1
)

var codecByName = map[string]byte{"none": 0, "zstd": 1, "zstd-better": 1, "s2": 2}
var codecName = map[byte]string{0: "none", 1: "zstd", 2: "s2"}

var elbTypeCode = map[elb.Type]byte{elb.ELE: 0, elb.ELBGroup: 1, elb.SS: 2}
var elbTypeFromCode = map[byte]elb.Type{0: elb.ELE, 1: elb.ELBGroup, 2: elb.SS}

// Chunk is a flushed index ready to be persisted by the caller
// (the column store owns actual file placement).
type Chunk struct {
	Path      string
	StartTime int64
	EndTime   int64
	Bytes     []byte
}

// Flush serializes the R-tree and its identifier map into a
// signed, compressed chunk. It does not reset the index; call
// Clear (or build a fresh MBRIndex) afterward depending on
// whether the caller wants a brand new R-tree for the next chunk.
func (m *MBRIndex[T]) Flush(path string, macKey *MACKey) (Chunk, error) {
	if m.closed {
		return Chunk{}, window.ErrClosed
	}
	start, end, ok := m.pp.ChunkBounds()
	if !ok {
		start, end = 0, 0
	}

	var body bytes.Buffer
	if err := writeUvarint(&body, uint64(len(m.ids))); err != nil {
		return Chunk{}, err
	}
	for key, id := range m.ids {
		var rec [40]byte
		binary.LittleEndian.PutUint64(rec[0:8], key)
		putI64(rec[8:16], id.Start)
		putI64(rec[16:24], id.End)
		binary.LittleEndian.PutUint64(rec[24:32], uint64(id.Count))
		binary.LittleEndian.PutUint64(rec[32:40], uint64(id.SliceNum))
		if _, err := body.Write(rec[:]); err != nil {
			return Chunk{}, err
		}
	}
	writePayload := func(w io.Writer, key uint64) error {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], key)
		_, err := w.Write(b[:])
		return err
	}
	if err := m.tree.Serialize(&body, writePayload); err != nil {
		return Chunk{}, err
	}

	raw := body.Bytes()
	codecByte, ok := codecByName[m.cfg.Codec]
	if !ok {
		return Chunk{}, fmt.Errorf("%w: unknown codec %q", errs.ErrConfig, m.cfg.Codec)
	}
	compressed := raw
	if codecByte != 0 {
		// cfg.Codec, not codecName[codecByte]: codecByte only
		// records the decompressor family (zstd vs s2) needed
		// on read, but the encoder-side name (e.g.
		// "zstd-better") selects a specific compression level.
		c := compr.Compression(m.cfg.Codec)
		if c == nil {
			return Chunk{}, fmt.Errorf("%w: codec %q unavailable", errs.ErrConfig, m.cfg.Codec)
		}
		compressed = c.Compress(raw, nil)
	}

	var bodyWithLen bytes.Buffer
	if err := writeUvarint(&bodyWithLen, uint64(len(raw))); err != nil {
		return Chunk{}, err
	}
	if _, err := bodyWithLen.Write(compressed); err != nil {
		return Chunk{}, err
	}

	var header bytes.Buffer
	header.WriteString(chunkMagic)
	header.WriteByte(chunkVersion)
	header.WriteByte(codecByte)
	if err := writeUvarint(&header, uint64(len(path))); err != nil {
		return Chunk{}, err
	}
	header.WriteString(path)
	header.WriteByte(elbTypeCode[m.cfg.ElbType])
	var timeBuf [16]byte
	putI64(timeBuf[0:8], start)
	putI64(timeBuf[8:16], end)
	header.Write(timeBuf[:])

	bodyLenBuf := &bytes.Buffer{}
	if err := writeUvarint(bodyLenBuf, uint64(bodyWithLen.Len())); err != nil {
		return Chunk{}, err
	}
	// The MAC covers body_len and body only (everything that
	// follows it in the wire format), not the header fields
	// that precede it.
	signed := append([]byte(nil), bodyLenBuf.Bytes()...)
	signed = append(signed, bodyWithLen.Bytes()...)

	mac, err := computeMAC(macKey, signed)
	if err != nil {
		return Chunk{}, err
	}

	var out bytes.Buffer
	out.Write(header.Bytes())
	out.Write(mac)
	out.Write(bodyLenBuf.Bytes())
	out.Write(bodyWithLen.Bytes())

	return Chunk{Path: path, StartTime: start, EndTime: end, Bytes: out.Bytes()}, nil
}

// QueryByIndex deserializes a previously flushed chunk and
// returns the candidate Identifiers for pattern: every window
// that might be within the caller's distance threshold. The ELB
// lower-bound threshold is fixed at 0, which this index reads as
// "no MBR pruning at all": every stored identifier is surfaced,
// and the exact distance check (package query's postProcessNext)
// does all the filtering. A candidate list may therefore carry
// arbitrarily many spurious entries, but it can never omit a true
// match — the caller may treat time ranges outside the candidate
// set as provably match-free.
func QueryByIndex(chunkBytes []byte, macKey *MACKey, pattern []float64, extractor *elb.Extractor) ([]window.Identifier, error) {
	if len(chunkBytes) < len(chunkMagic)+2 {
		return nil, fmt.Errorf("%w: truncated header", errs.ErrCorruptChunk)
	}
	if string(chunkBytes[:4]) != chunkMagic {
		return nil, fmt.Errorf("%w: bad magic", errs.ErrCorruptChunk)
	}
	pos := 4
	version := chunkBytes[pos]
	pos++
	if version != chunkVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errs.ErrCorruptChunk, version)
	}
	codecByte := chunkBytes[pos]
	pos++
	name, ok := codecName[codecByte]
	if !ok {
		return nil, fmt.Errorf("%w: unknown codec byte %d", errs.ErrCorruptChunk, codecByte)
	}

	r := bytes.NewReader(chunkBytes[pos:])
	pathLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}
	pathBuf := make([]byte, pathLen)
	if _, err := io.ReadFull(r, pathBuf); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}
	var typeByte [1]byte
	if _, err := io.ReadFull(r, typeByte[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}
	if _, ok := elbTypeFromCode[typeByte[0]]; !ok {
		return nil, fmt.Errorf("%w: unknown index type byte %d", errs.ErrCorruptChunk, typeByte[0])
	}
	var timeBuf [16]byte
	if _, err := io.ReadFull(r, timeBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}

	var mac [32]byte
	if _, err := io.ReadFull(r, mac[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}

	// Everything remaining (body_len, then body) is exactly
	// what Flush signed.
	signed := chunkBytes[len(chunkBytes)-r.Len():]

	bodyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}
	bodyWithLen := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, bodyWithLen); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}

	if macKey != nil {
		want, err := computeMAC(macKey, signed)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(mac[:], want) != 1 {
			return nil, errs.ErrBadMAC
		}
	}
	br := bytes.NewReader(bodyWithLen)
	rawLen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}
	compressed := bodyWithLen[len(bodyWithLen)-br.Len():]

	var raw []byte
	if name == "none" {
		if rawLen != uint64(len(compressed)) {
			return nil, fmt.Errorf("%w: body length %d does not match prefix %d", errs.ErrCorruptChunk, len(compressed), rawLen)
		}
		raw = compressed
	} else {
		d := compr.Decompression(name)
		if d == nil {
			return nil, fmt.Errorf("%w: codec %q unavailable", errs.ErrCorruptChunk, name)
		}
		raw = make([]byte, rawLen)
		if err := d.Decompress(compressed, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
		}
	}

	rawReader := bufio.NewReader(bytes.NewReader(raw))
	idCount, err := binary.ReadUvarint(rawReader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}
	ids := make(map[uint64]window.Identifier, idCount)
	for i := uint64(0); i < idCount; i++ {
		var rec [40]byte
		if _, err := io.ReadFull(rawReader, rec[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
		}
		key := binary.LittleEndian.Uint64(rec[0:8])
		ids[key] = window.Identifier{
			Start:    getI64(rec[8:16]),
			End:      getI64(rec[16:24]),
			Count:    int(binary.LittleEndian.Uint64(rec[24:32])),
			SliceNum: int(binary.LittleEndian.Uint64(rec[32:40])),
		}
	}

	readPayload := func(r io.Reader) (uint64, error) {
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	}
	tree, err := rtree.Deserialize[uint64](rawReader, readPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}

	rect, err := extractor.Rect(pattern)
	if err != nil {
		return nil, err
	}
	corner := make([]float64, rect.Dim())
	for i := range corner {
		corner[i] = (rect.Min[i] + rect.Max[i]) / 2
	}
	// With a 0 lower bound, any positive MBR distance could still
	// hide a true match, so the traversal threshold is +Inf and
	// the search degenerates to a full scan: the R-tree organizes
	// identifiers here, it does not filter them. Searching with a
	// finite tau (0 would mean containment of the pattern's
	// per-block means) silently dismisses near-miss windows.
	keys, err := tree.SearchWithThreshold(corner, 0, math.Inf(1))
	if err != nil {
		return nil, err
	}
	out := make([]window.Identifier, 0, len(keys))
	for _, k := range keys {
		if id, ok := ids[k]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func computeMAC(key *MACKey, data []byte) ([]byte, error) {
	if key == nil {
		return make([]byte, 32), nil
	}
	h, err := blake2b.New256(key[:])
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

func writeUvarint(w io.ByteWriter, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	bw, ok := w.(interface{ Write([]byte) (int, error) })
	if ok {
		_, err := bw.Write(buf[:n])
		return err
	}
	for _, b := range buf[:n] {
		if err := w.WriteByte(b); err != nil {
			return err
		}
	}
	return nil
}

func putI64(b []byte, v int64) {
	binary.LittleEndian.PutUint64(b, uint64(v))
}

func getI64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}
