// Package journal implements the append-only segment storage engine: a
// sequence of numbered segments whose framed records are stored in a
// kv.Store alongside four index classes (offset, tag, timestamp, key),
// each segment moving through a write/seal/delete lifecycle.
package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Record is one message appended to a shard's journal.
type Record struct {
	Offset    uint64
	Key       string
	Tags      []string
	Timestamp int64 // unix millis
	Payload   []byte
}

// frame on-disk layout: [len uint32][crc32 uint32][offset uint64][timestamp int64]
// [key-len uint16][key][tag-count uint16][tag-len uint16][tag]...[payload].
// The length-prefixed, checksummed shape follows an append+sparse-index
// block format; the crc32 field is an addition over that shape, carried
// forward from the original journal server's per-record checksum.
func marshalRecord(w io.Writer, r Record) (int, error) {
	var body bytes.Buffer
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], r.Offset)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(r.Timestamp))
	body.Write(hdr[:])

	if len(r.Key) > 0xFFFF {
		return 0, fmt.Errorf("journal: key too long")
	}
	writeU16Prefixed(&body, []byte(r.Key))

	var tagCount [2]byte
	binary.BigEndian.PutUint16(tagCount[:], uint16(len(r.Tags)))
	body.Write(tagCount[:])
	for _, tag := range r.Tags {
		writeU16Prefixed(&body, []byte(tag))
	}

	body.Write(r.Payload)

	crc := crc32.ChecksumIEEE(body.Bytes())

	total := 4 + 4 + body.Len() // len + crc + body
	var lenAndCRC [8]byte
	binary.BigEndian.PutUint32(lenAndCRC[0:4], uint32(body.Len()))
	binary.BigEndian.PutUint32(lenAndCRC[4:8], crc)

	if _, err := w.Write(lenAndCRC[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return 0, err
	}
	return total, nil
}

func writeU16Prefixed(w *bytes.Buffer, b []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	w.Write(l[:])
	w.Write(b)
}

func readU16Prefixed(r *bytes.Reader) ([]byte, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(l[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ErrCorruptRecord is returned when a frame's checksum does not match its
// body, indicating a truncated write or on-disk corruption.
var ErrCorruptRecord = fmt.Errorf("journal: corrupt record")

// unmarshalRecord reads one frame from r, returning the record and the
// total number of bytes consumed (including the length/crc header), so
// the caller can advance a sparse offset index by exactly that amount.
func unmarshalRecord(r io.Reader) (Record, int, error) {
	var lenAndCRC [8]byte
	if _, err := io.ReadFull(r, lenAndCRC[:]); err != nil {
		return Record{}, 0, err
	}
	bodyLen := binary.BigEndian.Uint32(lenAndCRC[0:4])
	wantCRC := binary.BigEndian.Uint32(lenAndCRC[4:8])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, 0, err
	}
	if crc32.ChecksumIEEE(body) != wantCRC {
		return Record{}, 0, ErrCorruptRecord
	}

	br := bytes.NewReader(body)
	var hdr [16]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return Record{}, 0, err
	}
	offset := binary.BigEndian.Uint64(hdr[0:8])
	timestamp := int64(binary.BigEndian.Uint64(hdr[8:16]))

	keyBytes, err := readU16Prefixed(br)
	if err != nil {
		return Record{}, 0, err
	}

	var tagCount [2]byte
	if _, err := io.ReadFull(br, tagCount[:]); err != nil {
		return Record{}, 0, err
	}
	n := binary.BigEndian.Uint16(tagCount[:])
	tags := make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		t, err := readU16Prefixed(br)
		if err != nil {
			return Record{}, 0, err
		}
		tags = append(tags, string(t))
	}

	payload := make([]byte, br.Len())
	io.ReadFull(br, payload)

	rec := Record{
		Offset:    offset,
		Key:       string(keyBytes),
		Tags:      tags,
		Timestamp: timestamp,
		Payload:   payload,
	}
	return rec, 8 + int(bodyLen), nil
}
