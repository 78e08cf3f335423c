package storageadapter

import (
	"bytes"
	"encoding/gob"
)

// encodeRecord/decodeRecord use gob rather than a hand-rolled frame
// format: the rocksdb-labelled engine is a thin kv-backed fallback, not
// the primary wire format the journal engine owns. Offsets in keys and
// values use kv.U64/kv.EncodeU64 like every other store in this module.
func encodeRecord(r Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return Record{}, err
	}
	return r, nil
}
