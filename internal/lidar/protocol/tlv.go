package protocol

import (
	"encoding/binary"
	"errors"
)

// The parameter-list payload starts with a 4-byte header (2-byte entry
// count, 2 reserved bytes) followed by the entries. Set/push entries are
// (key u16, length u16, value); query entries are bare keys.

// ErrMalformedTLV rejects a parameter list whose declared lengths do not
// fit the remaining payload. The whole payload is discarded.
var ErrMalformedTLV = errors.New("protocol: malformed key/value list")

const tlvListHeaderSize = 4

// KV is one (key, value) entry of a parameter list.
type KV struct {
	Key   ParamKey
	Value []byte
}

// PackKeyValues encodes a set-parameter payload.
func PackKeyValues(kvs []KV) []byte {
	size := tlvListHeaderSize
	for _, kv := range kvs {
		size += 4 + len(kv.Value)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf, uint16(len(kvs)))
	off := tlvListHeaderSize
	for _, kv := range kvs {
		binary.LittleEndian.PutUint16(buf[off:], uint16(kv.Key))
		binary.LittleEndian.PutUint16(buf[off+2:], uint16(len(kv.Value)))
		copy(buf[off+4:], kv.Value)
		off += 4 + len(kv.Value)
	}
	return buf
}

// PackKeyQuery encodes a query payload: the list header followed by the
// bare keys to read.
func PackKeyQuery(keys []ParamKey) []byte {
	buf := make([]byte, tlvListHeaderSize+2*len(keys))
	binary.LittleEndian.PutUint16(buf, uint16(len(keys)))
	off := tlvListHeaderSize
	for _, k := range keys {
		binary.LittleEndian.PutUint16(buf[off:], uint16(k))
		off += 2
	}
	return buf
}

// ParseKeyValues decodes a set/push parameter payload. Values reference
// the input buffer. A declared value length running past the payload is
// fatal for the whole list.
func ParseKeyValues(payload []byte) ([]KV, error) {
	if len(payload) < tlvListHeaderSize {
		return nil, ErrMalformedTLV
	}
	count := int(binary.LittleEndian.Uint16(payload))
	return ParseKeyValueEntries(payload[tlvListHeaderSize:], count)
}

// ParseKeyValueEntries decodes count (key, length, value) entries from a
// bare entry region. GetInternalInfo acks carry their entries behind a
// ret_code/count prefix instead of the 4-byte list header, so the walker
// is exposed separately.
func ParseKeyValueEntries(buf []byte, count int) ([]KV, error) {
	off := 0
	kvs := make([]KV, 0, count)
	for i := 0; i < count; i++ {
		if off+4 > len(buf) {
			return nil, ErrMalformedTLV
		}
		key := ParamKey(binary.LittleEndian.Uint16(buf[off:]))
		vlen := int(binary.LittleEndian.Uint16(buf[off+2:]))
		off += 4
		if off+vlen > len(buf) {
			return nil, ErrMalformedTLV
		}
		kvs = append(kvs, KV{Key: key, Value: buf[off : off+vlen]})
		off += vlen
	}
	return kvs, nil
}
