// Package logfile ingests the log streams sensors push to the host: it
// reassembles create/transfer/end fragment sequences into rotating files
// on disk, acknowledges flagged fragments, and evicts old files to keep
// the two cache partitions inside their budgets.
package logfile

import (
	"encoding/binary"
	"errors"
)

// Flag bits of a pushed log fragment.
const (
	// FlagAckRequired asks the host to acknowledge this fragment.
	FlagAckRequired = 1 << 0
	// FlagCreateFile opens a new file for this (device, log type).
	FlagCreateFile = 1 << 1
	// FlagEndFile closes the current file.
	FlagEndFile = 1 << 2
)

const pushHeaderSize = 16

// ErrBadPushLog rejects a fragment whose header or declared data length
// does not fit the payload.
var ErrBadPushLog = errors.New("logfile: bad push-log payload")

// PushLogRequest is one pushed log fragment.
type PushLogRequest struct {
	LogType    uint8
	FileIndex  uint8
	FileNum    uint8
	Flag       uint8
	Timestamp  uint32
	TransIndex uint32
	Data       []byte
}

// ParsePushLogRequest decodes a PushLog payload.
func ParsePushLogRequest(payload []byte) (PushLogRequest, error) {
	if len(payload) < pushHeaderSize {
		return PushLogRequest{}, ErrBadPushLog
	}
	dataLen := int(binary.LittleEndian.Uint16(payload[14:]))
	if pushHeaderSize+dataLen > len(payload) {
		return PushLogRequest{}, ErrBadPushLog
	}
	return PushLogRequest{
		LogType:    payload[0],
		FileIndex:  payload[1],
		FileNum:    payload[2],
		Flag:       payload[3],
		Timestamp:  binary.LittleEndian.Uint32(payload[4:]),
		TransIndex: binary.LittleEndian.Uint32(payload[10:]),
		Data:       payload[pushHeaderSize : pushHeaderSize+dataLen],
	}, nil
}

// MarshalPushLogRequest encodes a PushLog payload. Used by device
// emulators in tests.
func MarshalPushLogRequest(req PushLogRequest) []byte {
	buf := make([]byte, pushHeaderSize+len(req.Data))
	buf[0] = req.LogType
	buf[1] = req.FileIndex
	buf[2] = req.FileNum
	buf[3] = req.Flag
	binary.LittleEndian.PutUint32(buf[4:], req.Timestamp)
	binary.LittleEndian.PutUint32(buf[10:], req.TransIndex)
	binary.LittleEndian.PutUint16(buf[14:], uint16(len(req.Data)))
	copy(buf[pushHeaderSize:], req.Data)
	return buf
}

// BuildPushLogAck encodes the acknowledgement for a fragment that set
// FlagAckRequired, echoing its identity with ret_code 0.
func BuildPushLogAck(req PushLogRequest) []byte {
	buf := make([]byte, 7)
	buf[1] = req.LogType
	buf[2] = req.FileIndex
	binary.LittleEndian.PutUint32(buf[3:], req.TransIndex)
	return buf
}
