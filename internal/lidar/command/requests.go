package command

import (
	"encoding/binary"
	"errors"

	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
)

// Payload codecs for the fixed-layout (non-TLV) requests and responses
// the runtime exchanges outside the parameter-list commands.

// ErrShortResponse rejects an ack payload smaller than its fixed layout.
var ErrShortResponse = errors.New("command: ack payload too short")

// ControlResponse is the ack payload of WorkModeControl and the other
// parameter-writing commands: a return code plus the first key that
// failed, zero when all keys applied.
type ControlResponse struct {
	RetCode  uint8
	ErrorKey uint16
}

// ParseControlResponse decodes a control ack payload.
func ParseControlResponse(payload []byte) (ControlResponse, error) {
	if len(payload) < 3 {
		return ControlResponse{}, ErrShortResponse
	}
	return ControlResponse{
		RetCode:  payload[0],
		ErrorKey: binary.LittleEndian.Uint16(payload[1:]),
	}, nil
}

// InternalInfoResponse is the ack payload of GetInternalInfo: a return
// code, the entry count, then bare key/value entries.
type InternalInfoResponse struct {
	RetCode uint8
	Params  []protocol.KV
}

// ParseInternalInfoResponse decodes a GetInternalInfo ack payload.
func ParseInternalInfoResponse(payload []byte) (InternalInfoResponse, error) {
	if len(payload) < 3 {
		return InternalInfoResponse{}, ErrShortResponse
	}
	count := int(binary.LittleEndian.Uint16(payload[1:]))
	kvs, err := protocol.ParseKeyValueEntries(payload[3:], count)
	if err != nil {
		return InternalInfoResponse{}, err
	}
	return InternalInfoResponse{RetCode: payload[0], Params: kvs}, nil
}

// MarshalInternalInfoResponse encodes a GetInternalInfo ack payload.
// Used by device emulators in tests.
func MarshalInternalInfoResponse(retCode uint8, kvs []protocol.KV) []byte {
	body := protocol.PackKeyValues(kvs)
	// Swap the 4-byte list header for the 3-byte ret_code/count prefix.
	buf := make([]byte, 0, len(body)-1)
	buf = append(buf, retCode, body[0], body[1])
	return append(buf, body[4:]...)
}

// BuildRebootRequest encodes a Reboot payload with the delay before the
// device restarts.
func BuildRebootRequest(delayMS uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, delayMS)
	return buf
}

// BuildResetRequest encodes a Reset payload carrying the device serial.
func BuildResetRequest(sn string) []byte {
	buf := make([]byte, 16)
	copy(buf, sn)
	return buf
}

// BuildRmcSyncTimeRequest encodes an RmcSyncTime payload: sync source
// tag 2 (RMC) plus the UTC time in nanoseconds.
func BuildRmcSyncTimeRequest(utcNanos uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = 2
	binary.LittleEndian.PutUint64(buf[1:], utcNanos)
	return buf
}

// BuildCollectLogRequest encodes a CollectLog payload enabling or
// disabling one device log stream.
func BuildCollectLogRequest(logType uint8, enable bool) []byte {
	buf := make([]byte, 2)
	buf[0] = logType
	if enable {
		buf[1] = 1
	}
	return buf
}

// BuildDebugPointCloudRequest encodes a DebugPointCloudControl payload:
// enable flag, the host capture endpoint and a bandwidth hint.
func BuildDebugPointCloudRequest(enable bool, hostIP [4]byte, hostPort, bandwidth uint16) []byte {
	buf := make([]byte, 9)
	if enable {
		buf[0] = 1
	}
	copy(buf[1:5], hostIP[:])
	binary.LittleEndian.PutUint16(buf[5:], hostPort)
	binary.LittleEndian.PutUint16(buf[7:], bandwidth)
	return buf
}
