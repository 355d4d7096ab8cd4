package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
)

// DetectionReply is the payload a sensor attaches to its answer to a
// Search broadcast.
type DetectionReply struct {
	RetCode uint8
	DevType uint8
	SN      string
	LidarIP net.IP
	CmdPort uint16
}

const detectionReplySize = 1 + 1 + 16 + 4 + 2

// ErrBadDetectionReply rejects a detection payload of the wrong size.
var ErrBadDetectionReply = errors.New("protocol: bad detection reply payload")

// ParseDetectionReply decodes a detection reply payload.
func ParseDetectionReply(payload []byte) (DetectionReply, error) {
	if len(payload) < detectionReplySize {
		return DetectionReply{}, ErrBadDetectionReply
	}
	sn := payload[2:18]
	if i := bytes.IndexByte(sn, 0); i >= 0 {
		sn = sn[:i]
	}
	ip := net.IPv4(payload[18], payload[19], payload[20], payload[21]).To4()
	return DetectionReply{
		RetCode: payload[0],
		DevType: payload[1],
		SN:      string(sn),
		LidarIP: ip,
		CmdPort: binary.LittleEndian.Uint16(payload[22:]),
	}, nil
}

// MarshalDetectionReply encodes a detection reply payload. Used by the
// device emulators in tests and by conformance tooling.
func MarshalDetectionReply(r DetectionReply) []byte {
	buf := make([]byte, detectionReplySize)
	buf[0] = r.RetCode
	buf[1] = r.DevType
	copy(buf[2:18], r.SN)
	if v4 := r.LidarIP.To4(); v4 != nil {
		copy(buf[18:22], v4)
	}
	binary.LittleEndian.PutUint16(buf[22:], r.CmdPort)
	return buf
}
