// Package upgrade drives the multi-stage firmware upgrade of one device:
// request, chunked transfer, completion, progress polling and reboot,
// with per-stage retry.
package upgrade

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
)

// FirmwareHeader describes a firmware image to the device.
type FirmwareHeader struct {
	FirmwareType uint8
	EncryptType  uint8
	Length       uint32
	DeviceType   uint8
	ChecksumType uint8
	Checksum     []byte
}

// Firmware is an image ready for transfer.
type Firmware struct {
	Header FirmwareHeader
	Data   []byte
}

// NewFirmware wraps a raw image for the given family, deriving length
// and a CRC-32 whole-image checksum.
func NewFirmware(data []byte, devType lidar.DeviceType) Firmware {
	sum := make([]byte, 4)
	binary.LittleEndian.PutUint32(sum, protocol.CRC32(data))
	return Firmware{
		Header: FirmwareHeader{
			Length:       uint32(len(data)),
			DeviceType:   uint8(devType),
			ChecksumType: 0,
			Checksum:     sum,
		},
		Data: data,
	}
}

// LoadFirmware reads an image file from disk.
func LoadFirmware(path string, devType lidar.DeviceType) (Firmware, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Firmware{}, fmt.Errorf("upgrade: reading firmware: %w", err)
	}
	if len(data) == 0 {
		return Firmware{}, fmt.Errorf("upgrade: firmware file %s is empty", path)
	}
	return NewFirmware(data, devType), nil
}

// buildStartRequest encodes the StartUpgrade payload.
func buildStartRequest(h FirmwareHeader) []byte {
	buf := make([]byte, 7)
	buf[0] = h.FirmwareType
	buf[1] = h.EncryptType
	binary.LittleEndian.PutUint32(buf[2:], h.Length)
	buf[6] = h.DeviceType
	return buf
}

// buildXferRequest encodes one XferFirmware chunk.
func buildXferRequest(offset uint32, encryptType uint8, chunk []byte) []byte {
	buf := make([]byte, 12+len(chunk))
	binary.LittleEndian.PutUint32(buf[0:], offset)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(chunk)))
	buf[8] = encryptType
	copy(buf[12:], chunk)
	return buf
}

// buildCompleteRequest encodes the CompleteXferFirmware payload.
func buildCompleteRequest(h FirmwareHeader) []byte {
	buf := make([]byte, 2+len(h.Checksum))
	buf[0] = h.ChecksumType
	buf[1] = uint8(len(h.Checksum))
	copy(buf[2:], h.Checksum)
	return buf
}
