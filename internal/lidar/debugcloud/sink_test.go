package debugcloud

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/banshee-data/lidarhost/internal/fsutil"
	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
	"github.com/banshee-data/lidarhost/internal/timeutil"
)

func TestFileHeaderLayout(t *testing.T) {
	h := fileHeader(lidar.DeviceTypeMid360, "LD0001")

	if len(h) != 128 {
		t.Fatalf("header length = %d, want 128", len(h))
	}
	if h[0] != 1 || h[1] != uint8(lidar.DeviceTypeMid360) || h[2] != 1 {
		t.Errorf("header prefix = %v", h[:3])
	}
	if string(h[3:9]) != "LD0001" {
		t.Errorf("serial field = %q", h[3:19])
	}
	crc := binary.LittleEndian.Uint16(h[126:])
	if crc != protocol.CRC16(h[:126]) {
		t.Error("header crc16 mismatch")
	}
}

func TestCaptureWritesHeaderThenData(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	m := NewManager(fs, clock, "/captures")
	h := lidar.MustHandle("192.168.1.101")

	m.AddDevice(h, lidar.DeviceTypeMid360, "LD0001")
	if err := m.Enable(h, true); err != nil {
		t.Fatal(err)
	}

	m.Ingest(h, []byte{0xDE, 0xAD})
	m.Ingest(h, []byte{0xBE, 0xEF})
	m.Shutdown()

	name := fmt.Sprintf("/captures/lidar_%d_2025_06_01_08_00_00.LivoxDebugPointCloudData", uint32(h))
	data, err := fs.ReadFile(name)
	if err != nil {
		t.Fatalf("capture file missing: %v", err)
	}
	if len(data) != 128+4 {
		t.Fatalf("file size = %d, want 132", len(data))
	}
	if data[128] != 0xDE || data[131] != 0xEF {
		t.Errorf("payload bytes = %v", data[128:])
	}
}

func TestEnableUnknownDevice(t *testing.T) {
	m := NewManager(fsutil.NewMemoryFileSystem(), timeutil.NewMockClock(time.Unix(0, 0)), "/captures")
	if err := m.Enable(lidar.MustHandle("10.0.0.1"), true); err == nil {
		t.Error("enabling capture for an unknown device succeeded")
	}
}

func TestIngestWithoutEnableIsDropped(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	m := NewManager(fs, timeutil.NewMockClock(time.Unix(0, 0)), "/captures")
	h := lidar.MustHandle("192.168.1.101")

	m.AddDevice(h, lidar.DeviceTypeHAP, "SN")
	m.Ingest(h, []byte{1, 2, 3})
	m.Shutdown()

	if fs.Exists("/captures") {
		entries, _ := fs.ReadDir("/captures")
		if len(entries) != 0 {
			t.Errorf("capture files created without enable: %v", entries)
		}
	}
}
