package command

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
)

func f32bytes(f float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
	return b
}

func TestParseStateInfoTypedFields(t *testing.T) {
	attitude := append(append(append(f32bytes(1.5), f32bytes(-2.5)...), f32bytes(90)...),
		0x0A, 0, 0, 0, 0x0B, 0, 0, 0, 0x0C, 0, 0, 0)

	payload := protocol.PackKeyValues([]protocol.KV{
		{Key: protocol.KeyPclDataType, Value: []byte{2}},
		{Key: protocol.KeyLidarIPCfg, Value: []byte{192, 168, 1, 101, 255, 255, 255, 0, 192, 168, 1, 1}},
		{Key: protocol.KeyPointDataHostIPCfg, Value: []byte{192, 168, 1, 50, 0x65, 0xDF, 0xEC, 0xDB}},
		{Key: protocol.KeyInstallAttitude, Value: attitude},
		{Key: protocol.KeySN, Value: []byte("SN12345\x00\x00")},
		{Key: protocol.KeyMac, Value: []byte{1, 2, 3, 4, 5, 6}},
		{Key: 0x7777, Value: []byte{9, 9, 9}}, // unknown key: skipped
	})

	info, err := ParseStateInfo(payload)
	if err != nil {
		t.Fatalf("ParseStateInfo failed: %v", err)
	}

	if info.PclDataType == nil || *info.PclDataType != 2 {
		t.Error("pcl_data_type missing or wrong")
	}
	wantIP := &LidarIPConfig{IP: "192.168.1.101", Subnet: "255.255.255.0", Gateway: "192.168.1.1"}
	if diff := cmp.Diff(wantIP, info.LidarIPCfg); diff != "" {
		t.Errorf("lidar_ipcfg mismatch (-want +got):\n%s", diff)
	}
	wantHost := &HostIPConfig{IP: "192.168.1.50", DstPort: 0xDF65, SrcPort: 0xDBEC}
	if diff := cmp.Diff(wantHost, info.PointcloudHostIPCfg); diff != "" {
		t.Errorf("pointcloud_host_ipcfg mismatch (-want +got):\n%s", diff)
	}
	if info.InstallAttitude == nil || info.InstallAttitude.RollDeg != 1.5 ||
		info.InstallAttitude.XMm != 10 || info.InstallAttitude.ZMm != 12 {
		t.Errorf("install_attitude = %+v", info.InstallAttitude)
	}
	if info.SN == nil || *info.SN != "SN12345" {
		t.Error("sn not trimmed at NUL")
	}
	if info.Mac == nil || *info.Mac != [6]uint8{1, 2, 3, 4, 5, 6} {
		t.Error("mac mismatch")
	}
	// Absent keys stay absent.
	if info.WorkTgtMode != nil || info.FwType != nil {
		t.Error("absent keys were populated")
	}
}

func TestStateInfoJSONOnlyPresentKeys(t *testing.T) {
	payload := protocol.PackKeyValues([]protocol.KV{
		{Key: protocol.KeyWorkMode, Value: []byte{1}},
		{Key: protocol.KeyFwType, Value: []byte{1}},
		{Key: protocol.KeyVersionApp, Value: []byte{1, 2, 3, 4}},
	})

	info, err := ParseStateInfo(payload)
	if err != nil {
		t.Fatal(err)
	}
	rendered, err := info.JSON()
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(rendered), &decoded); err != nil {
		t.Fatalf("rendered JSON does not parse: %v", err)
	}
	if len(decoded) != 3 {
		t.Errorf("rendered %d keys, want 3: %s", len(decoded), rendered)
	}
	if decoded["work_tgt_mode"] != float64(1) || decoded["FW_TYPE"] != float64(1) {
		t.Errorf("scalar keys wrong: %s", rendered)
	}
	if arr, ok := decoded["version_app"].([]any); !ok || len(arr) != 4 || arr[3] != float64(4) {
		t.Errorf("version_app wrong: %s", rendered)
	}
}

func TestStateInfoStatusCodeRendering(t *testing.T) {
	code := make([]byte, 32)
	code[0] = 0x01
	code[31] = 0xAB
	payload := protocol.PackKeyValues([]protocol.KV{
		{Key: protocol.KeyStatusCode, Value: code},
	})

	info, err := ParseStateInfo(payload)
	if err != nil {
		t.Fatal(err)
	}
	if info.StatusCode == nil {
		t.Fatal("status_code absent")
	}
	got := *info.StatusCode
	if got[:3] != "ab " {
		t.Errorf("status_code starts %q, want most-significant byte first", got[:8])
	}
	if got[len(got)-1:] != "1" {
		t.Errorf("status_code ends %q", got[len(got)-4:])
	}
}

func TestParseStateInfoMalformed(t *testing.T) {
	payload := protocol.PackKeyValues([]protocol.KV{
		{Key: protocol.KeySN, Value: []byte("LD0001")},
	})
	payload[6] = 0xFF // declared length overruns the payload

	if _, err := ParseStateInfo(payload); err == nil {
		t.Error("malformed payload accepted")
	}
}

func TestParseStateInfoHmsCodes(t *testing.T) {
	hms := make([]byte, 32)
	binary.LittleEndian.PutUint32(hms[0:], 0x0103_0201)
	binary.LittleEndian.PutUint32(hms[28:], 7)
	payload := protocol.PackKeyValues([]protocol.KV{
		{Key: protocol.KeyHmsCode, Value: hms},
	})

	info, err := ParseStateInfo(payload)
	if err != nil {
		t.Fatal(err)
	}
	if info.HmsCode == nil || info.HmsCode[0] != 0x01030201 || info.HmsCode[7] != 7 {
		t.Errorf("hms_code = %v", info.HmsCode)
	}
}
