package command

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
)

// StateInfo is the structured form of a push-state message. Fields are
// pointers so that only keys present in the input appear in the rendered
// JSON; unknown keys are skipped entirely. Field order fixes the JSON key
// order, which user tooling treats as stable.
type StateInfo struct {
	PclDataType *uint8 `json:"pcl_data_type,omitempty"`
	PatternMode *uint8 `json:"pattern_mode,omitempty"`
	DualEmitEn  *uint8 `json:"dual_emit_en,omitempty"`
	PointSendEn *uint8 `json:"point_send_en,omitempty"`

	LidarIPCfg          *LidarIPConfig `json:"lidar_ipcfg,omitempty"`
	StateInfoHostIPCfg  *HostIPConfig  `json:"state_info_host_ipcfg,omitempty"`
	PointcloudHostIPCfg *HostIPConfig  `json:"pointcloud_host_ipcfg,omitempty"`
	ImuHostIPCfg        *HostIPConfig  `json:"imu_host_ipcfg,omitempty"`
	CtlHostIPCfg        *HostIPConfig  `json:"ctl_host_ipcfg,omitempty"`
	LogHostIPCfg        *HostIPConfig  `json:"log_host_ipcfg,omitempty"`

	VehicleSpeed    *int32           `json:"vehicle_speed,omitempty"`
	EnvironmentTemp *int32           `json:"environment_temp,omitempty"`
	InstallAttitude *InstallAttitude `json:"install_attitude,omitempty"`
	BlindSpotSet    *uint32          `json:"blind_spot_set,omitempty"`
	FrameRate       *uint8           `json:"frame_rate,omitempty"`
	FovCfg0         *FovConfig       `json:"fov_cfg0,omitempty"`
	FovCfg1         *FovConfig       `json:"fov_cfg1,omitempty"`
	FovCfgEn        *uint8           `json:"fov_cfg_en,omitempty"`
	DetectMode      *uint8           `json:"detect_mode,omitempty"`
	FuncIOCfg       *FuncIOConfig    `json:"func_io_cfg,omitempty"`
	WorkTgtMode     *uint8           `json:"work_tgt_mode,omitempty"`
	GlassHeat       *uint8           `json:"glass_heat,omitempty"`
	ImuDataEn       *uint8           `json:"imu_data_en,omitempty"`
	FusaEn          *uint8           `json:"fusa_en,omitempty"`

	SN              *string    `json:"sn,omitempty"`
	ProductInfo     *string    `json:"product_info,omitempty"`
	VersionApp      *[4]uint8  `json:"version_app,omitempty"`
	VersionLoader   *[4]uint8  `json:"version_loader,omitempty"`
	VersionHardware *[4]uint8  `json:"version_hardware,omitempty"`
	Mac             *[6]uint8  `json:"mac,omitempty"`
	CurWorkState    *uint8     `json:"cur_work_state,omitempty"`
	CoreTemp        *int32     `json:"core_temp,omitempty"`
	PowerUpCnt      *uint32    `json:"powerup_cnt,omitempty"`
	LocalTimeNow    *uint64    `json:"local_time_now,omitempty"`
	LastSyncTime    *uint64    `json:"last_sync_time,omitempty"`
	TimeOffset      *int64     `json:"time_offset,omitempty"`
	TimeSyncType    *uint8     `json:"time_sync_type,omitempty"`
	StatusCode      *string    `json:"status_code,omitempty"`
	LidarDiagStatus *uint16    `json:"lidar_diag_status,omitempty"`
	LidarFlashStatus *uint8    `json:"lidar_flash_status,omitempty"`
	FwType          *uint8     `json:"FW_TYPE,omitempty"`
	HmsCode         *[8]uint32 `json:"hms_code,omitempty"`
	RoiMode         *uint8     `json:"ROI_Mode,omitempty"`
}

// LidarIPConfig is the device's own address configuration.
type LidarIPConfig struct {
	IP      string `json:"ip"`
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway"`
}

// HostIPConfig is one telemetry stream's host endpoint: destination
// address and port, plus the device-side source port.
type HostIPConfig struct {
	IP      string `json:"ip"`
	DstPort uint16 `json:"dst_port"`
	SrcPort uint16 `json:"src_port"`
}

// InstallAttitude is the mounting pose of the sensor.
type InstallAttitude struct {
	RollDeg  float32 `json:"roll_deg"`
	PitchDeg float32 `json:"pitch_deg"`
	YawDeg   float32 `json:"yaw_deg"`
	XMm      uint32  `json:"x_mm"`
	YMm      uint32  `json:"y_mm"`
	ZMm      uint32  `json:"z_mm"`
}

// FovConfig is one field-of-view window in hundredths of a degree.
type FovConfig struct {
	YawStart   int32 `json:"yaw_start"`
	YawStop    int32 `json:"yaw_stop"`
	PitchStart int32 `json:"pitch_start"`
	PitchStop  int32 `json:"pitch_stop"`
}

// FuncIOConfig is the function-IO pin assignment.
type FuncIOConfig struct {
	IN0  uint8 `json:"IN0"`
	IN1  uint8 `json:"IN1"`
	OUT0 uint8 `json:"OUT0"`
	OUT1 uint8 `json:"OUT1"`
}

// JSON renders the record as a single flat JSON object with stable keys.
func (s *StateInfo) JSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseStateInfo decodes a push-state parameter payload. Unknown keys
// advance by their declared length and are otherwise ignored; known keys
// whose value is shorter than its type are skipped the same way rather
// than failing the message.
func ParseStateInfo(payload []byte) (*StateInfo, error) {
	kvs, err := protocol.ParseKeyValues(payload)
	if err != nil {
		return nil, err
	}

	info := &StateInfo{}
	for _, kv := range kvs {
		parseStateKV(info, kv)
	}
	return info, nil
}

func parseStateKV(info *StateInfo, kv protocol.KV) {
	v := kv.Value
	switch kv.Key {
	case protocol.KeyPclDataType:
		info.PclDataType = u8(v)
	case protocol.KeyPatternMode:
		info.PatternMode = u8(v)
	case protocol.KeyDualEmitEn:
		info.DualEmitEn = u8(v)
	case protocol.KeyPointSendEn:
		info.PointSendEn = u8(v)
	case protocol.KeyLidarIPCfg:
		if len(v) >= 12 {
			info.LidarIPCfg = &LidarIPConfig{
				IP:      dottedQuad(v[0:4]),
				Subnet:  dottedQuad(v[4:8]),
				Gateway: dottedQuad(v[8:12]),
			}
		}
	case protocol.KeyStateInfoHostIPCfg:
		info.StateInfoHostIPCfg = hostIPCfg(v)
	case protocol.KeyPointDataHostIPCfg:
		info.PointcloudHostIPCfg = hostIPCfg(v)
	case protocol.KeyImuDataHostIPCfg:
		info.ImuHostIPCfg = hostIPCfg(v)
	case protocol.KeyCtlHostIPCfg:
		info.CtlHostIPCfg = hostIPCfg(v)
	case protocol.KeyLogHostIPCfg:
		info.LogHostIPCfg = hostIPCfg(v)
	case protocol.KeyVehicleSpeed:
		info.VehicleSpeed = i32(v)
	case protocol.KeyEnvironmentTemp:
		info.EnvironmentTemp = i32(v)
	case protocol.KeyInstallAttitude:
		if len(v) >= 24 {
			info.InstallAttitude = &InstallAttitude{
				RollDeg:  f32(v[0:]),
				PitchDeg: f32(v[4:]),
				YawDeg:   f32(v[8:]),
				XMm:      binary.LittleEndian.Uint32(v[12:]),
				YMm:      binary.LittleEndian.Uint32(v[16:]),
				ZMm:      binary.LittleEndian.Uint32(v[20:]),
			}
		}
	case protocol.KeyBlindSpotSet:
		info.BlindSpotSet = u32(v)
	case protocol.KeyFrameRate:
		info.FrameRate = u8(v)
	case protocol.KeyFovCfg0:
		info.FovCfg0 = fovCfg(v)
	case protocol.KeyFovCfg1:
		info.FovCfg1 = fovCfg(v)
	case protocol.KeyFovCfgEn:
		info.FovCfgEn = u8(v)
	case protocol.KeyDetectMode:
		info.DetectMode = u8(v)
	case protocol.KeyFuncIOCfg:
		if len(v) >= 4 {
			info.FuncIOCfg = &FuncIOConfig{IN0: v[0], IN1: v[1], OUT0: v[2], OUT1: v[3]}
		}
	case protocol.KeyWorkMode:
		info.WorkTgtMode = u8(v)
	case protocol.KeyGlassHeat:
		info.GlassHeat = u8(v)
	case protocol.KeyImuDataEn:
		info.ImuDataEn = u8(v)
	case protocol.KeyFusaEn:
		info.FusaEn = u8(v)
	case protocol.KeySN:
		info.SN = cString(v)
	case protocol.KeyProductInfo:
		info.ProductInfo = cString(v)
	case protocol.KeyVersionApp:
		info.VersionApp = quad(v)
	case protocol.KeyVersionLoader:
		info.VersionLoader = quad(v)
	case protocol.KeyVersionHardware:
		info.VersionHardware = quad(v)
	case protocol.KeyMac:
		if len(v) >= 6 {
			var mac [6]uint8
			copy(mac[:], v)
			info.Mac = &mac
		}
	case protocol.KeyCurWorkState:
		info.CurWorkState = u8(v)
	case protocol.KeyCoreTemp:
		info.CoreTemp = i32(v)
	case protocol.KeyPowerUpCnt:
		info.PowerUpCnt = u32(v)
	case protocol.KeyLocalTimeNow:
		info.LocalTimeNow = u64(v)
	case protocol.KeyLastSyncTime:
		info.LastSyncTime = u64(v)
	case protocol.KeyTimeOffset:
		if p := u64(v); p != nil {
			off := int64(*p)
			info.TimeOffset = &off
		}
	case protocol.KeyTimeSyncType:
		info.TimeSyncType = u8(v)
	case protocol.KeyStatusCode:
		if len(v) >= 32 {
			s := statusCodeString(v[:32])
			info.StatusCode = &s
		}
	case protocol.KeyLidarDiagStatus:
		if len(v) >= 2 {
			d := binary.LittleEndian.Uint16(v)
			info.LidarDiagStatus = &d
		}
	case protocol.KeyLidarFlashStatus:
		info.LidarFlashStatus = u8(v)
	case protocol.KeyFwType:
		info.FwType = u8(v)
	case protocol.KeyHmsCode:
		if len(v) >= 32 {
			var hms [8]uint32
			for i := range hms {
				hms[i] = binary.LittleEndian.Uint32(v[i*4:])
			}
			info.HmsCode = &hms
		}
	case protocol.KeyRoiMode:
		info.RoiMode = u8(v)
	}
}

func u8(v []byte) *uint8 {
	if len(v) < 1 {
		return nil
	}
	b := v[0]
	return &b
}

func u32(v []byte) *uint32 {
	if len(v) < 4 {
		return nil
	}
	u := binary.LittleEndian.Uint32(v)
	return &u
}

func u64(v []byte) *uint64 {
	if len(v) < 8 {
		return nil
	}
	u := binary.LittleEndian.Uint64(v)
	return &u
}

func i32(v []byte) *int32 {
	if len(v) < 4 {
		return nil
	}
	i := int32(binary.LittleEndian.Uint32(v))
	return &i
}

func f32(v []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(v))
}

func quad(v []byte) *[4]uint8 {
	if len(v) < 4 {
		return nil
	}
	var q [4]uint8
	copy(q[:], v)
	return &q
}

func cString(v []byte) *string {
	s := string(v)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return &s
}

func hostIPCfg(v []byte) *HostIPConfig {
	if len(v) < 8 {
		return nil
	}
	return &HostIPConfig{
		IP:      dottedQuad(v[0:4]),
		DstPort: binary.LittleEndian.Uint16(v[4:]),
		SrcPort: binary.LittleEndian.Uint16(v[6:]),
	}
}

func fovCfg(v []byte) *FovConfig {
	if len(v) < 16 {
		return nil
	}
	return &FovConfig{
		YawStart:   int32(binary.LittleEndian.Uint32(v[0:])),
		YawStop:    int32(binary.LittleEndian.Uint32(v[4:])),
		PitchStart: int32(binary.LittleEndian.Uint32(v[8:])),
		PitchStop:  int32(binary.LittleEndian.Uint32(v[12:])),
	}
}

func dottedQuad(v []byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// statusCodeString renders the 32 status bytes most-significant first,
// matching the diagnostic format device tooling expects.
func statusCodeString(v []byte) string {
	var b strings.Builder
	for i := len(v) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%x", v[i])
		if i != 0 {
			b.WriteByte(' ')
		}
	}
	return b.String()
}
