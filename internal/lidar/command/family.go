package command

import (
	"net"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
)

// DevicePorts is the port layout of one family, device side. Values come
// from configuration; the constants below are only the documented
// defaults and never leak into protocol logic.
type DevicePorts struct {
	Cmd        uint16
	Push       uint16
	Point      uint16
	Imu        uint16
	Log        uint16
	DebugCloud uint16
}

// Default device-side port layouts (overridable by configuration).
var (
	DefaultHAPPorts = DevicePorts{
		Cmd: 56000, Push: 56000, Point: 57000, Imu: 58000, Log: 59000, DebugCloud: 60000,
	}
	DefaultMid360Ports = DevicePorts{
		Cmd: 56100, Push: 56200, Point: 56300, Imu: 56400, Log: 56500, DebugCloud: 60301,
	}
)

// HostEndpoints is what first-time configuration pushes to a device: the
// host address and the host-side ports each telemetry stream should
// target.
type HostEndpoints struct {
	IP        net.IP
	PushPort  uint16
	PointPort uint16
	ImuPort   uint16
	LogPort   uint16
}

// Family captures the per-family quirks of the command plane: which
// device ports it speaks to, which keys first-time configuration writes,
// and which keys an internal-info query reads.
type Family interface {
	// DevType identifies the family.
	DevType() lidar.DeviceType

	// Ports returns the device-side port layout.
	Ports() DevicePorts

	// BuildHostConfig builds the WorkModeControl parameter payload that
	// points the device's telemetry streams at this host.
	BuildHostConfig(host HostEndpoints) []byte

	// QueryKeys returns the internal-info key set for this family.
	QueryKeys() []protocol.ParamKey
}

func hostIPValue(ip net.IP, hostPort, devicePort uint16) []byte {
	v := make([]byte, 8)
	if v4 := ip.To4(); v4 != nil {
		copy(v, v4)
	}
	v[4] = byte(hostPort)
	v[5] = byte(hostPort >> 8)
	v[6] = byte(devicePort)
	v[7] = byte(devicePort >> 8)
	return v
}

// HAPFamily is family A: command and push share the device command port,
// and configuration writes the point, IMU and log host endpoints.
type HAPFamily struct {
	ports DevicePorts
}

// NewHAPFamily creates the HAP family handler with the given device-side
// ports.
func NewHAPFamily(ports DevicePorts) *HAPFamily {
	return &HAPFamily{ports: ports}
}

// DevType identifies the family.
func (f *HAPFamily) DevType() lidar.DeviceType { return lidar.DeviceTypeHAP }

// Ports returns the device-side port layout.
func (f *HAPFamily) Ports() DevicePorts { return f.ports }

// BuildHostConfig writes the host endpoints for the point, IMU and log
// streams.
func (f *HAPFamily) BuildHostConfig(host HostEndpoints) []byte {
	return protocol.PackKeyValues([]protocol.KV{
		{Key: protocol.KeyPointDataHostIPCfg, Value: hostIPValue(host.IP, host.PointPort, f.ports.Point)},
		{Key: protocol.KeyImuDataHostIPCfg, Value: hostIPValue(host.IP, host.ImuPort, f.ports.Imu)},
		{Key: protocol.KeyLogHostIPCfg, Value: hostIPValue(host.IP, host.LogPort, f.ports.Log)},
	})
}

// QueryKeys returns the HAP internal-info key set.
func (f *HAPFamily) QueryKeys() []protocol.ParamKey {
	return []protocol.ParamKey{
		protocol.KeyPclDataType,
		protocol.KeyPatternMode,
		protocol.KeyDualEmitEn,
		protocol.KeyPointSendEn,
		protocol.KeyLidarIPCfg,
		protocol.KeyPointDataHostIPCfg,
		protocol.KeyImuDataHostIPCfg,
		protocol.KeyLogHostIPCfg,
		protocol.KeyInstallAttitude,
		protocol.KeyBlindSpotSet,
		protocol.KeyWorkMode,
		protocol.KeyGlassHeat,
		protocol.KeyImuDataEn,
		protocol.KeyFusaEn,
		protocol.KeyForceHeatEn,
		protocol.KeySN,
		protocol.KeyProductInfo,
		protocol.KeyVersionApp,
		protocol.KeyVersionLoader,
		protocol.KeyVersionHardware,
		protocol.KeyMac,
		protocol.KeyCurWorkState,
		protocol.KeyStatusCode,
		protocol.KeyLidarDiagStatus,
		protocol.KeyLidarFlashStatus,
		protocol.KeyFwType,
		protocol.KeyCurGlassHeatState,
	}
}

// Mid360Family is family B: separate command/push/log ports, and
// configuration additionally pins the state-info push destination.
type Mid360Family struct {
	ports DevicePorts
}

// NewMid360Family creates the Mid-360 family handler with the given
// device-side ports.
func NewMid360Family(ports DevicePorts) *Mid360Family {
	return &Mid360Family{ports: ports}
}

// DevType identifies the family.
func (f *Mid360Family) DevType() lidar.DeviceType { return lidar.DeviceTypeMid360 }

// Ports returns the device-side port layout.
func (f *Mid360Family) Ports() DevicePorts { return f.ports }

// BuildHostConfig writes the host endpoints for the state-info, point,
// IMU and log streams.
func (f *Mid360Family) BuildHostConfig(host HostEndpoints) []byte {
	return protocol.PackKeyValues([]protocol.KV{
		{Key: protocol.KeyStateInfoHostIPCfg, Value: hostIPValue(host.IP, host.PushPort, f.ports.Push)},
		{Key: protocol.KeyPointDataHostIPCfg, Value: hostIPValue(host.IP, host.PointPort, f.ports.Point)},
		{Key: protocol.KeyImuDataHostIPCfg, Value: hostIPValue(host.IP, host.ImuPort, f.ports.Imu)},
		{Key: protocol.KeyLogHostIPCfg, Value: hostIPValue(host.IP, host.LogPort, f.ports.Log)},
	})
}

// QueryKeys returns the Mid-360 internal-info key set.
func (f *Mid360Family) QueryKeys() []protocol.ParamKey {
	return []protocol.ParamKey{
		protocol.KeyPclDataType,
		protocol.KeyPatternMode,
		protocol.KeyLidarIPCfg,
		protocol.KeyStateInfoHostIPCfg,
		protocol.KeyPointDataHostIPCfg,
		protocol.KeyImuDataHostIPCfg,
		protocol.KeyInstallAttitude,
		protocol.KeyFovCfg0,
		protocol.KeyFovCfg1,
		protocol.KeyFovCfgEn,
		protocol.KeyDetectMode,
		protocol.KeyFuncIOCfg,
		protocol.KeyWorkMode,
		protocol.KeyImuDataEn,
		protocol.KeySN,
		protocol.KeyProductInfo,
		protocol.KeyVersionApp,
		protocol.KeyVersionLoader,
		protocol.KeyVersionHardware,
		protocol.KeyMac,
		protocol.KeyCurWorkState,
		protocol.KeyCoreTemp,
		protocol.KeyPowerUpCnt,
		protocol.KeyLocalTimeNow,
		protocol.KeyLastSyncTime,
		protocol.KeyTimeOffset,
		protocol.KeyTimeSyncType,
		protocol.KeyLidarDiagStatus,
		protocol.KeyFwType,
		protocol.KeyHmsCode,
	}
}
