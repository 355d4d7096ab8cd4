package protocol

// ParamKey identifies one entry of a key/value parameter list. Keys below
// 0x8000 are writable configuration; keys at 0x8000 and above are
// read-only device state.
type ParamKey uint16

const (
	KeyPclDataType        ParamKey = 0x0000
	KeyPatternMode        ParamKey = 0x0001
	KeyDualEmitEn         ParamKey = 0x0002
	KeyPointSendEn        ParamKey = 0x0003
	KeyLidarIPCfg         ParamKey = 0x0004
	KeyStateInfoHostIPCfg ParamKey = 0x0005
	KeyPointDataHostIPCfg ParamKey = 0x0006
	KeyImuDataHostIPCfg   ParamKey = 0x0007
	KeyCtlHostIPCfg       ParamKey = 0x0008
	KeyLogHostIPCfg       ParamKey = 0x0009
	KeyVehicleSpeed       ParamKey = 0x0010
	KeyEnvironmentTemp    ParamKey = 0x0011
	KeyInstallAttitude    ParamKey = 0x0012
	KeyBlindSpotSet       ParamKey = 0x0013
	KeyFrameRate          ParamKey = 0x0014
	KeyFovCfg0            ParamKey = 0x0015
	KeyFovCfg1            ParamKey = 0x0016
	KeyFovCfgEn           ParamKey = 0x0017
	KeyDetectMode         ParamKey = 0x0018
	KeyFuncIOCfg          ParamKey = 0x0019
	KeyWorkMode           ParamKey = 0x001A
	KeyGlassHeat          ParamKey = 0x001B
	KeyImuDataEn          ParamKey = 0x001C
	KeyFusaEn             ParamKey = 0x001D
	KeyForceHeatEn        ParamKey = 0x001E

	KeySN                ParamKey = 0x8000
	KeyProductInfo       ParamKey = 0x8001
	KeyVersionApp        ParamKey = 0x8002
	KeyVersionLoader     ParamKey = 0x8003
	KeyVersionHardware   ParamKey = 0x8004
	KeyMac               ParamKey = 0x8005
	KeyCurWorkState      ParamKey = 0x8006
	KeyCoreTemp          ParamKey = 0x8007
	KeyPowerUpCnt        ParamKey = 0x8008
	KeyLocalTimeNow      ParamKey = 0x8009
	KeyLastSyncTime      ParamKey = 0x800A
	KeyTimeOffset        ParamKey = 0x800B
	KeyTimeSyncType      ParamKey = 0x800C
	KeyStatusCode        ParamKey = 0x800D
	KeyLidarDiagStatus   ParamKey = 0x800E
	KeyLidarFlashStatus  ParamKey = 0x800F
	KeyFwType            ParamKey = 0x8010
	KeyHmsCode           ParamKey = 0x8011
	KeyCurGlassHeatState ParamKey = 0x8012

	KeyRoiMode ParamKey = 0xFFFE
)
