package protocol

// CommandID identifies the operation a frame carries.
type CommandID uint16

const (
	// CmdSearch is the broadcast detection request; devices answer with a
	// detection reply on the same port.
	CmdSearch CommandID = 0x0000

	CmdWorkModeControl  CommandID = 0x0100
	CmdGetInternalInfo  CommandID = 0x0101
	CmdPushMsg          CommandID = 0x0102

	CmdReboot      CommandID = 0x0200
	CmdReset       CommandID = 0x0201
	CmdRmcSyncTime CommandID = 0x0202

	CmdPushLog                CommandID = 0x0300
	CmdCollectLog             CommandID = 0x0301
	CmdDebugPointCloudControl CommandID = 0x0303

	CmdStartUpgrade         CommandID = 0x0400
	CmdXferFirmware         CommandID = 0x0401
	CmdCompleteXferFirmware CommandID = 0x0402
	CmdGetUpgradeProgress   CommandID = 0x0403
	CmdRequestFirmwareInfo  CommandID = 0x00FF
)
