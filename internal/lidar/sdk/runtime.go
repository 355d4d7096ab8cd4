// Package sdk assembles the host runtime: configuration in, a running
// set of reactors, sockets, device lifecycle, log ingest and capture
// sinks out, plus the user-facing command surface.
package sdk

import (
	"fmt"
	"net"
	"sync"

	"github.com/banshee-data/lidarhost/internal/fsutil"
	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/command"
	"github.com/banshee-data/lidarhost/internal/lidar/config"
	"github.com/banshee-data/lidarhost/internal/lidar/debugcloud"
	"github.com/banshee-data/lidarhost/internal/lidar/device"
	"github.com/banshee-data/lidarhost/internal/lidar/logfile"
	"github.com/banshee-data/lidarhost/internal/lidar/network"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
	"github.com/banshee-data/lidarhost/internal/lidar/upgrade"
	"github.com/banshee-data/lidarhost/internal/timeutil"
)

// Option adjusts runtime construction; used by tests to inject fakes.
type Option func(*Runtime)

// WithSocketFactory substitutes socket creation.
func WithSocketFactory(f network.SocketFactory) Option {
	return func(r *Runtime) { r.factory = f }
}

// WithClock substitutes the time source.
func WithClock(c timeutil.Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

// WithFileSystem substitutes the filesystem used by log ingest and
// capture sinks.
func WithFileSystem(fs fsutil.FileSystem) Option {
	return func(r *Runtime) { r.fs = fs }
}

// Runtime is one live instance of the host SDK. It owns every thread and
// socket it starts; Shutdown returns only after all of them are gone,
// and a fresh Runtime can be built immediately afterwards.
type Runtime struct {
	cfg     *config.Config
	factory network.SocketFactory
	clock   timeutil.Clock
	fs      fsutil.FileSystem

	manager  *device.Manager
	logMgr   *logfile.Manager
	debugMgr *debugcloud.Manager

	mu        sync.Mutex
	upgraders map[lidar.Handle]*upgrade.Upgrader
	started   bool
}

// New builds a stopped runtime from configuration.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:       cfg,
		factory:   network.OSSocketFactory{},
		clock:     timeutil.RealClock{},
		fs:        fsutil.OSFileSystem{},
		upgraders: make(map[lidar.Handle]*upgrade.Upgrader),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logMgr = logfile.NewManager(logfile.Config{
		Enable:      cfg.LidarLogEnable,
		CacheSizeMB: cfg.LidarLogCacheSizeMB,
		RootPath:    cfg.LidarLogPath,
		FS:          r.fs,
		Clock:       r.clock,
	})
	r.debugMgr = debugcloud.NewManager(r.fs, r.clock, cfg.LidarLogPath)

	families, err := familySetups(cfg)
	if err != nil {
		return nil, err
	}

	r.manager = device.NewManager(device.Options{
		HostIP:    cfg.HostIP(),
		MasterSDK: cfg.MasterSDK,
		Families:  families,
		Factory:   r.factory,
		Clock:     r.clock,
		Log:       r.logMgr,
		Debug:     r.debugMgr,
	})
	r.logMgr.AttachClient(r.manager.Client())
	return r, nil
}

// NewFromFile loads the configuration file and builds a runtime.
func NewFromFile(path string, opts ...Option) (*Runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

func familySetups(cfg *config.Config) ([]device.FamilySetup, error) {
	var out []device.FamilySetup
	for _, fam := range cfg.Families {
		if len(fam.Hosts) == 0 {
			return nil, fmt.Errorf("sdk: family %s has no host_net_info", fam.Tag)
		}
		host := fam.Hosts[0]

		ports := command.DevicePorts{
			Cmd:   fam.LidarNet.CmdDataPort,
			Push:  fam.LidarNet.PushMsgPort,
			Point: fam.LidarNet.PointDataPort,
			Imu:   fam.LidarNet.ImuDataPort,
			Log:   fam.LidarNet.LogDataPort,
		}

		var handler command.Family
		switch fam.Tag {
		case config.FamilyHAP:
			ports.DebugCloud = command.DefaultHAPPorts.DebugCloud
			handler = command.NewHAPFamily(ports)
		case config.FamilyMid360:
			ports.DebugCloud = command.DefaultMid360Ports.DebugCloud
			handler = command.NewMid360Family(ports)
		default:
			return nil, fmt.Errorf("sdk: unknown family tag %q", fam.Tag)
		}

		out = append(out, device.FamilySetup{
			Family: handler,
			Host: device.HostPorts{
				IP:          host.IP(),
				MulticastIP: host.MulticastIP,
				CmdPort:     host.CmdDataPort,
				PushPort:    host.PushMsgPort,
				PointPort:   host.PointDataPort,
				ImuPort:     host.ImuDataPort,
				LogPort:     host.LogDataPort,
			},
		})
	}
	return out, nil
}

// Start initialises log ingest and brings the network up. It fails
// cleanly: on error nothing keeps running.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if err := r.logMgr.Init(); err != nil {
		return err
	}
	if err := r.manager.Start(); err != nil {
		r.logMgr.Shutdown()
		return err
	}
	r.started = true
	return nil
}

// Shutdown stops everything: discovery, reactors, sockets, writers and
// sinks. Safe to call repeatedly; a stopped runtime stays stopped.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	r.logMgr.Shutdown()
	r.debugMgr.Shutdown()
	r.manager.Shutdown()
}

// SetInfoChangeCallback installs the once-per-device readiness callback.
func (r *Runtime) SetInfoChangeCallback(cb lidar.InfoChangeFunc) {
	r.manager.SetInfoChangeCallback(cb)
}

// SetPushInfoCallback installs the push-state JSON callback.
func (r *Runtime) SetPushInfoCallback(cb lidar.PushInfoFunc) {
	r.manager.Client().SetPushInfoCallback(cb)
}

// SetPointCloudCallback installs the point-cloud sink for one family.
func (r *Runtime) SetPointCloudCallback(devType lidar.DeviceType, cb lidar.DataFunc) {
	r.manager.Router().SetPointCloudCallback(devType, cb)
}

// SetIMUCallback installs the IMU sink for one family.
func (r *Runtime) SetIMUCallback(devType lidar.DeviceType, cb lidar.DataFunc) {
	r.manager.Router().SetIMUCallback(devType, cb)
}

// AddPointCloudObserver registers an extra point-cloud sink; the
// returned ID removes it.
func (r *Runtime) AddPointCloudObserver(cb lidar.DataFunc) string {
	return r.manager.Router().AddPointCloudObserver(cb)
}

// RemovePointCloudObserver removes a point-cloud observer.
func (r *Runtime) RemovePointCloudObserver(id string) {
	r.manager.Router().RemovePointCloudObserver(id)
}

// SetCommandObserver installs the raw command-plane observer.
func (r *Runtime) SetCommandObserver(cb lidar.CommandObserverFunc) {
	r.manager.Client().SetCommandObserver(cb)
}

// SetWorkMode asks a device to enter the given working mode.
func (r *Runtime) SetWorkMode(handle lidar.Handle, mode uint8, cb lidar.CommandCallback) error {
	payload := protocol.PackKeyValues([]protocol.KV{
		{Key: protocol.KeyWorkMode, Value: []byte{mode}},
	})
	return r.manager.Client().Send(handle, protocol.CmdWorkModeControl, payload, cb)
}

// Reboot restarts a device after delayMS milliseconds.
func (r *Runtime) Reboot(handle lidar.Handle, delayMS uint16, cb lidar.CommandCallback) error {
	return r.manager.Client().Send(handle, protocol.CmdReboot, command.BuildRebootRequest(delayMS), cb)
}

// Reset restores a device to factory configuration.
func (r *Runtime) Reset(handle lidar.Handle, cb lidar.CommandCallback) error {
	sn, ok := r.manager.DeviceSN(handle)
	if !ok {
		return command.ErrInvalidHandle
	}
	return r.manager.Client().Send(handle, protocol.CmdReset, command.BuildResetRequest(sn), cb)
}

// RmcSyncTime feeds a device the UTC time recovered from an RMC
// sentence, in nanoseconds.
func (r *Runtime) RmcSyncTime(handle lidar.Handle, utcNanos uint64, cb lidar.CommandCallback) error {
	return r.manager.Client().Send(handle, protocol.CmdRmcSyncTime, command.BuildRmcSyncTimeRequest(utcNanos), cb)
}

// QueryInternalInfo reads the device's family-specific state key set.
func (r *Runtime) QueryInternalInfo(handle lidar.Handle, cb lidar.CommandCallback) error {
	devType, ok := r.manager.Client().DeviceType(handle)
	if !ok {
		return command.ErrInvalidHandle
	}
	family, ok := r.manager.Client().Family(devType)
	if !ok {
		return fmt.Errorf("sdk: no family handler for %s", devType)
	}
	payload := protocol.PackKeyQuery(family.QueryKeys())
	return r.manager.Client().Send(handle, protocol.CmdGetInternalInfo, payload, cb)
}

// RequestFirmwareInfo reads the device's firmware description string.
func (r *Runtime) RequestFirmwareInfo(handle lidar.Handle, cb lidar.CommandCallback) error {
	return r.manager.Client().Send(handle, protocol.CmdRequestFirmwareInfo, nil, cb)
}

// EnableLogCollection asks a device to start pushing a log stream.
func (r *Runtime) EnableLogCollection(handle lidar.Handle, logType lidar.LogType, cb lidar.CommandCallback) error {
	return r.logMgr.StartLogger(handle, logType, cb)
}

// DisableLogCollection asks a device to stop pushing a log stream.
func (r *Runtime) DisableLogCollection(handle lidar.Handle, logType lidar.LogType, cb lidar.CommandCallback) error {
	return r.logMgr.StopLogger(handle, logType, cb)
}

// SetDebugPointCloud turns raw point-cloud capture for a device on or
// off. The capture file opens when the device acks the request.
func (r *Runtime) SetDebugPointCloud(handle lidar.Handle, enable bool, cb lidar.CommandCallback) error {
	hostIP := net.ParseIP(r.cfg.HostIP())
	if hostIP == nil || hostIP.To4() == nil {
		return fmt.Errorf("sdk: debug capture needs a concrete host ip, have %q", r.cfg.HostIP())
	}
	var ip [4]byte
	copy(ip[:], hostIP.To4())

	payload := command.BuildDebugPointCloudRequest(enable, ip, device.DefaultDebugCloudPort, 0)
	return r.manager.Client().Send(handle, protocol.CmdDebugPointCloudControl, payload,
		func(status lidar.Status, h lidar.Handle, ack []byte) {
			if status == lidar.StatusSuccess && len(ack) > 0 && ack[0] == 0 {
				if err := r.debugMgr.Enable(handle, enable); err != nil {
					// Device accepted but the local sink could not open.
					status = lidar.StatusSendFailed
				}
			}
			if cb != nil {
				cb(status, h, ack)
			}
		})
}

// UpgradeDevice starts a firmware upgrade and returns its driver. The
// returned upgrader reports progress to cb and signals completion on
// Done().
func (r *Runtime) UpgradeDevice(handle lidar.Handle, fw upgrade.Firmware, cb upgrade.ProgressFunc) (*upgrade.Upgrader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.upgraders[handle]; ok {
		select {
		case <-u.Done():
			// Finished; replaceable.
		default:
			return nil, fmt.Errorf("sdk: upgrade already running for %s", handle)
		}
	}

	u := upgrade.New(r.manager.Client(), r.clock, handle, fw)
	if cb != nil {
		u.SetProgressObserver(cb)
	}
	r.upgraders[handle] = u
	u.Start()
	return u, nil
}
