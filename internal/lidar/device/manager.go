// Package device owns the per-sensor lifecycle: the detection broadcast,
// the registry that tracks each sensor from first reply through probing
// and configuration to ready, and the ingress dispatch that classifies
// every received datagram onto the command, telemetry, log or debug
// plane.
package device

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/command"
	"github.com/banshee-data/lidarhost/internal/lidar/network"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
	"github.com/banshee-data/lidarhost/internal/monitoring"
	"github.com/banshee-data/lidarhost/internal/timeutil"
)

const (
	// DefaultDetectionPort is the well-known detection port.
	DefaultDetectionPort = 56000
	// DefaultDebugCloudPort is the host-side debug point-cloud port.
	DefaultDebugCloudPort = 44332

	detectionInterval = time.Second
	probeRetryLimit   = 10
)

// ErrChannelMissing reports a known device with no usable outbound
// socket. Command sends fail instead of falling back to the detection
// socket, which would mix planes.
var ErrChannelMissing = errors.New("device: no outbound channel")

// HostPorts is the host-side network setup for one family.
type HostPorts struct {
	IP          string // host bind address; "local" binds all interfaces
	MulticastIP string // optional multicast group for telemetry sockets
	CmdPort     uint16
	PushPort    uint16
	PointPort   uint16
	ImuPort     uint16
	LogPort     uint16
}

// FamilySetup pairs a family handler with its host-side ports.
type FamilySetup struct {
	Family command.Family
	Host   HostPorts
}

// LogIngestor receives log-plane datagrams and device announcements.
// Implemented by the logfile manager.
type LogIngestor interface {
	AddDevice(handle lidar.Handle, devType lidar.DeviceType, sn string)
	Ingest(handle lidar.Handle, datagram []byte)
	Enabled() bool
}

// DebugCapture receives raw debug point-cloud datagrams.
// Implemented by the debug-cloud manager.
type DebugCapture interface {
	AddDevice(handle lidar.Handle, devType lidar.DeviceType, sn string)
	Ingest(handle lidar.Handle, datagram []byte)
}

// Options configures a Manager.
type Options struct {
	// HostIP is the detection-plane bind address. When it is a concrete
	// address, detection replies from other /24 segments are rejected.
	HostIP string
	// MasterSDK gates host-initiated configuration. A non-master host
	// observes devices without configuring them.
	MasterSDK bool
	// DetectionPort overrides the detection port (default 56000).
	DetectionPort uint16
	// DebugCloudPort overrides the host debug capture port.
	DebugCloudPort uint16
	Families       []FamilySetup

	Factory network.SocketFactory
	Clock   timeutil.Clock

	// Log and Debug are optional plane sinks.
	Log   LogIngestor
	Debug DebugCapture
}

type deviceState struct {
	sn            string
	lidarIP       string
	devType       lidar.DeviceType
	cmdPort       uint16
	probeResolved bool
	loaderMode    bool
	configApplied bool
	notified      bool
	probeTries    int
}

// Manager wires sockets, reactors, the command client and the registry
// into one runtime. It implements command.Transport.
type Manager struct {
	opts   Options
	client *command.Client
	router *Router

	detectionReactor *network.Reactor
	commandReactor   *network.Reactor
	dataReactor      *network.Reactor
	fleet            *network.Fleet

	detectionSock network.UDPSocket

	mu      sync.Mutex
	devices map[lidar.Handle]*deviceState

	sendMu sync.Mutex

	infoMu     sync.Mutex
	infoChange lidar.InfoChangeFunc

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a stopped manager. Call Start to bind sockets and
// begin discovery.
func NewManager(opts Options) *Manager {
	if opts.DetectionPort == 0 {
		opts.DetectionPort = DefaultDetectionPort
	}
	if opts.DebugCloudPort == 0 {
		opts.DebugCloudPort = DefaultDebugCloudPort
	}
	if opts.Factory == nil {
		opts.Factory = network.OSSocketFactory{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	m := &Manager{
		opts:             opts,
		router:           NewRouter(),
		detectionReactor: network.NewReactor("detection"),
		commandReactor:   network.NewReactor("command"),
		dataReactor:      network.NewReactor("data"),
		fleet:            network.NewFleet(opts.Factory),
		devices:          make(map[lidar.Handle]*deviceState),
		quit:             make(chan struct{}),
	}
	m.client = command.NewClient(m, opts.Clock)
	for _, fs := range opts.Families {
		m.client.RegisterFamily(fs.Family)
	}
	return m
}

// Client exposes the command plane.
func (m *Manager) Client() *command.Client { return m.client }

// Router exposes the data router.
func (m *Manager) Router() *Router { return m.router }

// SetInfoChangeCallback installs the once-per-device readiness callback.
func (m *Manager) SetInfoChangeCallback(cb lidar.InfoChangeFunc) {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	m.infoChange = cb
}

// funcDelegate adapts closures to network.Delegate.
type funcDelegate struct {
	onData func(sock network.UDPSocket, data []byte, src *net.UDPAddr)
	onTick func(now time.Time)
}

func (d funcDelegate) OnData(sock network.UDPSocket, data []byte, src *net.UDPAddr) {
	if d.onData != nil {
		d.onData(sock, data, src)
	}
}

func (d funcDelegate) OnTick(now time.Time) {
	if d.onTick != nil {
		d.onTick(now)
	}
}

// Start binds all sockets, starts the reactors and launches the
// detection broadcaster. Failure leaves the manager stopped with
// everything it had opened closed again.
func (m *Manager) Start() error {
	m.detectionReactor.Start()
	m.commandReactor.Start()
	m.dataReactor.Start()

	if err := m.bindSockets(); err != nil {
		m.Shutdown()
		return err
	}

	m.wg.Add(1)
	go m.broadcastLoop()
	m.started = true
	return nil
}

func (m *Manager) bindSockets() error {
	detectDelegate := funcDelegate{onData: m.onDetectionData}

	sock, err := m.fleet.Open(m.opts.HostIP, m.opts.DetectionPort, true, "", m.detectionReactor, detectDelegate)
	if err != nil {
		return fmt.Errorf("device: detection socket: %w", err)
	}
	m.detectionSock = sock

	// Broadcast listener alongside the unicast detection socket, unless
	// the detection socket already binds all interfaces.
	if m.opts.HostIP != "" && m.opts.HostIP != "local" {
		if _, err := m.fleet.Open("", m.opts.DetectionPort, true, "", m.detectionReactor, detectDelegate); err != nil {
			monitoring.Logf("device: broadcast listener unavailable: %v", err)
		}
	}

	cmdDelegate := funcDelegate{
		onData: m.onCommandData,
		onTick: m.client.Tick,
	}
	logDelegate := funcDelegate{onData: m.onLogData}

	for _, fs := range m.opts.Families {
		host := fs.Host
		devType := fs.Family.DevType()

		if m.opts.MasterSDK && host.CmdPort != 0 && host.CmdPort != m.opts.DetectionPort {
			if _, err := m.fleet.Open(host.IP, host.CmdPort, false, "", m.commandReactor, cmdDelegate); err != nil {
				return fmt.Errorf("device: %s command socket: %w", devType, err)
			}
		}
		if host.PushPort != 0 && host.PushPort != m.opts.DetectionPort {
			if _, err := m.fleet.Open(host.IP, host.PushPort, false, "", m.commandReactor, cmdDelegate); err != nil {
				return fmt.Errorf("device: %s push socket: %w", devType, err)
			}
		}
		if m.opts.Log != nil && m.opts.Log.Enabled() && host.LogPort != 0 {
			if _, err := m.fleet.Open(host.IP, host.LogPort, false, "", m.commandReactor, logDelegate); err != nil {
				return fmt.Errorf("device: %s log socket: %w", devType, err)
			}
		}
		if host.PointPort != 0 {
			pointDelegate := funcDelegate{onData: m.dataHandler(devType, m.router.DispatchPointCloud)}
			if _, err := m.fleet.Open(host.IP, host.PointPort, false, host.MulticastIP, m.dataReactor, pointDelegate); err != nil {
				return fmt.Errorf("device: %s point socket: %w", devType, err)
			}
		}
		if host.ImuPort != 0 {
			imuDelegate := funcDelegate{onData: m.dataHandler(devType, m.router.DispatchIMU)}
			if _, err := m.fleet.Open(host.IP, host.ImuPort, false, host.MulticastIP, m.dataReactor, imuDelegate); err != nil {
				return fmt.Errorf("device: %s imu socket: %w", devType, err)
			}
		}
	}

	if m.opts.Debug != nil {
		debugDelegate := funcDelegate{onData: m.onDebugData}
		hostIP := ""
		if len(m.opts.Families) > 0 {
			hostIP = m.opts.Families[0].Host.IP
		}
		if _, err := m.fleet.Open(hostIP, m.opts.DebugCloudPort, false, "", m.dataReactor, debugDelegate); err != nil {
			return fmt.Errorf("device: debug point-cloud socket: %w", err)
		}
	}
	return nil
}

// Shutdown stops discovery, fails in-flight commands, detaches and
// closes every socket and joins the reactor goroutines. Idempotent.
func (m *Manager) Shutdown() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	m.wg.Wait()

	m.client.Close()
	m.fleet.CloseAll()
	m.detectionReactor.Stop()
	m.commandReactor.Stop()
	m.dataReactor.Stop()
	m.started = false
}

// broadcastLoop sends one Search broadcast per second.
func (m *Manager) broadcastLoop() {
	defer m.wg.Done()
	ticker := m.opts.Clock.NewTicker(detectionInterval)
	defer ticker.Stop()

	m.broadcastSearch()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C():
			m.broadcastSearch()
		}
	}
}

func (m *Manager) broadcastSearch() {
	pkt := protocol.Packet{
		Version: protocol.Version,
		Seq:     uint32(protocol.NextSeq()),
		CmdID:   protocol.CmdSearch,
		CmdType: protocol.CmdTypeCmd,
		Sender:  protocol.SenderHost,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return
	}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: int(m.opts.DetectionPort)}
	if _, err := m.detectionSock.WriteToUDP(buf, dst); err != nil {
		monitoring.Logf("device: detection broadcast failed: %v", err)
	}
}
