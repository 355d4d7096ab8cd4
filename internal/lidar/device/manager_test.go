package device

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/command"
	"github.com/banshee-data/lidarhost/internal/lidar/network"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
)

const (
	testHostIP  = "192.168.1.50"
	testLidarIP = "192.168.1.101"
)

func testOptions(factory *network.MockSocketFactory) Options {
	return Options{
		HostIP:    testHostIP,
		MasterSDK: true,
		Families: []FamilySetup{{
			Family: command.NewMid360Family(command.DefaultMid360Ports),
			Host: HostPorts{
				IP:        testHostIP,
				CmdPort:   56101,
				PushPort:  56201,
				PointPort: 56301,
				ImuPort:   56401,
				LogPort:   56501,
			},
		}},
		Factory: factory,
	}
}

func lidarAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(testLidarIP), Port: port}
}

func marshalPacket(t *testing.T, pkt protocol.Packet) []byte {
	t.Helper()
	buf, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func detectionReplyDatagram(t *testing.T, devType uint8) []byte {
	t.Helper()
	return marshalPacket(t, protocol.Packet{
		Seq:     1,
		CmdID:   protocol.CmdSearch,
		CmdType: protocol.CmdTypeAck,
		Sender:  protocol.SenderDevice,
		Payload: protocol.MarshalDetectionReply(protocol.DetectionReply{
			DevType: devType,
			SN:      "LD0001",
			LidarIP: net.ParseIP(testLidarIP),
			CmdPort: 56100,
		}),
	})
}

// respondOnCmdSocket emulates the device side of the command plane:
// every request sent out of the host command socket is acked according
// to its command ID. fwType selects the firmware-type probe answer.
func respondOnCmdSocket(t *testing.T, cmdSock *network.MockSocket, fwType byte, done <-chan struct{}) {
	t.Helper()
	answered := 0
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(2 * time.Millisecond):
			}
			sent := cmdSock.SentPackets()
			for ; answered < len(sent); answered++ {
				pkt, err := protocol.Parse(sent[answered].Data)
				if err != nil {
					continue
				}
				var payload []byte
				switch pkt.CmdID {
				case protocol.CmdGetInternalInfo:
					payload = command.MarshalInternalInfoResponse(0, []protocol.KV{
						{Key: protocol.KeyFwType, Value: []byte{fwType}},
					})
				case protocol.CmdWorkModeControl:
					payload = []byte{0x00, 0x00, 0x00}
				default:
					continue
				}
				cmdSock.Push(network.MockPacket{
					Data: marshalPacket(t, protocol.Packet{
						Seq:     pkt.Seq,
						CmdID:   pkt.CmdID,
						CmdType: protocol.CmdTypeAck,
						Sender:  protocol.SenderDevice,
						Payload: payload,
					}),
					Addr: lidarAddr(56100),
				})
			}
		}
	}()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDiscoveryLifecycle(t *testing.T) {
	factory := network.NewMockSocketFactory()
	m := NewManager(testOptions(factory))

	var infoCount atomic.Int32
	var mu sync.Mutex
	var lastInfo lidar.DeviceInfo
	m.SetInfoChangeCallback(func(info lidar.DeviceInfo) {
		infoCount.Add(1)
		mu.Lock()
		lastInfo = info
		mu.Unlock()
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Shutdown()

	detectSock := factory.Sockets["192.168.1.50:56000"]
	cmdSock := factory.Sockets["192.168.1.50:56101"]
	if detectSock == nil || cmdSock == nil {
		t.Fatalf("expected sockets not bound; listen calls: %v", factory.ListenCalls)
	}

	// The broadcaster sends a Search as soon as it starts.
	waitFor(t, time.Second, func() bool { return len(detectSock.SentPackets()) >= 1 })
	search, err := protocol.Parse(detectSock.SentPackets()[0].Data)
	if err != nil || search.CmdID != protocol.CmdSearch || search.CmdType != protocol.CmdTypeCmd {
		t.Fatalf("first broadcast is not a Search command: %+v err %v", search, err)
	}

	done := make(chan struct{})
	defer close(done)
	respondOnCmdSocket(t, cmdSock, 1, done) // application firmware

	// Device answers the detection broadcast, twice (replies repeat once
	// per second in the field).
	detectSock.Push(network.MockPacket{Data: detectionReplyDatagram(t, 9), Addr: lidarAddr(56000)})
	detectSock.Push(network.MockPacket{Data: detectionReplyDatagram(t, 9), Addr: lidarAddr(56000)})

	waitFor(t, 2*time.Second, func() bool { return infoCount.Load() == 1 })

	mu.Lock()
	info := lastInfo
	mu.Unlock()
	if info.Handle != 0x6501a8c0 {
		t.Errorf("handle = %#08x, want 0x6501a8c0", uint32(info.Handle))
	}
	if info.SN != "LD0001" || info.DevType != lidar.DeviceTypeMid360 || info.LoaderMode {
		t.Errorf("info = %+v", info)
	}

	// Later detection replies must not re-fire the callback.
	detectSock.Push(network.MockPacket{Data: detectionReplyDatagram(t, 9), Addr: lidarAddr(56000)})
	time.Sleep(100 * time.Millisecond)
	if infoCount.Load() != 1 {
		t.Errorf("info-change fired %d times, want exactly once", infoCount.Load())
	}

	// The probe ran before configuration.
	sent := cmdSock.SentPackets()
	if len(sent) < 2 {
		t.Fatalf("expected probe + config on command socket, got %d datagrams", len(sent))
	}
	first, _ := protocol.Parse(sent[0].Data)
	second, _ := protocol.Parse(sent[1].Data)
	if first.CmdID != protocol.CmdGetInternalInfo || second.CmdID != protocol.CmdWorkModeControl {
		t.Errorf("command order = %#04x, %#04x", uint16(first.CmdID), uint16(second.CmdID))
	}
}

func TestLoaderModeSkipsConfiguration(t *testing.T) {
	factory := network.NewMockSocketFactory()
	m := NewManager(testOptions(factory))

	var infoCount atomic.Int32
	var loader atomic.Bool
	m.SetInfoChangeCallback(func(info lidar.DeviceInfo) {
		infoCount.Add(1)
		loader.Store(info.LoaderMode)
	})

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	detectSock := factory.Sockets["192.168.1.50:56000"]
	cmdSock := factory.Sockets["192.168.1.50:56101"]

	done := make(chan struct{})
	defer close(done)
	respondOnCmdSocket(t, cmdSock, 0, done) // loader firmware

	detectSock.Push(network.MockPacket{Data: detectionReplyDatagram(t, 9), Addr: lidarAddr(56000)})

	waitFor(t, 2*time.Second, func() bool { return infoCount.Load() == 1 })
	if !loader.Load() {
		t.Error("info-change did not report loader mode")
	}

	time.Sleep(100 * time.Millisecond)
	for _, sent := range cmdSock.SentPackets() {
		pkt, err := protocol.Parse(sent.Data)
		if err == nil && pkt.CmdID == protocol.CmdWorkModeControl {
			t.Error("loader-mode device was sent a configuration request")
		}
	}
}

func TestDetectionRejectsForeignSubnet(t *testing.T) {
	factory := network.NewMockSocketFactory()
	m := NewManager(testOptions(factory))

	var infoCount atomic.Int32
	m.SetInfoChangeCallback(func(lidar.DeviceInfo) { infoCount.Add(1) })

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	detectSock := factory.Sockets["192.168.1.50:56000"]
	reply := marshalPacket(t, protocol.Packet{
		Seq:     1,
		CmdID:   protocol.CmdSearch,
		CmdType: protocol.CmdTypeAck,
		Sender:  protocol.SenderDevice,
		Payload: protocol.MarshalDetectionReply(protocol.DetectionReply{
			DevType: 9,
			SN:      "LD0002",
			LidarIP: net.ParseIP("10.5.0.1"),
			CmdPort: 56100,
		}),
	})
	detectSock.Push(network.MockPacket{Data: reply, Addr: &net.UDPAddr{IP: net.ParseIP("10.5.0.1"), Port: 56000}})

	time.Sleep(100 * time.Millisecond)
	if infoCount.Load() != 0 {
		t.Error("device on a foreign /24 was admitted")
	}
}

func TestDataGatedUntilInfoChange(t *testing.T) {
	factory := network.NewMockSocketFactory()
	m := NewManager(testOptions(factory))

	var points atomic.Int32
	m.Router().SetPointCloudCallback(lidar.DeviceTypeMid360, func(h lidar.Handle, dt lidar.DeviceType, payload []byte) {
		points.Add(1)
	})

	var notified atomic.Bool
	m.SetInfoChangeCallback(func(lidar.DeviceInfo) { notified.Store(true) })

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	pointSock := factory.Sockets["192.168.1.50:56301"]
	detectSock := factory.Sockets["192.168.1.50:56000"]
	cmdSock := factory.Sockets["192.168.1.50:56101"]

	// Point data before the device is known: dropped.
	pointSock.Push(network.MockPacket{Data: []byte{1, 2, 3}, Addr: lidarAddr(56300)})
	time.Sleep(50 * time.Millisecond)
	if points.Load() != 0 {
		t.Fatal("point data delivered before info-change")
	}

	done := make(chan struct{})
	defer close(done)
	respondOnCmdSocket(t, cmdSock, 1, done)
	detectSock.Push(network.MockPacket{Data: detectionReplyDatagram(t, 9), Addr: lidarAddr(56000)})
	waitFor(t, 2*time.Second, func() bool { return notified.Load() })

	pointSock.Push(network.MockPacket{Data: []byte{1, 2, 3}, Addr: lidarAddr(56300)})
	waitFor(t, time.Second, func() bool { return points.Load() == 1 })
}

func TestHAPCommandPlaneSharesDetectionPort(t *testing.T) {
	// Family A's command plane lives on the detection port; acks for the
	// probe and configuration arrive on the detection socket.
	factory := network.NewMockSocketFactory()
	m := NewManager(Options{
		HostIP:    testHostIP,
		MasterSDK: true,
		Families: []FamilySetup{{
			Family: command.NewHAPFamily(command.DefaultHAPPorts),
			Host: HostPorts{
				IP:        testHostIP,
				CmdPort:   56000,
				PushPort:  56000,
				PointPort: 57000,
				ImuPort:   58000,
				LogPort:   59000,
			},
		}},
		Factory: factory,
	})

	var infoCount atomic.Int32
	m.SetInfoChangeCallback(func(lidar.DeviceInfo) { infoCount.Add(1) })

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	detectSock := factory.Sockets["192.168.1.50:56000"]
	done := make(chan struct{})
	defer close(done)
	respondOnCmdSocket(t, detectSock, 1, done)

	detectSock.Push(network.MockPacket{Data: detectionReplyDatagram(t, 15), Addr: lidarAddr(56000)})

	waitFor(t, 2*time.Second, func() bool { return infoCount.Load() == 1 })
}

func TestSendToUnknownDeviceFailsWithoutFallback(t *testing.T) {
	factory := network.NewMockSocketFactory()
	m := NewManager(testOptions(factory))
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	err := m.SendCommandData(lidar.MustHandle("10.9.9.9"), 56100, []byte{0})
	if err == nil {
		t.Fatal("send to unknown device succeeded")
	}

	// Nothing went out of the detection socket besides Search broadcasts.
	for _, sent := range factory.Sockets["192.168.1.50:56000"].SentPackets() {
		pkt, err := protocol.Parse(sent.Data)
		if err != nil || pkt.CmdID != protocol.CmdSearch {
			t.Error("non-detection traffic left the detection socket")
		}
	}
}
