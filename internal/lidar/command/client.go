package command

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
	"github.com/banshee-data/lidarhost/internal/monitoring"
	"github.com/banshee-data/lidarhost/internal/timeutil"
)

// Transport moves framed datagrams toward a device. Implemented by the
// device manager, which owns the sockets. There is deliberately no
// fallback path: a device without a usable outbound socket is a
// ErrChannelMissing, never a silent reroute through the detection socket.
type Transport interface {
	// SendCommandData sends a datagram to the device's port on the
	// command plane.
	SendCommandData(handle lidar.Handle, port uint16, datagram []byte) error

	// SendLoggerData sends a datagram to the device's port on the log
	// plane.
	SendLoggerData(handle lidar.Handle, port uint16, datagram []byte) error
}

// Send-path errors reported to the caller before or instead of an ack.
var (
	// ErrInvalidHandle means the device is not in the registry.
	ErrInvalidHandle = errors.New("command: unknown device handle")
	// ErrChannelMissing means no outbound socket exists for the device.
	ErrChannelMissing = errors.New("command: no outbound channel for device")
)

type deviceEntry struct {
	devType lidar.DeviceType
	cmdPort uint16 // command port announced in the detection reply
}

// Client is the command plane of one runtime: it frames requests, tracks
// them in the correlator, and dispatches inbound command-plane datagrams
// to acks, push-state parsing and the raw observer.
type Client struct {
	transport  Transport
	correlator *Correlator

	mu       sync.Mutex
	families map[lidar.DeviceType]Family
	devices  map[lidar.Handle]deviceEntry

	pushInfoMu sync.Mutex
	pushInfo   lidar.PushInfoFunc
	observer   lidar.CommandObserverFunc
}

// NewClient creates a command client sending through transport.
func NewClient(transport Transport, clock timeutil.Clock) *Client {
	return &Client{
		transport:  transport,
		correlator: NewCorrelator(clock),
		families:   make(map[lidar.DeviceType]Family),
		devices:    make(map[lidar.Handle]deviceEntry),
	}
}

// Correlator exposes the in-flight table for the reactor tick.
func (c *Client) Correlator() *Correlator { return c.correlator }

// RegisterFamily installs a family handler. Later registrations for the
// same device type replace earlier ones.
func (c *Client) RegisterFamily(f Family) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.families[f.DevType()] = f
}

// Family returns the handler for a device type.
func (c *Client) Family(devType lidar.DeviceType) (Family, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.families[devType]
	return f, ok
}

// SetDevice records (or refreshes) the family and command port of a
// detected device.
func (c *Client) SetDevice(handle lidar.Handle, devType lidar.DeviceType, cmdPort uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[handle] = deviceEntry{devType: devType, cmdPort: cmdPort}
}

// DeviceType looks up the family of a known device.
func (c *Client) DeviceType(handle lidar.Handle) (lidar.DeviceType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.devices[handle]
	return entry.devType, ok
}

// SetPushInfoCallback installs the push-state JSON callback.
func (c *Client) SetPushInfoCallback(cb lidar.PushInfoFunc) {
	c.pushInfoMu.Lock()
	defer c.pushInfoMu.Unlock()
	c.pushInfo = cb
}

// SetCommandObserver installs the raw command observer.
func (c *Client) SetCommandObserver(cb lidar.CommandObserverFunc) {
	c.pushInfoMu.Lock()
	defer c.pushInfoMu.Unlock()
	c.observer = cb
}

// Send issues a command with the default timeout. See SendWithTimeout.
func (c *Client) Send(handle lidar.Handle, cmdID protocol.CommandID, payload []byte, cb lidar.CommandCallback) error {
	return c.SendWithTimeout(handle, cmdID, payload, DefaultTimeout, cb)
}

// SendWithTimeout frames payload as a command, registers it in the
// in-flight table and hands it to the transport. cb fires exactly once:
// with the ack payload, with StatusTimeout at the deadline, or with
// StatusSendFailed if the datagram never left. An unknown handle, a device
// type with no family handler, or a payload too large to frame is reported
// to the caller directly and cb never fires.
func (c *Client) SendWithTimeout(handle lidar.Handle, cmdID protocol.CommandID, payload []byte, timeout time.Duration, cb lidar.CommandCallback) error {
	entry, family, err := c.lookup(handle)
	if err != nil {
		return err
	}

	port := entry.cmdPort
	if port == 0 {
		port = family.Ports().Cmd
	}
	return c.dispatch(handle, cmdID, payload, timeout, cb, port, c.transport.SendCommandData)
}

// SendLogger issues a command on the log plane (log collection control
// and PushLog acks go to the device's log port through the host log
// socket).
func (c *Client) SendLogger(handle lidar.Handle, cmdID protocol.CommandID, payload []byte, cb lidar.CommandCallback) error {
	_, family, err := c.lookup(handle)
	if err != nil {
		return err
	}
	return c.dispatch(handle, cmdID, payload, DefaultTimeout, cb, family.Ports().Log, c.transport.SendLoggerData)
}

func (c *Client) lookup(handle lidar.Handle) (deviceEntry, Family, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.devices[handle]
	if !ok {
		return deviceEntry{}, nil, ErrInvalidHandle
	}
	family, ok := c.families[entry.devType]
	if !ok {
		return deviceEntry{}, nil, fmt.Errorf("command: no family handler for device type %d", entry.devType)
	}
	return entry, family, nil
}

func (c *Client) dispatch(handle lidar.Handle, cmdID protocol.CommandID, payload []byte, timeout time.Duration, cb lidar.CommandCallback, port uint16, send func(lidar.Handle, uint16, []byte) error) error {
	seq := protocol.NextSeq()
	pkt := protocol.Packet{
		Version: protocol.Version,
		Seq:     uint32(seq),
		CmdID:   cmdID,
		CmdType: protocol.CmdTypeCmd,
		Sender:  protocol.SenderHost,
		Payload: payload,
	}
	datagram, err := pkt.Marshal()
	if err != nil {
		return err
	}

	// Register before the packet hits the socket so the ack can never
	// beat the table entry.
	c.correlator.Register(seq, handle, cmdID, timeout, cb)
	if err := send(handle, port, datagram); err != nil {
		monitoring.Logf("command: send failed, handle %s cmd %#04x: %v", handle, uint16(cmdID), err)
		c.correlator.Fail(seq, lidar.StatusSendFailed)
		return err
	}
	return nil
}

// HandleIngress processes one command-plane datagram: raw observer, then
// ack matching, then push-state dispatch. Malformed datagrams are logged
// and dropped with no state change.
func (c *Client) HandleIngress(handle lidar.Handle, srcPort uint16, buf []byte) {
	c.pushInfoMu.Lock()
	observer := c.observer
	c.pushInfoMu.Unlock()
	if observer != nil {
		observer(handle, buf)
	}

	pkt, err := protocol.Parse(buf)
	if err != nil {
		monitoring.Logf("command: dropping datagram from %s:%d: %v", handle, srcPort, err)
		return
	}

	switch {
	case pkt.CmdType == protocol.CmdTypeAck:
		if !c.correlator.Ack(uint16(pkt.Seq), handle, pkt.Payload) {
			monitoring.Logf("command: ack with no matching command, handle %s seq %d", handle, pkt.Seq)
		}

	case pkt.CmdID == protocol.CmdPushMsg:
		devType, ok := c.DeviceType(handle)
		if !ok {
			monitoring.Logf("command: push message from unknown device %s", handle)
			return
		}
		family, ok := c.Family(devType)
		if !ok || srcPort != family.Ports().Push {
			return
		}
		c.handlePushMsg(handle, devType, pkt.Payload)
	}
}

func (c *Client) handlePushMsg(handle lidar.Handle, devType lidar.DeviceType, payload []byte) {
	info, err := ParseStateInfo(payload)
	if err != nil {
		monitoring.Logf("command: bad push-state payload from %s: %v", handle, err)
		return
	}
	rendered, err := info.JSON()
	if err != nil {
		monitoring.Logf("command: rendering push-state for %s failed: %v", handle, err)
		return
	}

	c.pushInfoMu.Lock()
	cb := c.pushInfo
	c.pushInfoMu.Unlock()
	if cb != nil {
		cb(handle, devType, rendered)
	}
}

// Tick drives command timeouts. Called from the command reactor.
func (c *Client) Tick(now time.Time) {
	c.correlator.Tick(now)
}

// Close fails all in-flight commands with StatusTimeout. Idempotent.
func (c *Client) Close() {
	c.correlator.FailAll(lidar.StatusTimeout)
}
