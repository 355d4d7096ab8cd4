package device

import (
	"fmt"
	"net"

	"github.com/banshee-data/lidarhost/internal/lidar"
)

// SendCommandData implements command.Transport: the datagram goes out of
// the family's host command socket toward the device's port. A missing
// socket is an error — there is no detection-socket fallback.
func (m *Manager) SendCommandData(handle lidar.Handle, port uint16, datagram []byte) error {
	return m.sendVia(handle, port, datagram, func(host HostPorts) uint16 { return host.CmdPort })
}

// SendLoggerData implements command.Transport for the log plane.
func (m *Manager) SendLoggerData(handle lidar.Handle, port uint16, datagram []byte) error {
	return m.sendVia(handle, port, datagram, func(host HostPorts) uint16 { return host.LogPort })
}

func (m *Manager) sendVia(handle lidar.Handle, devicePort uint16, datagram []byte, hostPort func(HostPorts) uint16) error {
	devType, ok := m.client.DeviceType(handle)
	if !ok {
		return fmt.Errorf("device: %s: %w", handle, ErrChannelMissing)
	}
	fs, ok := m.familyFor(devType)
	if !ok {
		return fmt.Errorf("device: %s has no family setup: %w", handle, ErrChannelMissing)
	}

	sock, ok := m.fleet.Lookup(fs.Host.IP, hostPort(fs.Host))
	if !ok {
		return fmt.Errorf("device: %s host socket %s:%d not open: %w", handle, fs.Host.IP, hostPort(fs.Host), ErrChannelMissing)
	}

	dst := &net.UDPAddr{IP: handle.IP(), Port: int(devicePort)}

	// Sockets are single-writer; concurrent sends serialise here.
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if _, err := sock.WriteToUDP(datagram, dst); err != nil {
		return fmt.Errorf("device: send to %s:%d failed: %w", handle, devicePort, err)
	}
	return nil
}
