package device

import (
	"net"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/command"
	"github.com/banshee-data/lidarhost/internal/lidar/network"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
	"github.com/banshee-data/lidarhost/internal/monitoring"
)

func (m *Manager) handleFromAddr(src *net.UDPAddr) (lidar.Handle, bool) {
	if src == nil {
		return 0, false
	}
	h, ok := lidar.HandleFromIP(src.IP)
	if !ok {
		return 0, false
	}
	// Our own broadcasts loop back; ignore anything sourced at the host.
	if m.opts.HostIP != "" && m.opts.HostIP != "local" && src.IP.String() == m.opts.HostIP {
		return 0, false
	}
	return h, true
}

func (m *Manager) onDetectionData(sock network.UDPSocket, data []byte, src *net.UDPAddr) {
	handle, ok := m.handleFromAddr(src)
	if !ok {
		return
	}

	pkt, err := protocol.Parse(data)
	if err != nil {
		monitoring.Logf("device: dropping detection datagram from %s: %v", handle, err)
		return
	}
	if pkt.CmdID == protocol.CmdSearch {
		// Our own broadcast loops back as a Cmd; replies are Acks.
		if pkt.CmdType != protocol.CmdTypeAck {
			return
		}
		reply, err := protocol.ParseDetectionReply(pkt.Payload)
		if err != nil {
			monitoring.Logf("device: bad detection reply from %s: %v", handle, err)
			return
		}
		m.handleDetectionReply(handle, reply)
		return
	}

	// Families whose command plane shares the detection port receive
	// their acks and push messages on this socket.
	m.client.HandleIngress(handle, uint16(src.Port), data)
}

func (m *Manager) onCommandData(sock network.UDPSocket, data []byte, src *net.UDPAddr) {
	handle, ok := m.handleFromAddr(src)
	if !ok {
		return
	}
	m.client.HandleIngress(handle, uint16(src.Port), data)
}

func (m *Manager) onLogData(sock network.UDPSocket, data []byte, src *net.UDPAddr) {
	handle, ok := m.handleFromAddr(src)
	if !ok || m.opts.Log == nil {
		return
	}
	m.opts.Log.Ingest(handle, data)
}

func (m *Manager) onDebugData(sock network.UDPSocket, data []byte, src *net.UDPAddr) {
	handle, ok := m.handleFromAddr(src)
	if !ok || m.opts.Debug == nil {
		return
	}
	m.opts.Debug.Ingest(handle, data)
}

// dataHandler builds the delegate body for one telemetry socket. Data is
// only forwarded once the device's info-change callback has fired, which
// keeps the "info change strictly precedes data" ordering.
func (m *Manager) dataHandler(devType lidar.DeviceType, dispatch func(lidar.Handle, lidar.DeviceType, []byte)) func(network.UDPSocket, []byte, *net.UDPAddr) {
	return func(sock network.UDPSocket, data []byte, src *net.UDPAddr) {
		handle, ok := m.handleFromAddr(src)
		if !ok {
			return
		}
		if !m.isNotified(handle) {
			return
		}
		dispatch(handle, devType, data)
	}
}

func (m *Manager) isNotified(handle lidar.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[handle]
	return ok && dev.notified
}

func sameSubnet(hostIP string, lidarIP net.IP) bool {
	host := net.ParseIP(hostIP)
	if host == nil {
		return true // no concrete host address configured; accept
	}
	h4, l4 := host.To4(), lidarIP.To4()
	if h4 == nil || l4 == nil {
		return false
	}
	return h4[0] == l4[0] && h4[1] == l4[1] && h4[2] == l4[2]
}

func (m *Manager) familyFor(devType lidar.DeviceType) (FamilySetup, bool) {
	for _, fs := range m.opts.Families {
		if fs.Family.DevType() == devType {
			return fs, true
		}
	}
	return FamilySetup{}, false
}

func (m *Manager) handleDetectionReply(handle lidar.Handle, reply protocol.DetectionReply) {
	if reply.RetCode != 0 {
		monitoring.Logf("device: detection failed for %s, ret_code %d", handle, reply.RetCode)
		return
	}

	devType := lidar.DeviceType(reply.DevType)
	fs, ok := m.familyFor(devType)
	if !ok {
		return
	}

	if m.opts.HostIP != "" && m.opts.HostIP != "local" && !sameSubnet(m.opts.HostIP, reply.LidarIP) {
		monitoring.Logf("device: host %s and lidar %s are on different network segments", m.opts.HostIP, reply.LidarIP)
		return
	}

	if m.opts.Log != nil {
		m.opts.Log.AddDevice(handle, devType, reply.SN)
	}
	if m.opts.Debug != nil {
		m.opts.Debug.AddDevice(handle, devType, reply.SN)
	}

	m.client.SetDevice(handle, devType, reply.CmdPort)

	m.mu.Lock()
	dev, known := m.devices[handle]
	if known {
		if dev.sn != reply.SN {
			monitoring.Logf("device: lidar ip conflict at %s, sn %q vs %q; keeping first", handle, dev.sn, reply.SN)
		}
		if dev.devType != devType {
			monitoring.Logf("device: dev type conflict at %s, %d vs %d; keeping first", handle, dev.devType, devType)
		}
		needConfig := dev.probeResolved && !dev.loaderMode && !dev.configApplied && m.opts.MasterSDK
		needLoaderNotify := dev.probeResolved && dev.loaderMode && !dev.notified
		m.mu.Unlock()

		if needConfig {
			m.pushConfig(handle, fs)
		}
		if needLoaderNotify {
			m.fireInfoChange(handle)
		}
		return
	}

	dev = &deviceState{
		sn:      reply.SN,
		lidarIP: reply.LidarIP.String(),
		devType: devType,
		cmdPort: reply.CmdPort,
	}
	m.devices[handle] = dev
	m.mu.Unlock()

	monitoring.Logf("device: detected %s sn %s type %s cmd port %d", handle, reply.SN, devType, reply.CmdPort)

	if !m.opts.MasterSDK {
		// A non-master host never probes or configures; the device is
		// usable as soon as it is known.
		m.mu.Lock()
		dev.probeResolved = true
		dev.configApplied = true
		m.mu.Unlock()
		m.fireInfoChange(handle)
		return
	}

	m.probeFirmwareType(handle, fs)
}

// probeFirmwareType asks the device whether it is running loader or
// application firmware. Failures retry up to probeRetryLimit, after which
// the device is assumed to be out of loader mode and configuration
// proceeds.
func (m *Manager) probeFirmwareType(handle lidar.Handle, fs FamilySetup) {
	payload := protocol.PackKeyQuery([]protocol.ParamKey{protocol.KeyFwType})
	err := m.client.Send(handle, protocol.CmdGetInternalInfo, payload, func(status lidar.Status, h lidar.Handle, ack []byte) {
		fwType, ok := firmwareTypeFromAck(status, ack)
		if !ok {
			m.retryProbe(handle, fs)
			return
		}
		m.resolveProbe(handle, fs, fwType == 0)
	})
	if err != nil {
		m.retryProbe(handle, fs)
	}
}

func firmwareTypeFromAck(status lidar.Status, ack []byte) (uint8, bool) {
	if status != lidar.StatusSuccess {
		return 0, false
	}
	resp, err := command.ParseInternalInfoResponse(ack)
	if err != nil || resp.RetCode != 0 {
		return 0, false
	}
	for _, kv := range resp.Params {
		if kv.Key == protocol.KeyFwType && len(kv.Value) == 1 {
			return kv.Value[0], true
		}
	}
	return 0, false
}

func (m *Manager) retryProbe(handle lidar.Handle, fs FamilySetup) {
	m.mu.Lock()
	dev, ok := m.devices[handle]
	if !ok || dev.probeResolved {
		m.mu.Unlock()
		return
	}
	dev.probeTries++
	exhausted := dev.probeTries >= probeRetryLimit
	m.mu.Unlock()

	if exhausted {
		monitoring.Logf("device: firmware type probe for %s failed %d times, assuming normal mode", handle, probeRetryLimit)
		m.resolveProbe(handle, fs, false)
		return
	}
	m.probeFirmwareType(handle, fs)
}

func (m *Manager) resolveProbe(handle lidar.Handle, fs FamilySetup, loader bool) {
	m.mu.Lock()
	dev, ok := m.devices[handle]
	if !ok || dev.probeResolved {
		m.mu.Unlock()
		return
	}
	dev.probeResolved = true
	dev.loaderMode = loader
	m.mu.Unlock()

	if loader {
		monitoring.Logf("device: %s is in loader mode, deferring configuration", handle)
		m.fireInfoChange(handle)
		return
	}
	m.pushConfig(handle, fs)
}

// pushConfig sends the first-time WorkModeControl request pointing the
// device's streams at this host.
func (m *Manager) pushConfig(handle lidar.Handle, fs FamilySetup) {
	hostIP := net.ParseIP(fs.Host.IP)
	if hostIP == nil {
		monitoring.Logf("device: cannot configure %s, host ip %q is not concrete", handle, fs.Host.IP)
		return
	}
	payload := fs.Family.BuildHostConfig(command.HostEndpoints{
		IP:        hostIP,
		PushPort:  fs.Host.PushPort,
		PointPort: fs.Host.PointPort,
		ImuPort:   fs.Host.ImuPort,
		LogPort:   fs.Host.LogPort,
	})

	err := m.client.Send(handle, protocol.CmdWorkModeControl, payload, func(status lidar.Status, h lidar.Handle, ack []byte) {
		if status != lidar.StatusSuccess {
			monitoring.Logf("device: configuring %s failed: %s", handle, status)
			return
		}
		resp, err := command.ParseControlResponse(ack)
		if err != nil {
			monitoring.Logf("device: configuring %s: bad ack: %v", handle, err)
			return
		}
		if resp.RetCode != 0 || resp.ErrorKey != 0 {
			monitoring.Logf("device: configuring %s rejected, ret_code %d error_key %#04x", handle, resp.RetCode, resp.ErrorKey)
			return
		}

		m.mu.Lock()
		if dev, ok := m.devices[handle]; ok {
			dev.configApplied = true
		}
		m.mu.Unlock()
		m.fireInfoChange(handle)
	})
	if err != nil {
		monitoring.Logf("device: configuring %s: send failed: %v", handle, err)
	}
}

// fireInfoChange invokes the info-change callback exactly once per
// device, no matter how many detection replies or config acks arrive.
func (m *Manager) fireInfoChange(handle lidar.Handle) {
	m.mu.Lock()
	dev, ok := m.devices[handle]
	if !ok || dev.notified {
		m.mu.Unlock()
		return
	}
	dev.notified = true
	info := lidar.DeviceInfo{
		Handle:     handle,
		DevType:    dev.devType,
		SN:         dev.sn,
		LidarIP:    dev.lidarIP,
		LoaderMode: dev.loaderMode,
	}
	m.mu.Unlock()

	m.infoMu.Lock()
	cb := m.infoChange
	m.infoMu.Unlock()
	if cb != nil {
		cb(info)
	}
}

// DeviceSN returns the serial of a known device.
func (m *Manager) DeviceSN(handle lidar.Handle) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[handle]
	if !ok {
		return "", false
	}
	return dev.sn, true
}
