// Package debugcloud captures raw point-cloud datagrams to disk for
// offline diagnosis: one file per enabled device, with a fixed header
// and a hard size cap.
package debugcloud

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/banshee-data/lidarhost/internal/fsutil"
	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
	"github.com/banshee-data/lidarhost/internal/monitoring"
	"github.com/banshee-data/lidarhost/internal/timeutil"
)

const (
	headerSize  = 128
	maxFileSize = 4 << 30

	// queueDepth bounds buffered datagrams per device; the writer drains
	// continuously, so overflow means the disk cannot keep up and
	// dropping is the right behaviour for a debug tap.
	queueDepth = 1024
)

// fileHeader lays out the 128-byte capture file header: version, device
// type, data type, serial, reserved padding and a CRC-16 over the prefix.
func fileHeader(devType lidar.DeviceType, sn string) []byte {
	buf := make([]byte, headerSize)
	buf[0] = 1 // file format version
	buf[1] = uint8(devType)
	buf[2] = 1 // data type: raw point cloud
	copy(buf[3:19], sn)
	binary.LittleEndian.PutUint16(buf[headerSize-2:], protocol.CRC16(buf[:headerSize-2]))
	return buf
}

// Sink captures one device's raw point-cloud bytes. A dedicated writer
// goroutine drains the queue; writes stop at the 4 GiB cap.
type Sink struct {
	fs      fsutil.FileSystem
	path    string
	devType lidar.DeviceType
	sn      string
	handle  lidar.Handle

	queue chan []byte
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func newSink(fs fsutil.FileSystem, clock timeutil.Clock, dir string, handle lidar.Handle, devType lidar.DeviceType, sn string) *Sink {
	stamp := clock.Now().Format("2006_01_02_15_04_05")
	name := fmt.Sprintf("lidar_%d_%s.LivoxDebugPointCloudData", uint32(handle), stamp)
	s := &Sink{
		fs:      fs,
		path:    filepath.Join(dir, name),
		devType: devType,
		sn:      sn,
		handle:  handle,
		queue:   make(chan []byte, queueDepth),
		quit:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Store queues one datagram without blocking; full queues drop.
func (s *Sink) Store(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case s.queue <- cp:
	default:
	}
}

// Close stops the writer and closes the file. Idempotent.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
}

func (s *Sink) writeLoop() {
	defer s.wg.Done()

	f, err := s.fs.OpenAppend(s.path)
	if err != nil {
		monitoring.Logf("debugcloud: cannot open %s: %v", s.path, err)
		return
	}
	defer f.Close()

	header := fileHeader(s.devType, s.sn)
	if _, err := f.Write(header); err != nil {
		monitoring.Logf("debugcloud: writing header failed: %v", err)
		return
	}
	size := int64(len(header))

	for {
		select {
		case <-s.quit:
			for {
				select {
				case data := <-s.queue:
					size = s.writeCapped(f, data, size)
				default:
					return
				}
			}
		case data := <-s.queue:
			size = s.writeCapped(f, data, size)
		}
	}
}

func (s *Sink) writeCapped(f fsutil.AppendFile, data []byte, size int64) int64 {
	if size >= maxFileSize {
		return size
	}
	if _, err := f.Write(data); err != nil {
		monitoring.Logf("debugcloud: write failed: %v", err)
		return size
	}
	f.Sync()
	return size + int64(len(data))
}

// Manager tracks known devices and their active sinks.
type Manager struct {
	fs    fsutil.FileSystem
	clock timeutil.Clock
	dir   string

	mu      sync.Mutex
	devices map[lidar.Handle]deviceInfo
	sinks   map[lidar.Handle]*Sink
}

type deviceInfo struct {
	devType lidar.DeviceType
	sn      string
}

// NewManager creates a capture manager storing under dir.
func NewManager(fs fsutil.FileSystem, clock timeutil.Clock, dir string) *Manager {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{
		fs:      fs,
		clock:   clock,
		dir:     dir,
		devices: make(map[lidar.Handle]deviceInfo),
		sinks:   make(map[lidar.Handle]*Sink),
	}
}

// AddDevice records a device announced by detection.
func (m *Manager) AddDevice(handle lidar.Handle, devType lidar.DeviceType, sn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[handle]; !ok {
		m.devices[handle] = deviceInfo{devType: devType, sn: sn}
	}
}

// Enable starts (or stops) capturing for a device. Capturing an unknown
// device is an error.
func (m *Manager) Enable(handle lidar.Handle, enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !enable {
		if sink, ok := m.sinks[handle]; ok {
			delete(m.sinks, handle)
			go sink.Close()
		}
		return nil
	}

	dev, ok := m.devices[handle]
	if !ok {
		return fmt.Errorf("debugcloud: unknown device %s", handle)
	}
	if _, ok := m.sinks[handle]; ok {
		return nil
	}
	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("debugcloud: cannot create %s: %w", m.dir, err)
	}
	m.sinks[handle] = newSink(m.fs, m.clock, m.dir, handle, dev.devType, dev.sn)
	return nil
}

// Ingest forwards one raw datagram to the device's sink, if enabled.
func (m *Manager) Ingest(handle lidar.Handle, datagram []byte) {
	m.mu.Lock()
	sink := m.sinks[handle]
	m.mu.Unlock()
	if sink != nil {
		sink.Store(datagram)
	}
}

// Shutdown closes all active sinks. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sinks := m.sinks
	m.sinks = make(map[lidar.Handle]*Sink)
	m.mu.Unlock()
	for _, sink := range sinks {
		sink.Close()
	}
}
