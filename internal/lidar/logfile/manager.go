package logfile

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/lidarhost/internal/fsutil"
	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/command"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
	"github.com/banshee-data/lidarhost/internal/monitoring"
	"github.com/banshee-data/lidarhost/internal/timeutil"
)

const (
	// maxCacheSizeMB disables logging when configuration asks for more.
	maxCacheSizeMB = 1_000_000

	// The exception partition is capped at 200 MB; below the cap the two
	// partitions split the budget realtime:exception = 3:1.
	maxExceptionCacheMB = 200
	realtimeCacheRatio  = 3
	exceptionCacheRatio = 1

	evictInterval = 10 * time.Minute
)

// Config configures the log ingestor.
type Config struct {
	Enable      bool
	CacheSizeMB uint64
	// RootPath is the directory the lidar_log tree lives under.
	RootPath string

	FS    fsutil.FileSystem
	Clock timeutil.Clock
}

type logDevice struct {
	devType lidar.DeviceType
	sn      string
}

// Manager owns log ingest for a runtime: one Writer per device, the ack
// path, and the background cache eviction.
type Manager struct {
	cfg     Config
	fs      fsutil.FileSystem
	clock   timeutil.Clock
	enabled bool
	root    string

	maxRealtimeBytes  int64
	maxExceptionBytes int64

	mu      sync.Mutex
	devices map[lidar.Handle]logDevice
	writers map[lidar.Handle]*Writer
	client  *command.Client

	evictWake chan struct{}
	quit      chan struct{}
	wg        sync.WaitGroup
	closed    bool
}

// NewManager creates a stopped manager; Init applies the budget policy
// and starts eviction.
func NewManager(cfg Config) *Manager {
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Manager{
		cfg:       cfg,
		fs:        cfg.FS,
		clock:     cfg.Clock,
		devices:   make(map[lidar.Handle]logDevice),
		writers:   make(map[lidar.Handle]*Writer),
		evictWake: make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

// AttachClient wires the command plane used for fragment acks and
// collection control.
func (m *Manager) AttachClient(c *command.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = c
}

// Init validates the cache budget, prepares the directory tree, recovers
// files left hidden by an unclean shutdown, and starts the eviction
// goroutine. A disabled or out-of-range configuration leaves the manager
// inert without error.
func (m *Manager) Init() error {
	if !m.cfg.Enable {
		return nil
	}
	if m.cfg.CacheSizeMB == 0 || m.cfg.CacheSizeMB > maxCacheSizeMB {
		monitoring.Logf("logfile: cache size %d MB out of range, logging disabled", m.cfg.CacheSizeMB)
		return nil
	}

	if m.cfg.CacheSizeMB > maxExceptionCacheMB*(realtimeCacheRatio+exceptionCacheRatio)/exceptionCacheRatio {
		m.maxExceptionBytes = maxExceptionCacheMB << 20
		m.maxRealtimeBytes = int64(m.cfg.CacheSizeMB-maxExceptionCacheMB) << 20
	} else {
		// Compute in bytes so small budgets keep their fractional MB.
		totalBytes := int64(m.cfg.CacheSizeMB) << 20
		m.maxRealtimeBytes = totalBytes * realtimeCacheRatio / (realtimeCacheRatio + exceptionCacheRatio)
		m.maxExceptionBytes = totalBytes * exceptionCacheRatio / (realtimeCacheRatio + exceptionCacheRatio)
	}

	m.root = filepath.Join(m.cfg.RootPath, "lidar_log")
	if err := m.fs.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("logfile: cannot create %s: %w", m.root, err)
	}
	m.recoverHiddenFiles()

	m.enabled = true
	m.wg.Add(1)
	go m.evictLoop()
	return nil
}

// Enabled reports whether log ingest is active.
func (m *Manager) Enabled() bool { return m.enabled }

// Root returns the lidar_log directory.
func (m *Manager) Root() string { return m.root }

// recoverHiddenFiles un-hides files a previous run left open, so their
// contents survive the unclean shutdown.
func (m *Manager) recoverHiddenFiles() {
	for _, logType := range []lidar.LogType{lidar.LogTypeRealtime, lidar.LogTypeException} {
		dir := filepath.Join(m.root, fmt.Sprintf("type_%d", logType))
		entries, err := m.fs.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.Name, ".") {
				continue
			}
			if err := m.fs.Rename(filepath.Join(dir, e.Name), filepath.Join(dir, e.Name[1:])); err != nil {
				monitoring.Logf("logfile: recovering %s failed: %v", e.Name, err)
			}
		}
	}
}

// AddDevice records a device announced by detection.
func (m *Manager) AddDevice(handle lidar.Handle, devType lidar.DeviceType, sn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[handle]; !ok {
		m.devices[handle] = logDevice{devType: devType, sn: sn}
	}
}

// RemoveDevice forgets a device after its logger has been stopped.
func (m *Manager) RemoveDevice(handle lidar.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, handle)
}

// StartLogger asks a device to begin pushing the given log stream.
func (m *Manager) StartLogger(handle lidar.Handle, logType lidar.LogType, cb lidar.CommandCallback) error {
	if !m.enabled {
		monitoring.Logf("logfile: logger disabled, not starting collection on %s", handle)
		return nil
	}
	return m.sendCollect(handle, logType, true, cb)
}

// StopLogger asks a device to stop pushing the given log stream.
func (m *Manager) StopLogger(handle lidar.Handle, logType lidar.LogType, cb lidar.CommandCallback) error {
	return m.sendCollect(handle, logType, false, cb)
}

func (m *Manager) sendCollect(handle lidar.Handle, logType lidar.LogType, enable bool, cb lidar.CommandCallback) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return fmt.Errorf("logfile: no command client attached")
	}
	payload := command.BuildCollectLogRequest(uint8(logType), enable)
	return client.SendLogger(handle, protocol.CmdCollectLog, payload, cb)
}

// Ingest processes one log-plane datagram.
func (m *Manager) Ingest(handle lidar.Handle, datagram []byte) {
	if !m.enabled {
		return
	}

	pkt, err := protocol.Parse(datagram)
	if err != nil {
		monitoring.Logf("logfile: dropping datagram from %s: %v", handle, err)
		return
	}
	if pkt.CmdID != protocol.CmdPushLog || pkt.CmdType != protocol.CmdTypeCmd {
		return
	}
	req, err := ParsePushLogRequest(pkt.Payload)
	if err != nil {
		monitoring.Logf("logfile: bad push-log from %s: %v", handle, err)
		return
	}

	if req.Flag&FlagAckRequired != 0 {
		m.mu.Lock()
		client := m.client
		m.mu.Unlock()
		if client != nil {
			if err := client.SendLogger(handle, protocol.CmdPushLog, BuildPushLogAck(req), nil); err != nil {
				monitoring.Logf("logfile: acking fragment from %s failed: %v", handle, err)
			}
		}
	}

	writer := m.writerFor(handle)
	if writer == nil {
		monitoring.Logf("logfile: fragment from unknown device %s", handle)
		return
	}
	writer.Enqueue(req)

	if req.Flag&FlagEndFile != 0 {
		// A finished file may tip a partition over budget; check early.
		select {
		case m.evictWake <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) writerFor(handle lidar.Handle) *Writer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.writers[handle]; ok {
		return w
	}
	dev, ok := m.devices[handle]
	if !ok {
		return nil
	}
	w := NewWriter(m.fs, m.clock, m.root, dev.sn)
	m.writers[handle] = w
	return w
}

// Shutdown stops collection on every known device, closes all writers
// (renaming their open files) and stops eviction. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	writers := m.writers
	m.writers = make(map[lidar.Handle]*Writer)
	devices := make([]lidar.Handle, 0, len(m.devices))
	for h := range m.devices {
		devices = append(devices, h)
	}
	m.mu.Unlock()

	if m.enabled {
		for _, h := range devices {
			if err := m.StopLogger(h, lidar.LogTypeRealtime, nil); err != nil {
				monitoring.Logf("logfile: stopping logger on %s failed: %v", h, err)
			}
		}
	}

	for _, w := range writers {
		w.Close()
	}

	close(m.quit)
	m.wg.Wait()
	m.enabled = false
}

func (m *Manager) evictLoop() {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C():
		case <-m.evictWake:
		}
		m.evictPartition(filepath.Join(m.root, "type_0"), m.maxRealtimeBytes)
		m.evictPartition(filepath.Join(m.root, "type_1"), m.maxExceptionBytes)
	}
}

// evictPartition deletes the oldest closed files (by the timestamp
// prefix of the filename) until the partition fits its budget. Hidden
// files are open and never evicted.
func (m *Manager) evictPartition(dir string, budget int64) {
	if budget <= 0 {
		return
	}
	entries, err := m.fs.ReadDir(dir)
	if err != nil {
		return
	}

	var total int64
	closed := entries[:0]
	for _, e := range entries {
		total += e.Size
		if !strings.HasPrefix(e.Name, ".") {
			closed = append(closed, e)
		}
	}

	for _, e := range closed {
		if total <= budget {
			return
		}
		if err := m.fs.Remove(filepath.Join(dir, e.Name)); err != nil {
			monitoring.Logf("logfile: evicting %s failed: %v", e.Name, err)
			continue
		}
		total -= e.Size
	}
}
