package logfile

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/lidarhost/internal/fsutil"
	"github.com/banshee-data/lidarhost/internal/monitoring"
	"github.com/banshee-data/lidarhost/internal/timeutil"
)

const writerPollInterval = 100 * time.Millisecond

type writeJob struct {
	logType    uint8
	fileIndex  uint8
	flag       uint8
	transIndex uint32
	data       []byte
	// received is the clock time at Enqueue; a create fragment's file is
	// named after it.
	received time.Time
}

type currentFile struct {
	f          fsutil.AppendFile
	dir        string
	name       string
	fileIndex  uint8
	transIndex uint32
	flag       uint8
}

// Writer reassembles the log streams of one device. Fragments are queued
// by the ingest path and drained by a dedicated goroutine that alone owns
// the open files, so ingest never blocks on disk.
type Writer struct {
	fs     fsutil.FileSystem
	clock  timeutil.Clock
	root   string
	serial string

	mu    sync.Mutex
	queue []writeJob

	wake    chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
	current map[uint8]*currentFile
}

// NewWriter creates a writer storing under root for the device with the
// given serial, and starts its drain goroutine.
func NewWriter(fs fsutil.FileSystem, clock timeutil.Clock, root, serial string) *Writer {
	w := &Writer{
		fs:      fs,
		clock:   clock,
		root:    root,
		serial:  serial,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		current: make(map[uint8]*currentFile),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue hands one fragment to the drain goroutine. The data slice is
// copied; callers may reuse their buffer.
func (w *Writer) Enqueue(req PushLogRequest) {
	job := writeJob{
		logType:    req.LogType,
		fileIndex:  req.FileIndex,
		flag:       req.Flag,
		transIndex: req.TransIndex,
		data:       append([]byte(nil), req.Data...),
		received:   w.clock.Now(),
	}
	w.mu.Lock()
	w.queue = append(w.queue, job)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close drains outstanding fragments, closes and un-hides any open
// files, and joins the goroutine. Idempotent.
func (w *Writer) Close() {
	select {
	case <-w.quit:
		return
	default:
		close(w.quit)
	}
	w.wg.Wait()
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			w.drain()
			w.closeAll()
			return
		case <-w.wake:
			w.drain()
		case <-time.After(writerPollInterval):
			w.drain()
		}
	}
}

func (w *Writer) drain() {
	w.mu.Lock()
	jobs := w.queue
	w.queue = nil
	w.mu.Unlock()

	for _, job := range jobs {
		w.process(job)
	}
}

func (w *Writer) process(job writeJob) {
	cur := w.current[job.logType]

	// Out-of-order protection: stale fragments are discarded unless they
	// open a fresh file.
	if cur != nil && job.transIndex < cur.transIndex && job.flag&FlagCreateFile == 0 {
		return
	}

	switch {
	case job.flag&FlagCreateFile != 0:
		w.createFile(job)
	case job.flag&FlagEndFile != 0:
		w.endFile(job)
	default:
		w.appendData(job)
	}
}

func (w *Writer) branchDir(logType uint8) string {
	return filepath.Join(w.root, fmt.Sprintf("type_%d", logType))
}

func (w *Writer) createFile(job writeJob) {
	dir := w.branchDir(job.logType)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		monitoring.Logf("logfile: cannot create %s: %v", dir, err)
		return
	}

	if cur := w.current[job.logType]; cur != nil && cur.f != nil {
		if cur.transIndex+1 != job.transIndex {
			monitoring.Logf("logfile: end of file %d was lost, closing on create", cur.fileIndex)
		}
		w.closeCurrent(job.logType)
	}

	stamp := job.received.Format("2006-01-02_15-04-05")
	name := fmt.Sprintf(".%s_%s_%d_%d.dat", stamp, w.serial, job.logType, job.fileIndex)
	f, err := w.fs.OpenAppend(filepath.Join(dir, name))
	if err != nil {
		monitoring.Logf("logfile: open %s failed: %v", name, err)
		return
	}
	if len(job.data) > 0 {
		f.Write(job.data)
		f.Sync()
	}
	w.current[job.logType] = &currentFile{
		f:          f,
		dir:        dir,
		name:       name,
		fileIndex:  job.fileIndex,
		transIndex: job.transIndex,
		flag:       job.flag,
	}
}

func (w *Writer) appendData(job writeJob) {
	cur := w.current[job.logType]
	if cur == nil || cur.f == nil {
		monitoring.Logf("logfile: transfer without create for type %d, trans_index %d", job.logType, job.transIndex)
		return
	}
	if cur.fileIndex != job.fileIndex {
		monitoring.Logf("logfile: type %d file index mismatch, have %d got %d", job.logType, cur.fileIndex, job.fileIndex)
		return
	}
	if cur.transIndex+1 != job.transIndex && job.transIndex != 1 {
		monitoring.Logf("logfile: type %d trans index gap, have %d got %d", job.logType, cur.transIndex, job.transIndex)
	}

	cur.f.Write(job.data)
	cur.f.Sync()
	cur.transIndex = job.transIndex
	cur.flag = job.flag
}

func (w *Writer) endFile(job writeJob) {
	cur := w.current[job.logType]
	if cur == nil {
		monitoring.Logf("logfile: end without create for type %d", job.logType)
		return
	}
	if cur.flag&FlagEndFile != 0 && cur.transIndex+1 != job.transIndex {
		monitoring.Logf("logfile: repeated end for type %d with discontinuous trans_index", job.logType)
	}
	if cur.f != nil && len(job.data) > 0 {
		cur.f.Write(job.data)
		cur.f.Sync()
	}
	w.closeCurrent(job.logType)
	cur.transIndex = job.transIndex
	cur.flag = job.flag
}

// closeCurrent closes the open file and strips the hidden-name dot.
func (w *Writer) closeCurrent(logType uint8) {
	cur := w.current[logType]
	if cur == nil || cur.f == nil {
		return
	}
	cur.f.Close()
	cur.f = nil

	visible := strings.TrimPrefix(cur.name, ".")
	if err := w.fs.Rename(filepath.Join(cur.dir, cur.name), filepath.Join(cur.dir, visible)); err != nil {
		monitoring.Logf("logfile: rename %s failed: %v", cur.name, err)
	}
}

func (w *Writer) closeAll() {
	for logType := range w.current {
		w.closeCurrent(logType)
	}
}
