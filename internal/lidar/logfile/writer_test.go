package logfile

import (
	"testing"
	"time"

	"github.com/banshee-data/lidarhost/internal/fsutil"
	"github.com/banshee-data/lidarhost/internal/timeutil"
)

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

func TestWriterCreateTransferEnd(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC))
	w := NewWriter(fs, clock, "/log/lidar_log", "LD0001")
	defer w.Close()

	w.Enqueue(PushLogRequest{LogType: 0, FileIndex: 1, Flag: FlagCreateFile, TransIndex: 1, Data: []byte("AAA")})
	w.Enqueue(PushLogRequest{LogType: 0, FileIndex: 1, TransIndex: 2, Data: []byte("BBB")})
	w.Enqueue(PushLogRequest{LogType: 0, FileIndex: 1, Flag: FlagEndFile, TransIndex: 3, Data: []byte("CCC")})

	finalName := "/log/lidar_log/type_0/2025-06-01_10-30-00_LD0001_0_1.dat"
	waitFor(t, time.Second, func() bool { return fs.Exists(finalName) })

	// The hidden working name is gone once the file is closed cleanly.
	if fs.Exists("/log/lidar_log/type_0/.2025-06-01_10-30-00_LD0001_0_1.dat") {
		t.Error("hidden file still present after end-file")
	}

	data, err := fs.ReadFile(finalName)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "AAABBBCCC" {
		t.Errorf("contents = %q, want AAABBBCCC", data)
	}
}

func TestWriterFileHiddenWhileOpen(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC))
	w := NewWriter(fs, clock, "/log/lidar_log", "LD0001")
	defer w.Close()

	w.Enqueue(PushLogRequest{LogType: 1, FileIndex: 2, Flag: FlagCreateFile, TransIndex: 1, Data: []byte("X")})

	hidden := "/log/lidar_log/type_1/.2025-06-01_10-30-00_LD0001_1_2.dat"
	waitFor(t, time.Second, func() bool { return fs.Exists(hidden) })
}

func TestWriterDiscardsStaleFragments(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC))
	w := NewWriter(fs, clock, "/log/lidar_log", "LD0001")
	defer w.Close()

	w.Enqueue(PushLogRequest{LogType: 0, FileIndex: 1, Flag: FlagCreateFile, TransIndex: 5, Data: []byte("11")})
	w.Enqueue(PushLogRequest{LogType: 0, FileIndex: 1, TransIndex: 3, Data: []byte("STALE")})
	w.Enqueue(PushLogRequest{LogType: 0, FileIndex: 1, TransIndex: 6, Data: []byte("22")})
	w.Enqueue(PushLogRequest{LogType: 0, FileIndex: 1, Flag: FlagEndFile, TransIndex: 7})

	final := "/log/lidar_log/type_0/2025-06-01_10-30-00_LD0001_0_1.dat"
	waitFor(t, time.Second, func() bool { return fs.Exists(final) })

	data, _ := fs.ReadFile(final)
	if string(data) != "1122" {
		t.Errorf("contents = %q, want stale fragment dropped", data)
	}
}

func TestWriterCreateClosesPreviousFile(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC))
	w := NewWriter(fs, clock, "/log/lidar_log", "LD0001")
	defer w.Close()

	w.Enqueue(PushLogRequest{LogType: 0, FileIndex: 1, Flag: FlagCreateFile, TransIndex: 1, Data: []byte("a")})
	clock.Advance(time.Second)
	// End for file 1 lost; the next create closes and renames it anyway.
	w.Enqueue(PushLogRequest{LogType: 0, FileIndex: 2, Flag: FlagCreateFile, TransIndex: 10, Data: []byte("b")})

	first := "/log/lidar_log/type_0/2025-06-01_10-30-00_LD0001_0_1.dat"
	second := "/log/lidar_log/type_0/.2025-06-01_10-30-01_LD0001_0_2.dat"
	waitFor(t, time.Second, func() bool { return fs.Exists(first) && fs.Exists(second) })
}

func TestWriterCloseRenamesOpenFiles(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC))
	w := NewWriter(fs, clock, "/log/lidar_log", "LD0001")

	w.Enqueue(PushLogRequest{LogType: 0, FileIndex: 1, Flag: FlagCreateFile, TransIndex: 1, Data: []byte("tail")})
	w.Close()

	final := "/log/lidar_log/type_0/2025-06-01_10-30-00_LD0001_0_1.dat"
	if !fs.Exists(final) {
		t.Error("open file not renamed on writer close")
	}
	data, _ := fs.ReadFile(final)
	if string(data) != "tail" {
		t.Errorf("contents = %q", data)
	}
}
