package command

import (
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
	"github.com/banshee-data/lidarhost/internal/timeutil"
)

type callbackRecorder struct {
	mu       sync.Mutex
	statuses []lidar.Status
	payloads [][]byte
}

func (r *callbackRecorder) fn() lidar.CommandCallback {
	return func(status lidar.Status, handle lidar.Handle, payload []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.statuses = append(r.statuses, status)
		cp := make([]byte, len(payload))
		copy(cp, payload)
		r.payloads = append(r.payloads, cp)
	}
}

func (r *callbackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

func TestCorrelatorAckResolvesOnce(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := NewCorrelator(clock)
	rec := &callbackRecorder{}
	h := lidar.MustHandle("192.168.1.101")

	c.Register(1, h, protocol.CmdWorkModeControl, time.Second, rec.fn())

	if !c.Ack(1, h, []byte{0x00, 0x00, 0x00}) {
		t.Fatal("Ack did not find the registered entry")
	}
	if c.Ack(1, h, nil) {
		t.Error("second Ack for the same seq resolved again")
	}
	if c.Len() != 0 {
		t.Errorf("table length = %d after ack, want 0", c.Len())
	}
	if rec.count() != 1 || rec.statuses[0] != lidar.StatusSuccess {
		t.Errorf("callback fired %d times, statuses %v", rec.count(), rec.statuses)
	}
	if string(rec.payloads[0]) != "\x00\x00\x00" {
		t.Errorf("payload = %v", rec.payloads[0])
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := NewCorrelator(clock)
	rec := &callbackRecorder{}
	h := lidar.MustHandle("192.168.1.101")

	c.Register(2, h, protocol.CmdReboot, time.Second, rec.fn())

	c.Tick(clock.Now().Add(500 * time.Millisecond))
	if rec.count() != 0 {
		t.Fatal("callback fired before deadline")
	}

	c.Tick(clock.Now().Add(1500 * time.Millisecond))
	if rec.count() != 1 || rec.statuses[0] != lidar.StatusTimeout {
		t.Fatalf("want one timeout callback, got %v", rec.statuses)
	}

	// The entry is gone: a late ack is dropped and nothing fires twice.
	if c.Ack(2, h, nil) {
		t.Error("late ack resolved a reaped entry")
	}
	if rec.count() != 1 {
		t.Error("callback fired after timeout delivery")
	}
}

func TestCorrelatorFail(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := NewCorrelator(clock)
	rec := &callbackRecorder{}

	c.Register(3, lidar.MustHandle("192.168.1.101"), protocol.CmdReset, time.Second, rec.fn())
	c.Fail(3, lidar.StatusSendFailed)

	if rec.count() != 1 || rec.statuses[0] != lidar.StatusSendFailed {
		t.Errorf("statuses = %v, want one send-failed", rec.statuses)
	}
	if c.Len() != 0 {
		t.Error("entry survived Fail")
	}
}

func TestCorrelatorFailAll(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := NewCorrelator(clock)
	rec := &callbackRecorder{}
	h := lidar.MustHandle("192.168.1.101")

	for seq := uint16(1); seq <= 5; seq++ {
		c.Register(seq, h, protocol.CmdSearch, time.Second, rec.fn())
	}
	c.FailAll(lidar.StatusTimeout)

	if rec.count() != 5 {
		t.Errorf("callback fired %d times, want 5", rec.count())
	}
	if c.Len() != 0 {
		t.Error("table not empty after FailAll")
	}
}

func TestCorrelatorSequenceWrapStaysConsistent(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := NewCorrelator(clock)
	h := lidar.MustHandle("192.168.1.101")

	// Drive the shared generator through a full 16-bit wrap, resolving
	// every entry immediately so the table keeps its normal occupancy.
	for i := 0; i < 1<<16; i++ {
		seq := protocol.NextSeq()
		c.Register(seq, h, protocol.CmdSearch, time.Second, nil)
		if !c.Ack(seq, h, nil) {
			t.Fatalf("ack failed at iteration %d", i)
		}
	}
	if c.Len() != 0 {
		t.Errorf("table length = %d after wrap, want 0", c.Len())
	}
}
