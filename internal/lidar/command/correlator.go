// Package command implements the request/response plane of the SDK: the
// sequence-indexed correlator that pairs outgoing commands with device
// acks, the per-family command handlers, and the parser that turns
// push-state payloads into the user-facing JSON record.
package command

import (
	"sync"
	"time"

	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
	"github.com/banshee-data/lidarhost/internal/monitoring"
	"github.com/banshee-data/lidarhost/internal/timeutil"
)

// DefaultTimeout is applied to commands sent without an explicit one.
const DefaultTimeout = 1000 * time.Millisecond

type pendingCommand struct {
	handle   lidar.Handle
	cmdID    protocol.CommandID
	cb       lidar.CommandCallback
	deadline time.Time
}

// Correlator is the in-flight command table: seq -> (callback, deadline).
// An entry leaves the table exactly once — on ack arrival, on send
// failure, or on deadline — and its callback fires exactly once with the
// corresponding status. Callbacks are invoked with no lock held.
type Correlator struct {
	clock timeutil.Clock

	mu       sync.Mutex
	inflight map[uint16]pendingCommand
}

// NewCorrelator creates an empty correlator driven by clock.
func NewCorrelator(clock timeutil.Clock) *Correlator {
	return &Correlator{
		clock:    clock,
		inflight: make(map[uint16]pendingCommand),
	}
}

// Register inserts an entry before the packet is handed to the socket, so
// an ack can never race its own registration.
func (c *Correlator) Register(seq uint16, handle lidar.Handle, cmdID protocol.CommandID, timeout time.Duration, cb lidar.CommandCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[seq] = pendingCommand{
		handle:   handle,
		cmdID:    cmdID,
		cb:       cb,
		deadline: c.clock.Now().Add(timeout),
	}
}

// Ack resolves the entry for seq with a successful payload. Returns false
// when no entry exists (late or duplicate ack); such acks are dropped.
func (c *Correlator) Ack(seq uint16, handle lidar.Handle, payload []byte) bool {
	c.mu.Lock()
	entry, ok := c.inflight[seq]
	if ok {
		delete(c.inflight, seq)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if entry.cb != nil {
		entry.cb(lidar.StatusSuccess, handle, payload)
	}
	return true
}

// Fail resolves the entry for seq with the given failure status. Used for
// send failures detected after registration.
func (c *Correlator) Fail(seq uint16, status lidar.Status) {
	c.mu.Lock()
	entry, ok := c.inflight[seq]
	if ok {
		delete(c.inflight, seq)
	}
	c.mu.Unlock()

	if ok && entry.cb != nil {
		entry.cb(status, entry.handle, nil)
	}
}

// Tick reaps entries whose deadline has passed and reports them as
// timeouts. Called from the command reactor's tick.
func (c *Correlator) Tick(now time.Time) {
	var expired []pendingCommand
	c.mu.Lock()
	for seq, entry := range c.inflight {
		if now.After(entry.deadline) {
			expired = append(expired, entry)
			delete(c.inflight, seq)
		}
	}
	c.mu.Unlock()

	for _, entry := range expired {
		monitoring.Logf("command: seq timeout, handle %s cmd %#04x", entry.handle, uint16(entry.cmdID))
		if entry.cb != nil {
			entry.cb(lidar.StatusTimeout, entry.handle, nil)
		}
	}
}

// FailAll drains the table, reporting status to every pending callback.
// Called on shutdown.
func (c *Correlator) FailAll(status lidar.Status) {
	c.mu.Lock()
	drained := make([]pendingCommand, 0, len(c.inflight))
	for _, entry := range c.inflight {
		drained = append(drained, entry)
	}
	c.inflight = make(map[uint16]pendingCommand)
	c.mu.Unlock()

	for _, entry := range drained {
		if entry.cb != nil {
			entry.cb(status, entry.handle, nil)
		}
	}
}

// Len reports the number of in-flight commands.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
