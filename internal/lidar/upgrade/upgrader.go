package upgrade

import (
	"encoding/binary"
	"sync"
	"time"


	"github.com/banshee-data/lidarhost/internal/lidar"
	"github.com/banshee-data/lidarhost/internal/lidar/protocol"
	"github.com/banshee-data/lidarhost/internal/monitoring"
	"github.com/banshee-data/lidarhost/internal/timeutil"
)

// State of the per-device upgrade machine.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateTransferring
	StateCompleting
	StatePolling
	StateDone
	StateError
)

// String implements fmt.Stringer for log lines.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateTransferring:
		return "transferring"
	case StateCompleting:
		return "completing"
	case StatePolling:
		return "polling"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Event drives a state transition.
type Event int

const (
	EventRequestUpgrade Event = iota
	EventXferFirmware
	EventCompleteXfer
	EventGetProgress
	EventComplete
	EventReinit
	EventErr
)

// Device return codes the upgrade path interprets; all other non-zero
// codes are terminal. Values are firmware-defined.
const (
	RetSystemIsNotReady = 0x01
	RetEraseFirmware    = 0x07
)

const (
	defaultChunkLen = 1024
	chunkPause      = 5 * time.Millisecond

	// Retry caps per step; the sources give no protocol reference for
	// these, so they stay configurable on the Upgrader.
	defaultGeneralRetryLimit  = 10
	defaultProgressRetryLimit = 60
)

// CommandSender abstracts the command plane the upgrader drives.
// Satisfied by command.Client.
type CommandSender interface {
	Send(handle lidar.Handle, cmdID protocol.CommandID, payload []byte, cb lidar.CommandCallback) error
}

// ProgressFunc observes upgrade progress: the machine state after the
// transition and a monotone 0–100 percentage for UIs.
type ProgressFunc func(handle lidar.Handle, state State, progress uint8)

type transition struct {
	state  State
	event  Event
	action func(*Upgrader)
	next   State
}

var (
	transitionsOnce sync.Once
	transitionsTbl  []transition
)

// getTransitions lazily builds the transition table. Built at first use
// rather than as a package-level var initializer to avoid a (spurious)
// compiler-detected initialization cycle through the method values'
// call graph back to fsmEvent.
func getTransitions() []transition {
	transitionsOnce.Do(func() {
		transitionsTbl = []transition{
			{StateIdle, EventRequestUpgrade, (*Upgrader).startUpgrade, StateRequesting},
			{StateRequesting, EventRequestUpgrade, (*Upgrader).startUpgrade, StateRequesting},
			{StateRequesting, EventXferFirmware, (*Upgrader).xferFirmware, StateTransferring},
			{StateTransferring, EventXferFirmware, (*Upgrader).xferFirmware, StateTransferring},
			{StateTransferring, EventCompleteXfer, (*Upgrader).completeXfer, StateCompleting},
			{StateCompleting, EventCompleteXfer, (*Upgrader).completeXfer, StateCompleting},
			{StateCompleting, EventGetProgress, (*Upgrader).getProgress, StatePolling},
			{StatePolling, EventGetProgress, (*Upgrader).getProgress, StatePolling},
			{StatePolling, EventComplete, (*Upgrader).rebootDevice, StateDone},
			{StateDone, EventComplete, (*Upgrader).rebootDevice, StateDone},
			{StateDone, EventReinit, nil, StateIdle},
		}
	})
	return transitionsTbl
}

// Upgrader runs the upgrade of one device. Command callbacks re-enter
// the machine from the reactor goroutine; the machine never blocks them
// beyond the 5 ms chunk pacing and the 1 s pause after an erase-firmware
// reply.
type Upgrader struct {
	sender CommandSender
	clock  timeutil.Clock
	handle lidar.Handle
	fw     Firmware

	// ChunkLen is the transfer chunk size. Set before Start.
	ChunkLen uint32
	// GeneralRetryLimit caps retries of every step except polling.
	GeneralRetryLimit int
	// ProgressRetryLimit caps progress-poll retries.
	ProgressRetryLimit int

	observer ProgressFunc

	mu       sync.Mutex
	state    State
	offset   uint32
	retry    int
	progress uint8
	finished bool

	done chan struct{}
}

// New creates an idle upgrader for handle.
func New(sender CommandSender, clock timeutil.Clock, handle lidar.Handle, fw Firmware) *Upgrader {
	return &Upgrader{
		sender:             sender,
		clock:              clock,
		handle:             handle,
		fw:                 fw,
		ChunkLen:           defaultChunkLen,
		GeneralRetryLimit:  defaultGeneralRetryLimit,
		ProgressRetryLimit: defaultProgressRetryLimit,
		done:               make(chan struct{}),
	}
}

// SetProgressObserver installs the progress callback. Call before Start.
func (u *Upgrader) SetProgressObserver(cb ProgressFunc) {
	u.observer = cb
}

// Start kicks the machine off. The upgrade then advances from command
// callbacks until Done or Error; its completion is signalled on Done().
func (u *Upgrader) Start() {
	go u.fsmEvent(EventRequestUpgrade, 10)
}

// Done is closed when the machine reaches its terminal outcome.
func (u *Upgrader) Done() <-chan struct{} { return u.done }

// Failed reports whether the machine ended in error.
func (u *Upgrader) Failed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == StateError
}

func (u *Upgrader) fsmEvent(event Event, progress uint8) {
	var action func(*Upgrader)

	u.mu.Lock()
	if u.state == StateError {
		u.mu.Unlock()
		return
	}
	if event == EventErr {
		u.state = StateError
	} else {
		for _, tr := range getTransitions() {
			if tr.state == u.state && tr.event == event {
				action = tr.action
				u.state = tr.next
				break
			}
		}
	}
	state := u.state
	finished := (event == EventReinit && state == StateIdle) || state == StateError
	alreadyDone := u.finished
	if finished {
		u.finished = true
	}
	u.mu.Unlock()

	monitoring.Logf("upgrade: device %s state %s (progress %d)", u.handle, state, progress)

	// Report before acting: a fast device acks synchronously, and the
	// action's continuation re-enters this machine.
	if u.observer != nil {
		u.observer(u.handle, state, progress)
	}
	if action != nil {
		action(u)
	}
	if finished && !alreadyDone {
		close(u.done)
	}
}

func (u *Upgrader) send(cmdID protocol.CommandID, payload []byte, cb lidar.CommandCallback) {
	if err := u.sender.Send(u.handle, cmdID, payload, cb); err != nil {
		monitoring.Logf("upgrade: sending %#04x to %s failed: %v", uint16(cmdID), u.handle, err)
		u.fsmEvent(EventErr, 100)
	}
}

func (u *Upgrader) startUpgrade() {
	u.mu.Lock()
	u.offset = 0
	u.progress = 0
	u.mu.Unlock()
	u.send(protocol.CmdStartUpgrade, buildStartRequest(u.fw.Header), u.onStartAck)
}

func (u *Upgrader) onStartAck(status lidar.Status, handle lidar.Handle, payload []byte) {
	if status != lidar.StatusSuccess {
		u.retryOr(EventRequestUpgrade, 10, u.GeneralRetryLimit)
		return
	}
	u.resetRetry()
	if len(payload) < 1 {
		u.fsmEvent(EventErr, 100)
		return
	}
	switch payload[0] {
	case 0:
		u.fsmEvent(EventXferFirmware, 20)
	case RetSystemIsNotReady:
		monitoring.Logf("upgrade: device %s busy, requesting again", u.handle)
		u.fsmEvent(EventRequestUpgrade, 10)
	case RetEraseFirmware:
		monitoring.Logf("upgrade: device %s erasing old firmware", u.handle)
		u.clock.Sleep(time.Second)
		u.fsmEvent(EventRequestUpgrade, 10)
	default:
		monitoring.Logf("upgrade: start rejected by %s, ret_code %d", u.handle, payload[0])
		u.fsmEvent(EventErr, 100)
	}
}

func (u *Upgrader) xferFirmware() {
	u.mu.Lock()
	offset := u.offset
	u.mu.Unlock()

	length := u.fw.Header.Length
	if offset >= length {
		u.fsmEvent(EventErr, 100)
		return
	}
	chunk := u.ChunkLen
	if chunk > length-offset {
		chunk = length - offset
	}

	// Device-side pacing between chunks.
	u.clock.Sleep(chunkPause)
	payload := buildXferRequest(offset, u.fw.Header.EncryptType, u.fw.Data[offset:offset+chunk])
	u.send(protocol.CmdXferFirmware, payload, u.onXferAck)
}

func (u *Upgrader) onXferAck(status lidar.Status, handle lidar.Handle, payload []byte) {
	if status != lidar.StatusSuccess {
		u.retryOr(EventXferFirmware, 20, u.GeneralRetryLimit)
		return
	}
	u.resetRetry()
	if len(payload) < 1 || payload[0] != 0 {
		u.fsmEvent(EventErr, 100)
		return
	}

	u.mu.Lock()
	u.offset += u.ChunkLen
	finished := u.offset >= u.fw.Header.Length
	u.mu.Unlock()

	if finished {
		u.fsmEvent(EventCompleteXfer, 40)
	} else {
		u.fsmEvent(EventXferFirmware, 20)
	}
}

func (u *Upgrader) completeXfer() {
	u.send(protocol.CmdCompleteXferFirmware, buildCompleteRequest(u.fw.Header), u.onCompleteAck)
}

func (u *Upgrader) onCompleteAck(status lidar.Status, handle lidar.Handle, payload []byte) {
	if status != lidar.StatusSuccess {
		u.retryOr(EventCompleteXfer, 50, u.GeneralRetryLimit)
		return
	}
	u.resetRetry()
	if len(payload) < 1 || payload[0] != 0 {
		u.fsmEvent(EventErr, 100)
		return
	}
	u.fsmEvent(EventGetProgress, 50)
}

func (u *Upgrader) getProgress() {
	u.send(protocol.CmdGetUpgradeProgress, nil, u.onProgressAck)
}

func (u *Upgrader) onProgressAck(status lidar.Status, handle lidar.Handle, payload []byte) {
	if status != lidar.StatusSuccess {
		u.mu.Lock()
		scaled := 50 + u.progress/2
		u.mu.Unlock()
		u.retryOr(EventGetProgress, scaled, u.ProgressRetryLimit)
		return
	}
	u.resetRetry()
	if len(payload) < 2 || payload[0] != 0 {
		u.fsmEvent(EventErr, 100)
		return
	}

	progress := payload[1]
	u.mu.Lock()
	u.progress = progress
	u.mu.Unlock()

	if progress < 100 {
		u.fsmEvent(EventGetProgress, 50+progress/2)
	} else {
		u.fsmEvent(EventComplete, 100)
	}
}

func (u *Upgrader) rebootDevice() {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, 100)
	u.send(protocol.CmdReboot, payload, u.onRebootAck)
}

func (u *Upgrader) onRebootAck(status lidar.Status, handle lidar.Handle, payload []byte) {
	if status != lidar.StatusSuccess {
		u.retryOr(EventComplete, 100, u.GeneralRetryLimit)
		return
	}
	u.resetRetry()
	if len(payload) < 1 || payload[0] != 0 {
		u.fsmEvent(EventErr, 100)
		return
	}
	u.fsmEvent(EventReinit, 100)
}

func (u *Upgrader) resetRetry() {
	u.mu.Lock()
	u.retry = 0
	u.mu.Unlock()
}

// retryOr re-fires event unless the step's retry budget is exhausted, in
// which case the machine fails.
func (u *Upgrader) retryOr(event Event, progress uint8, limit int) {
	u.mu.Lock()
	u.retry++
	exhausted := u.retry >= limit
	if exhausted {
		u.retry = 0
	}
	u.mu.Unlock()

	if exhausted {
		monitoring.Logf("upgrade: device %s exceeded retry limit, aborting", u.handle)
		u.fsmEvent(EventErr, 100)
		return
	}
	u.fsmEvent(event, progress)
}
