package msc

import (
	"errors"
	"sync"
	"time"

	"github.com/ardnew/usbms/pkg"
	"github.com/ardnew/usbms/scsi"
	"github.com/ardnew/usbms/usb"
)

// Attachment describes a claimed mass storage interface. The pipe
// handles are produced by a platform binding; the transport takes
// exclusive ownership of them until Terminate.
type Attachment struct {
	Interface   usb.Interface
	BulkIn      usb.InPipe
	BulkOut     usb.OutPipe
	InterruptIn usb.InterruptPipe // required for CBI, ignored otherwise

	VendorID  uint16
	ProductID uint16

	// Descriptor values, overridable through the quirk table.
	InterfaceSubclass uint8
	InterfaceProtocol Protocol
}

// Config is the negotiated transport configuration, immutable after
// Attach.
type Config struct {
	Protocol Protocol
	Subclass uint8
	MaxLUN   uint8
	Quirks   Quirks
}

// trbState is the protocol machine phase stored in a request block. The
// BOT and CBI machines define their own constant sets; the request
// block's proto field disambiguates.
type trbState uint8

// requestBlock is the per-command context: the SCSI task handle, wire
// buffers for each phase, and the machine state. It is created on an
// accepted Submit, mutated only by the workloop once its first transfer
// is queued, and released exactly once: through finishRequest, or
// through releaseRequest when that first transfer could not be queued.
type requestBlock struct {
	task  scsi.Task
	proto Protocol
	state trbState
	tag   uint32

	// Cached task attributes, valid after Submit accepts the task.
	dir       scsi.DataDirection
	requested uint32
	timeout   time.Duration

	cbwBuf    [CBWSize]byte
	cswBuf    [CSWSize]byte
	statusBuf [EndpointStatusSize]byte
	cbiCmd    [CBICommandSize]byte
	cbiStatus [CBIStatusSize]byte

	// Bytes moved in the data phase.
	dataActual int

	// Pipe being probed or cleared after a data phase error.
	stalled usb.Pipe

	released bool
}

// completionEvent carries one USB completion into the workloop.
type completionEvent struct {
	rb     *requestBlock
	err    error
	actual int
}

// Transport carries SCSI command blocks to a mass storage device over
// one of the class transport protocols. Create with Attach.
type Transport struct {
	ifc     usb.Interface
	bulkIn  usb.InPipe
	bulkOut usb.OutPipe
	intrIn  usb.InterruptPipe

	cfg Config

	mu       sync.Mutex
	busy     bool
	attached bool
	closed   bool
	inflight *requestBlock
	tag      uint32
	clients  map[any]struct{}

	// onCloseRequested fires when the last client of a multi-LUN
	// transport closes.
	onCloseRequested func()

	// Reset coordination: workers set resetInProgress under resetMu and
	// broadcast on resetCond when done. Waiters park on the condition.
	resetMu         sync.Mutex
	resetCond       *sync.Cond
	resetInProgress bool
	resetErr        error

	// Live reset/abort workers. Terminate waits for them.
	workers sync.WaitGroup

	events       chan completionEvent
	quit         chan struct{}
	workloopDone chan struct{}

	luns []*LogicalUnit
}

// Attach binds the transport to a claimed interface, resolves the
// protocol and subclass against the quirk table, discovers Max LUN, and
// publishes one LogicalUnit per LUN when Max LUN is above zero (with a
// single LUN the transport is its own nub). The quirk table may be nil.
func Attach(att Attachment, quirks *QuirkTable) (*Transport, error) {
	if att.Interface == nil || att.BulkIn == nil || att.BulkOut == nil {
		return nil, pkg.ErrInvalidEndpoint
	}

	q := quirks.Lookup(att.VendorID, att.ProductID)

	proto := att.InterfaceProtocol
	if q.HasPreferredProtocol {
		proto = q.PreferredProtocol
	}
	subclass := att.InterfaceSubclass
	if q.HasPreferredSubclass {
		subclass = q.PreferredSubclass
	}

	switch proto {
	case ProtocolBulkOnly, ProtocolCB:
	case ProtocolCBI:
		if att.InterruptIn == nil {
			return nil, pkg.ErrInvalidEndpoint
		}
	default:
		return nil, pkg.ErrInvalidRequest
	}

	t := &Transport{
		ifc:     att.Interface,
		bulkIn:  att.BulkIn,
		bulkOut: att.BulkOut,
		intrIn:  att.InterruptIn,
		cfg: Config{
			Protocol: proto,
			Subclass: subclass,
			Quirks:   q,
		},
		attached:     true,
		clients:      make(map[any]struct{}),
		events:       make(chan completionEvent, 8),
		quit:         make(chan struct{}),
		workloopDone: make(chan struct{}),
	}
	t.resetCond = sync.NewCond(&t.resetMu)

	go t.workloop()

	t.cfg.MaxLUN = t.discoverMaxLUN()
	t.publishLogicalUnits()

	pkg.LogInfo(pkg.ComponentTransport, "attached",
		"protocol", proto.String(),
		"subclass", subclass,
		"maxLUN", t.cfg.MaxLUN)

	return t, nil
}

// Configuration returns the negotiated transport configuration.
func (t *Transport) Configuration() Config {
	return t.cfg
}

// Submit accepts a SCSI task for execution. It returns SubmitRejected
// without starting anything when the transport is busy, detached, or
// terminated, or when the task violates the submission contract. On
// SubmitInProcess the verdict arrives later through task.Complete.
func (t *Transport) Submit(task scsi.Task) (scsi.SubmitResult, error) {
	if task == nil {
		return scsi.SubmitRejected, pkg.ErrInvalidRequest
	}
	if !scsi.ValidCDBLength(len(task.CDB())) {
		return scsi.SubmitRejected, pkg.ErrInvalidRequest
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return scsi.SubmitRejected, pkg.ErrClosed
	}
	if !t.attached {
		t.mu.Unlock()
		return scsi.SubmitRejected, pkg.ErrNoDevice
	}
	if task.LUN() > t.cfg.MaxLUN {
		t.mu.Unlock()
		return scsi.SubmitRejected, pkg.ErrInvalidRequest
	}
	if t.busy {
		t.mu.Unlock()
		return scsi.SubmitRejected, pkg.ErrBusy
	}

	t.busy = true
	t.tag++
	rb := &requestBlock{
		task:      task,
		proto:     t.cfg.Protocol,
		tag:       t.tag,
		dir:       task.Direction(),
		requested: task.RequestedByteCount(),
		timeout:   task.Timeout(),
	}
	t.inflight = rb
	t.mu.Unlock()

	var err error
	if rb.proto == ProtocolBulkOnly {
		err = t.botStart(rb)
	} else {
		err = t.cbiStart(rb)
	}
	if err != nil {
		t.releaseRequest(rb)
		return scsi.SubmitRejected, err
	}

	return scsi.SubmitInProcess, nil
}

// AbortTask would abort a single in-flight command. The class transports
// have no selective abort; device-wide abort runs through Terminate and
// the recovery coordinator.
func (t *Transport) AbortTask(task scsi.Task) error {
	return pkg.ErrRejected
}

// MaxLUN returns the highest valid logical unit number.
func (t *Transport) MaxLUN() uint8 {
	return t.cfg.MaxLUN
}

// MaxBlockCountRead returns the per-command read block limit from the
// quirk table. Zero means no preference.
func (t *Transport) MaxBlockCountRead() uint32 {
	return t.cfg.Quirks.MaxBlockCountRead
}

// MaxBlockCountWrite returns the per-command write block limit. Zero
// means no preference.
func (t *Transport) MaxBlockCountWrite() uint32 {
	return t.cfg.Quirks.MaxBlockCountWrite
}

// MaxByteCountRead returns the per-command read byte limit. Zero means
// no preference.
func (t *Transport) MaxByteCountRead() uint64 {
	return t.cfg.Quirks.MaxByteCountRead
}

// MaxByteCountWrite returns the per-command write byte limit. Zero means
// no preference.
func (t *Transport) MaxByteCountWrite() uint64 {
	return t.cfg.Quirks.MaxByteCountWrite
}

// SetCloseRequestedFunc installs the hook invoked when the last client
// of a multi-LUN transport closes.
func (t *Transport) SetCloseRequestedFunc(f func()) {
	t.mu.Lock()
	t.onCloseRequested = f
	t.mu.Unlock()
}

// HandleOpen registers a client. With a single LUN the open is
// exclusive; with multiple LUNs the client set is multiplexed across the
// logical unit nubs.
func (t *Transport) HandleOpen(client any) bool {
	if client == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.attached {
		return false
	}
	if t.cfg.MaxLUN == 0 && len(t.clients) > 0 {
		if _, ok := t.clients[client]; !ok {
			return false
		}
	}
	t.clients[client] = struct{}{}
	return true
}

// HandleClose removes a client. Closing the last client of a multi-LUN
// transport signals the lower layer that close is being requested.
func (t *Transport) HandleClose(client any) {
	t.mu.Lock()
	if _, ok := t.clients[client]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.clients, client)
	var closeRequested func()
	if len(t.clients) == 0 && t.cfg.MaxLUN > 0 {
		closeRequested = t.onCloseRequested
	}
	t.mu.Unlock()

	if closeRequested != nil {
		closeRequested()
	}
}

// HandleIsOpen reports whether the client holds an open. A nil client
// asks whether any client is open.
func (t *Transport) HandleIsOpen(client any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if client == nil {
		return len(t.clients) > 0
	}
	_, ok := t.clients[client]
	return ok
}

// Attached reports whether the device is still present. Once the flag
// clears it never sets again for this transport instance.
func (t *Transport) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached && !t.closed
}

// workloop is the serial context all protocol machine transitions run
// on. Pipe completions are posted as events; no two callbacks for the
// same request block ever execute concurrently.
func (t *Transport) workloop() {
	defer close(t.workloopDone)
	for {
		select {
		case ev := <-t.events:
			t.dispatch(ev)
		case <-t.quit:
			return
		}
	}
}

// dispatch advances the protocol machine owning the request block.
func (t *Transport) dispatch(ev completionEvent) {
	t.mu.Lock()
	released := ev.rb.released
	t.mu.Unlock()
	if released {
		// Late or duplicate callback for a finished command.
		return
	}

	if ev.rb.proto == ProtocolBulkOnly {
		t.botAdvance(ev.rb, ev.err, ev.actual)
	} else {
		t.cbiAdvance(ev.rb, ev.err, ev.actual)
	}
}

// completion builds the CompletionFunc that re-enters the workloop for
// the given request block. After Terminate the event is dropped.
func (t *Transport) completion(rb *requestBlock) usb.CompletionFunc {
	return func(err error, actual int) {
		select {
		case t.events <- completionEvent{rb: rb, err: err, actual: actual}:
		case <-t.quit:
		}
	}
}

// releaseRequest tears down a request block whose command never started,
// clearing the busy flag without completing the task. The submission
// error goes back to the caller synchronously.
func (t *Transport) releaseRequest(rb *requestBlock) {
	t.mu.Lock()
	rb.released = true
	rb.task = nil
	if t.inflight == rb {
		t.inflight = nil
	}
	t.busy = false
	t.mu.Unlock()
}

// finishRequest releases the request block and delivers the terminal
// verdict upstream. Safe to call from any context; only the first call
// for a block has any effect. The busy flag clears before the upstream
// completion runs so the scheduler may immediately submit again.
func (t *Transport) finishRequest(rb *requestBlock, err error) {
	t.mu.Lock()
	if rb.released {
		t.mu.Unlock()
		return
	}
	rb.released = true
	if t.inflight == rb {
		t.inflight = nil
	}
	t.busy = false
	if errors.Is(err, pkg.ErrNoDevice) {
		t.attached = false
	}
	task := rb.task
	rb.task = nil
	t.mu.Unlock()

	if task == nil {
		return
	}

	response, status := verdict(err)
	pkg.LogDebug(pkg.ComponentTransport, "command complete",
		"tag", rb.tag,
		"response", response.String(),
		"status", status.String(),
		"err", err)
	task.Complete(response, status)
}

// verdict maps an internal error to the upstream completion pair.
func verdict(err error) (scsi.ServiceResponse, scsi.TaskStatus) {
	switch {
	case err == nil:
		return scsi.ServiceTaskComplete, scsi.TaskStatusGood
	case errors.Is(err, pkg.ErrNoDevice), errors.Is(err, pkg.ErrClosed):
		return scsi.ServiceTaskComplete, scsi.TaskStatusDeviceNotPresent
	case errors.Is(err, pkg.ErrCancelled):
		return scsi.ServiceDeliveryFailure, scsi.TaskStatusNoStatus
	default:
		return scsi.ServiceTaskComplete, scsi.TaskStatusCheckCondition
	}
}

// controlSync issues a control transfer and waits for its completion.
// Used outside the workloop (attach-time discovery, resume probes).
func (t *Transport) controlSync(req *usb.DeviceRequest, data []byte) (int, error) {
	type result struct {
		err    error
		actual int
	}
	ch := make(chan result, 1)
	err := t.ifc.Control(req, data, func(err error, actual int) {
		ch <- result{err, actual}
	})
	if err != nil {
		return 0, err
	}
	r := <-ch
	return r.actual, r.err
}

// clearStallSync clears an endpoint halt and waits for the request to
// finish. Used by the recovery paths outside the workloop.
func (t *Transport) clearStallSync(p usb.Pipe) error {
	ch := make(chan error, 1)
	if err := p.ClearStall(func(err error, _ int) { ch <- err }); err != nil {
		return err
	}
	return <-ch
}
