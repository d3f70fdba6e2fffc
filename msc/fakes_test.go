package msc

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/usbms/scsi"
	"github.com/ardnew/usbms/usb"
)

// testTask implements scsi.Task with a channel the tests wait on.
type testTask struct {
	cdb       []byte
	lun       uint8
	direction scsi.DataDirection
	requested uint32
	buffer    []byte
	timeout   time.Duration

	mu          sync.Mutex
	realized    uint32
	response    scsi.ServiceResponse
	status      scsi.TaskStatus
	completions int
	done        chan struct{}
}

func newTestTask(cdb []byte, dir scsi.DataDirection, requested uint32) *testTask {
	return &testTask{
		cdb:       cdb,
		direction: dir,
		requested: requested,
		done:      make(chan struct{}),
	}
}

func (tk *testTask) CDB() []byte                   { return tk.cdb }
func (tk *testTask) LUN() uint8                    { return tk.lun }
func (tk *testTask) Direction() scsi.DataDirection { return tk.direction }
func (tk *testTask) RequestedByteCount() uint32    { return tk.requested }
func (tk *testTask) Timeout() time.Duration        { return tk.timeout }

func (tk *testTask) Buffer() []byte {
	if tk.buffer == nil && tk.requested > 0 {
		tk.buffer = make([]byte, tk.requested)
	}
	return tk.buffer
}

func (tk *testTask) SetRealizedByteCount(n uint32) {
	tk.mu.Lock()
	tk.realized = n
	tk.mu.Unlock()
}

func (tk *testTask) Complete(response scsi.ServiceResponse, status scsi.TaskStatus) {
	tk.mu.Lock()
	tk.completions++
	first := tk.completions == 1
	tk.response = response
	tk.status = status
	tk.mu.Unlock()
	if first && tk.done != nil {
		close(tk.done)
	}
}

// wait blocks until the task completes and returns the verdict.
func (tk *testTask) wait(t *testing.T) (scsi.ServiceResponse, scsi.TaskStatus) {
	t.Helper()
	select {
	case <-tk.done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not complete")
	}
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.completions != 1 {
		t.Fatalf("task completed %d times", tk.completions)
	}
	return tk.response, tk.status
}

func (tk *testTask) realizedBytes() uint32 {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.realized
}

// pipeStep scripts one transfer completion on a fake pipe. data is
// copied into the caller's buffer for IN transfers. A non-nil hold
// defers the completion until the channel is closed.
type pipeStep struct {
	err    error
	actual int
	data   []byte
	hold   chan struct{}
}

func (st pipeStep) deliver(buf []byte, done usb.CompletionFunc) {
	n := copy(buf, st.data)
	actual := st.actual
	if actual == 0 && st.err == nil {
		if st.data != nil {
			actual = n
		} else {
			actual = len(buf)
		}
	}
	if st.hold != nil {
		go func() {
			<-st.hold
			done(st.err, actual)
		}()
		return
	}
	done(st.err, actual)
}

// fakeBulkIn is a scripted bulk IN pipe.
type fakeBulkIn struct {
	addr      uint8
	steps     []pipeStep
	readLens  []int
	clears    int
	clearErr  error
	aborts    int
	resets    int
	issueErrs []error // synchronous Read errors, consumed first
}

func (p *fakeBulkIn) Address() uint8 { return p.addr }

func (p *fakeBulkIn) ClearStall(done usb.CompletionFunc) error {
	p.clears++
	done(p.clearErr, 0)
	return nil
}

func (p *fakeBulkIn) Reset() error { p.resets++; return nil }
func (p *fakeBulkIn) Abort() error { p.aborts++; return nil }

func (p *fakeBulkIn) Read(buf []byte, _, _ time.Duration, done usb.CompletionFunc) error {
	if len(p.issueErrs) > 0 {
		err := p.issueErrs[0]
		p.issueErrs = p.issueErrs[1:]
		return err
	}
	p.readLens = append(p.readLens, len(buf))
	if len(p.steps) == 0 {
		done(nil, len(buf))
		return nil
	}
	st := p.steps[0]
	p.steps = p.steps[1:]
	st.deliver(buf, done)
	return nil
}

// fakeBulkOut is a scripted bulk OUT pipe recording every write.
type fakeBulkOut struct {
	addr      uint8
	steps     []pipeStep
	writes    [][]byte
	clears    int
	clearErr  error
	aborts    int
	resets    int
	issueErrs []error
}

func (p *fakeBulkOut) Address() uint8 { return p.addr }

func (p *fakeBulkOut) ClearStall(done usb.CompletionFunc) error {
	p.clears++
	done(p.clearErr, 0)
	return nil
}

func (p *fakeBulkOut) Reset() error { p.resets++; return nil }
func (p *fakeBulkOut) Abort() error { p.aborts++; return nil }

func (p *fakeBulkOut) Write(buf []byte, _, _ time.Duration, done usb.CompletionFunc) error {
	if len(p.issueErrs) > 0 {
		err := p.issueErrs[0]
		p.issueErrs = p.issueErrs[1:]
		return err
	}
	p.writes = append(p.writes, append([]byte(nil), buf...))
	if len(p.steps) == 0 {
		done(nil, len(buf))
		return nil
	}
	st := p.steps[0]
	p.steps = p.steps[1:]
	st.deliver(buf, done)
	return nil
}

// fakeInterrupt is a scripted interrupt IN pipe.
type fakeInterrupt struct {
	addr   uint8
	steps  []pipeStep
	reads  int
	clears int
	aborts int
	resets int
}

func (p *fakeInterrupt) Address() uint8 { return p.addr }

func (p *fakeInterrupt) ClearStall(done usb.CompletionFunc) error {
	p.clears++
	done(nil, 0)
	return nil
}

func (p *fakeInterrupt) Reset() error { p.resets++; return nil }
func (p *fakeInterrupt) Abort() error { p.aborts++; return nil }

func (p *fakeInterrupt) Read(buf []byte, done usb.CompletionFunc) error {
	p.reads++
	if len(p.steps) == 0 {
		done(nil, len(buf))
		return nil
	}
	st := p.steps[0]
	p.steps = p.steps[1:]
	st.deliver(buf, done)
	return nil
}

// ctrlCall records one control transfer seen by the fake interface.
type ctrlCall struct {
	req     usb.DeviceRequest
	dataLen int
	data    []byte
}

// fakeInterface is a scripted claimed interface.
type fakeInterface struct {
	num      uint8
	steps    []pipeStep
	calls    []ctrlCall
	resets   int
	resetErr error
	closes   int
}

func (f *fakeInterface) InterfaceNumber() uint8 { return f.num }

func (f *fakeInterface) Control(req *usb.DeviceRequest, data []byte, done usb.CompletionFunc) error {
	f.calls = append(f.calls, ctrlCall{
		req:     *req,
		dataLen: len(data),
		data:    append([]byte(nil), data...),
	})
	if len(f.steps) == 0 {
		done(nil, len(data))
		return nil
	}
	st := f.steps[0]
	f.steps = f.steps[1:]
	st.deliver(data, done)
	return nil
}

func (f *fakeInterface) ResetPort() error {
	f.resets++
	return f.resetErr
}

func (f *fakeInterface) Close() error {
	f.closes++
	return nil
}

// requestsSeen returns the bRequest codes of all recorded control calls.
func (f *fakeInterface) requestsSeen() []uint8 {
	out := make([]uint8, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.req.Request
	}
	return out
}

// makeCSW builds a wire-format Command Status Wrapper.
func makeCSW(tag, residue uint32, status uint8) []byte {
	buf := make([]byte, CSWSize)
	binary.LittleEndian.PutUint32(buf[0:4], CSWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], residue)
	buf[12] = status
	return buf
}

// botRig bundles the fakes behind an attached Bulk-Only transport.
type botRig struct {
	ifc *fakeInterface
	in  *fakeBulkIn
	out *fakeBulkOut
	tr  *Transport
}

// newBOTRig attaches a Bulk-Only transport over fresh fakes. Attach-time
// discovery runs against the unscripted fakes (one GET_MAX_LUN answered
// with zero, so Max LUN is 0 unless a quirk declares it); steps for
// commands are scripted afterward.
func newBOTRig(t *testing.T, quirks *QuirkTable) *botRig {
	t.Helper()
	rig := &botRig{
		ifc: &fakeInterface{num: 0},
		in:  &fakeBulkIn{addr: 0x81},
		out: &fakeBulkOut{addr: 0x02},
	}
	tr, err := Attach(Attachment{
		Interface:         rig.ifc,
		BulkIn:            rig.in,
		BulkOut:           rig.out,
		VendorID:          0x0781,
		ProductID:         0x5581,
		InterfaceSubclass: SubclassSCSI,
		InterfaceProtocol: ProtocolBulkOnly,
	}, quirks)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	rig.tr = tr
	t.Cleanup(func() { _ = tr.Terminate() })
	return rig
}

// read10Task builds a READ(10) task for n bytes.
func read10Task(n uint32) *testTask {
	return newTestTask(
		[]byte{scsi.OpRead10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08, 0x00},
		scsi.DataIn, n)
}

// write10Task builds a WRITE(10) task for n bytes.
func write10Task(n uint32) *testTask {
	return newTestTask(
		[]byte{scsi.OpWrite10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08, 0x00},
		scsi.DataOut, n)
}

// tURTask builds a TEST UNIT READY task (no data phase).
func tURTask() *testTask {
	return newTestTask([]byte{scsi.OpTestUnitReady, 0, 0, 0, 0, 0}, scsi.DataNone, 0)
}
