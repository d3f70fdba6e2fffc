package msc

import (
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/usbms/pkg"
	"github.com/ardnew/usbms/usb"
)

// HandlePowerOn runs the resume probe: read the bulk IN endpoint status
// and schedule a port reset if the probe fails or the quirk table marks
// the device reset-on-resume. The reset itself runs asynchronously on a
// worker; callers needing its outcome park through the reset flag.
func (t *Transport) HandlePowerOn() {
	t.mu.Lock()
	if t.closed || !t.attached {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if t.cfg.Quirks.ResetOnResume {
		pkg.LogInfo(pkg.ComponentRecovery, "reset on resume quirk")
		t.scheduleReset()
		return
	}

	if _, err := t.endpointStatusSync(t.bulkIn); err != nil {
		pkg.LogWarn(pkg.ComponentRecovery, "resume probe failed", "err", err)
		t.scheduleReset()
	}
}

// endpointStatusSync probes an endpoint's status words through the
// default control pipe and waits for the result.
func (t *Transport) endpointStatusSync(p usb.Pipe) (uint16, error) {
	var buf [EndpointStatusSize]byte
	req := usb.DeviceRequest{
		RequestType: usb.RequestDirectionIn | usb.RequestTypeStandard | usb.RequestRecipientEndpoint,
		Request:     usb.RequestGetStatus,
		Value:       0,
		Index:       uint16(p.Address()),
		Length:      EndpointStatusSize,
	}
	if _, err := t.controlSync(&req, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// scheduleReset marks a reset in progress and starts the worker. The
// flag is set before this returns so a caller can immediately park on
// it with awaitReset. The worker holds the transport live through the
// workers group until it exits. A reset already underway absorbs the
// request.
func (t *Transport) scheduleReset() {
	t.resetMu.Lock()
	if t.resetInProgress {
		t.resetMu.Unlock()
		return
	}
	t.resetInProgress = true
	t.resetMu.Unlock()

	t.workers.Add(1)
	go func() {
		defer t.workers.Done()
		t.runReset()
	}()
}

// resetDevice performs the port reset procedure from a worker context
// and returns its outcome. Concurrent callers coalesce onto the reset
// already in progress and share its result. Never call from the
// workloop.
func (t *Transport) resetDevice() error {
	t.resetMu.Lock()
	if t.resetInProgress {
		for t.resetInProgress {
			t.resetCond.Wait()
		}
		err := t.resetErr
		t.resetMu.Unlock()
		return err
	}
	t.resetInProgress = true
	t.resetMu.Unlock()

	return t.runReset()
}

// runReset is the reset procedure body: reset the port, clear both bulk
// halts, record the outcome, then wake every waiter parked on the flag.
// The caller has already set resetInProgress.
func (t *Transport) runReset() error {
	pkg.LogInfo(pkg.ComponentRecovery, "port reset")
	err := t.ifc.ResetPort()
	if err == nil {
		// The reset dropped both endpoints back to their default state;
		// clear the halts so the data toggles resynchronize.
		if cerr := t.clearStallSync(t.bulkIn); cerr != nil {
			err = cerr
		}
		if cerr := t.clearStallSync(t.bulkOut); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		pkg.LogError(pkg.ComponentRecovery, "port reset failed", "err", err)
	}

	t.resetMu.Lock()
	t.resetErr = err
	t.resetInProgress = false
	t.resetCond.Broadcast()
	t.resetMu.Unlock()

	return err
}

// awaitReset parks until no reset is in progress and returns the most
// recent reset outcome.
func (t *Transport) awaitReset() error {
	t.resetMu.Lock()
	defer t.resetMu.Unlock()
	for t.resetInProgress {
		t.resetCond.Wait()
	}
	return t.resetErr
}

// recoverUnresponsive hands a command whose data phase stopped
// responding to the recovery coordinator. A worker resets the port; if
// even the reset fails the device is gone and every later submission is
// refused.
func (t *Transport) recoverUnresponsive(rb *requestBlock) {
	pkg.LogWarn(pkg.ComponentRecovery, "device unresponsive", "tag", rb.tag)
	t.workers.Add(1)
	go func() {
		defer t.workers.Done()
		if err := t.resetDevice(); err != nil {
			t.finishRequest(rb, pkg.ErrNoDevice)
			return
		}
		t.finishRequest(rb, pkg.ErrTimeout)
	}()
}

// abortPipes cancels all outstanding transfers so nothing stays parked
// on the bus during teardown.
func (t *Transport) abortPipes() error {
	var g errgroup.Group
	g.Go(t.bulkIn.Abort)
	g.Go(t.bulkOut.Abort)
	if t.intrIn != nil {
		g.Go(t.intrIn.Abort)
	}
	return g.Wait()
}

// Terminate dismantles the transport: the in-flight command completes
// with DeviceNotPresent, outstanding transfers are aborted, workers are
// drained, and the interface closes. Every operation after Terminate
// fails with ErrClosed. Idempotent. Must not be called from a task
// completion or transfer completion context.
func (t *Transport) Terminate() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.attached = false
	rb := t.inflight
	t.mu.Unlock()

	// Stop the workloop first so no machine transition races the abort.
	close(t.quit)
	<-t.workloopDone

	if rb != nil {
		t.finishRequest(rb, pkg.ErrNoDevice)
	}

	abortErr := t.abortPipes()
	t.workers.Wait()

	closeErr := t.ifc.Close()

	pkg.LogInfo(pkg.ComponentTransport, "terminated")

	if abortErr != nil {
		return abortErr
	}
	return closeErr
}
