package msc

import (
	"errors"

	"github.com/ardnew/usbms/pkg"
	"github.com/ardnew/usbms/scsi"
	"github.com/ardnew/usbms/usb"
)

// Bulk-Only Transport machine states. Each state is entered by the
// completion of the transfer the previous state issued.
const (
	botCommandSent trbState = iota + 1
	botBulkIOComplete
	botCheckBulkStall
	botClearBulkStall
	botStatusReceived
	botStatusReceived2ndTime
	botResetCompleted
	botClearBulkInCompleted
	botClearBulkOutCompleted
)

// botStateName maps machine states to log labels.
func botStateName(s trbState) string {
	switch s {
	case botCommandSent:
		return "CommandSent"
	case botBulkIOComplete:
		return "BulkIOComplete"
	case botCheckBulkStall:
		return "CheckBulkStall"
	case botClearBulkStall:
		return "ClearBulkStall"
	case botStatusReceived:
		return "StatusReceived"
	case botStatusReceived2ndTime:
		return "StatusReceived2ndTime"
	case botResetCompleted:
		return "ResetCompleted"
	case botClearBulkInCompleted:
		return "ClearBulkInCompleted"
	case botClearBulkOutCompleted:
		return "ClearBulkOutCompleted"
	default:
		return "invalid"
	}
}

// botStart builds the Command Block Wrapper for the task and writes it
// on bulk OUT. Called from Submit with the request block installed; a
// synchronous error aborts the submission.
func (t *Transport) botStart(rb *requestBlock) error {
	cbw := NewCBW(rb.tag, rb.task)
	if !cbw.Validate(rb.dir) {
		return pkg.ErrInvalidRequest
	}
	cbw.MarshalTo(rb.cbwBuf[:])

	rb.state = botCommandSent
	pkg.LogDebug(pkg.ComponentBOT, "send CBW",
		"tag", rb.tag,
		"length", rb.requested,
		"direction", rb.dir.String())
	return t.bulkOut.Write(rb.cbwBuf[:], rb.timeout, rb.timeout, t.completion(rb))
}

// botAdvance is the single transition function of the Bulk-Only machine.
// It runs on the workloop with the completion that entered the current
// state.
func (t *Transport) botAdvance(rb *requestBlock, err error, actual int) {
	pkg.LogDebug(pkg.ComponentBOT, "advance",
		"state", botStateName(rb.state),
		"tag", rb.tag,
		"err", err,
		"actual", actual)

	switch rb.state {
	case botCommandSent:
		if err != nil {
			// The CBW never made it out; probably a timeout.
			t.finishRequest(rb, err)
			return
		}
		if rb.dir == scsi.DataNone {
			t.botIssue(rb, t.botReceiveCSW(rb, botStatusReceived))
			return
		}
		t.botIssue(rb, t.botTransferData(rb))

	case botBulkIOComplete:
		rb.dataActual = actual
		if err == nil {
			t.botIssue(rb, t.botReceiveCSW(rb, botStatusReceived))
			return
		}
		if errors.Is(err, pkg.ErrNoDevice) {
			t.finishRequest(rb, err)
			return
		}
		if errors.Is(err, pkg.ErrNotResponding) {
			// The device fell off the bus mid-transfer. Hand the command
			// to the recovery coordinator for a port reset.
			t.recoverUnresponsive(rb)
			return
		}
		// Data phase ended early; probe the active endpoint for a halt.
		t.botIssue(rb, t.botCheckStall(rb, t.botDataPipe(rb)))

	case botCheckBulkStall:
		if err != nil {
			t.finishRequest(rb, err)
			return
		}
		if rb.statusBuf[0]&usb.EndpointStatusHalt != 0 {
			rb.state = botClearBulkStall
			t.botIssue(rb, rb.stalled.ClearStall(t.completion(rb)))
			return
		}
		// Endpoint is not halted; the CSW may still be collectable.
		t.botIssue(rb, t.botReceiveCSW(rb, botStatusReceived))

	case botClearBulkStall:
		if err != nil {
			t.finishRequest(rb, err)
			return
		}
		t.botIssue(rb, t.botReceiveCSW(rb, botStatusReceived))

	case botStatusReceived:
		if errors.Is(err, pkg.ErrStall) {
			t.botIssue(rb, t.botCheckStall(rb, t.bulkIn))
			return
		}
		if err != nil {
			// First CSW attempt failed outright; try once more before
			// resorting to reset recovery.
			t.botIssue(rb, t.botReceiveCSW(rb, botStatusReceived2ndTime))
			return
		}
		t.botDecodeCSW(rb)

	case botStatusReceived2ndTime:
		if err != nil {
			t.botIssue(rb, t.botReset(rb, botResetCompleted))
			return
		}
		var csw CommandStatusWrapper
		if ParseCSW(rb.cswBuf[:], &csw) && csw.Tag == rb.tag {
			// The retry produced a valid CSW for this command, but only
			// after the first attempt failed: the transport is out of
			// sync with the device. Fail the command.
			t.finishRequest(rb, pkg.ErrPhase)
			return
		}
		t.botIssue(rb, t.botReset(rb, botResetCompleted))

	case botResetCompleted:
		if err != nil {
			t.finishRequest(rb, err)
			return
		}
		rb.state = botClearBulkInCompleted
		t.botIssue(rb, t.bulkIn.ClearStall(t.completion(rb)))

	case botClearBulkInCompleted:
		if err != nil {
			t.finishRequest(rb, err)
			return
		}
		rb.state = botClearBulkOutCompleted
		t.botIssue(rb, t.bulkOut.ClearStall(t.completion(rb)))

	case botClearBulkOutCompleted:
		// Reset recovery is finished. The command it interrupted is
		// gone; nothing of its data phase counts.
		rb.task.SetRealizedByteCount(0)
		t.finishRequest(rb, pkg.ErrPhase)

	default:
		t.finishRequest(rb, pkg.ErrProtocol)
	}
}

// botIssue finishes the command when a transfer could not be queued.
func (t *Transport) botIssue(rb *requestBlock, err error) {
	if err != nil {
		t.finishRequest(rb, err)
	}
}

// botDataPipe returns the pipe carrying the current data phase.
func (t *Transport) botDataPipe(rb *requestBlock) usb.Pipe {
	if rb.dir == scsi.DataIn {
		return t.bulkIn
	}
	return t.bulkOut
}

// botTransferData starts the data phase on the direction's bulk pipe.
// The same task timeout bounds both the no-data and completion windows.
func (t *Transport) botTransferData(rb *requestBlock) error {
	rb.state = botBulkIOComplete
	buf := rb.task.Buffer()
	if uint32(len(buf)) > rb.requested {
		buf = buf[:rb.requested]
	}
	if rb.dir == scsi.DataIn {
		return t.bulkIn.Read(buf, rb.timeout, rb.timeout, t.completion(rb))
	}
	return t.bulkOut.Write(buf, rb.timeout, rb.timeout, t.completion(rb))
}

// botReceiveCSW queues the 13-byte status read on bulk IN.
func (t *Transport) botReceiveCSW(rb *requestBlock, next trbState) error {
	rb.state = next
	return t.bulkIn.Read(rb.cswBuf[:], rb.timeout, rb.timeout, t.completion(rb))
}

// botCheckStall probes the endpoint's halt bit with GET_STATUS.
func (t *Transport) botCheckStall(rb *requestBlock, p usb.Pipe) error {
	rb.state = botCheckBulkStall
	rb.stalled = p
	req := usb.DeviceRequest{
		RequestType: usb.RequestDirectionIn | usb.RequestTypeStandard | usb.RequestRecipientEndpoint,
		Request:     usb.RequestGetStatus,
		Value:       0,
		Index:       uint16(p.Address()),
		Length:      EndpointStatusSize,
	}
	return t.ifc.Control(&req, rb.statusBuf[:], t.completion(rb))
}

// botReset begins reset recovery: the class-specific Bulk-Only Mass
// Storage Reset, or a standard port reset when the quirk table demands
// one. The port reset runs on a worker since it blocks.
func (t *Transport) botReset(rb *requestBlock, next trbState) error {
	rb.state = next
	pkg.LogWarn(pkg.ComponentBOT, "reset recovery", "tag", rb.tag)

	if t.cfg.Quirks.UseStandardUSBReset {
		done := t.completion(rb)
		t.workers.Add(1)
		go func() {
			defer t.workers.Done()
			done(t.ifc.ResetPort(), 0)
		}()
		return nil
	}

	req := usb.DeviceRequest{
		RequestType: usb.RequestDirectionOut | usb.RequestTypeClass | usb.RequestRecipientInterface,
		Request:     RequestBulkOnlyMassStorageReset,
		Value:       0,
		Index:       uint16(t.ifc.InterfaceNumber()),
		Length:      0,
	}
	return t.ifc.Control(&req, nil, t.completion(rb))
}

// botDecodeCSW interprets a successfully read CSW. Only a wrapper with
// the in-flight tag may drive success; anything else forces a second
// attempt and, failing that, reset recovery.
func (t *Transport) botDecodeCSW(rb *requestBlock) {
	var csw CommandStatusWrapper
	if !ParseCSW(rb.cswBuf[:], &csw) || csw.Tag != rb.tag {
		pkg.LogWarn(pkg.ComponentBOT, "CSW rejected",
			"wantTag", rb.tag,
			"gotTag", csw.Tag)
		t.botIssue(rb, t.botReceiveCSW(rb, botStatusReceived2ndTime))
		return
	}

	switch csw.Status {
	case CSWStatusPassed:
		if csw.DataResidue > rb.requested {
			t.finishRequest(rb, pkg.ErrProtocol)
			return
		}
		realized := rb.requested - csw.DataResidue
		if rb.dir != scsi.DataNone && uint32(rb.dataActual) < realized {
			// The device claims more data moved than the pipe delivered.
			rb.task.SetRealizedByteCount(uint32(rb.dataActual))
			t.finishRequest(rb, pkg.ErrUnderrun)
			return
		}
		rb.task.SetRealizedByteCount(realized)
		t.finishRequest(rb, nil)

	case CSWStatusFailed:
		realized := uint32(0)
		if csw.DataResidue <= rb.requested {
			realized = rb.requested - csw.DataResidue
		}
		rb.task.SetRealizedByteCount(realized)
		t.finishRequest(rb, pkg.ErrProtocol)

	case CSWStatusPhaseError:
		t.botIssue(rb, t.botReset(rb, botResetCompleted))

	default:
		t.finishRequest(rb, pkg.ErrProtocol)
	}
}
