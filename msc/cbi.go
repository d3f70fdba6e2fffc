package msc

import (
	"errors"

	"github.com/ardnew/usbms/pkg"
	"github.com/ardnew/usbms/scsi"
	"github.com/ardnew/usbms/usb"
)

// CBI/CB machine states. CB devices skip the interrupt status phase and
// infer success from the absence of a stall.
const (
	cbiCommandSent trbState = iota + 1
	cbiBulkIOComplete
	cbiClearStall
	cbiStatusReceived
)

// cbiStateName maps machine states to log labels.
func cbiStateName(s trbState) string {
	switch s {
	case cbiCommandSent:
		return "CommandSent"
	case cbiBulkIOComplete:
		return "BulkIOComplete"
	case cbiClearStall:
		return "ClearStall"
	case cbiStatusReceived:
		return "StatusReceived"
	default:
		return "invalid"
	}
}

// cbiStart issues the ADSC control transfer carrying the CDB as its
// data stage, zero-padded to twelve bytes.
func (t *Transport) cbiStart(rb *requestBlock) error {
	cdb := rb.task.CDB()
	if len(cdb) > CBICommandSize {
		return pkg.ErrInvalidRequest
	}
	copy(rb.cbiCmd[:], cdb)

	rb.state = cbiCommandSent
	pkg.LogDebug(pkg.ComponentCBI, "send ADSC",
		"tag", rb.tag,
		"length", rb.requested,
		"direction", rb.dir.String())

	req := adscRequest(uint16(t.ifc.InterfaceNumber()))
	return t.ifc.Control(&req, rb.cbiCmd[:], t.completion(rb))
}

// cbiAdvance is the transition function of the CBI/CB machine.
func (t *Transport) cbiAdvance(rb *requestBlock, err error, actual int) {
	pkg.LogDebug(pkg.ComponentCBI, "advance",
		"state", cbiStateName(rb.state),
		"tag", rb.tag,
		"err", err,
		"actual", actual)

	switch rb.state {
	case cbiCommandSent:
		if err != nil {
			t.finishRequest(rb, err)
			return
		}
		if rb.dir == scsi.DataNone {
			t.cbiStatusPhase(rb)
			return
		}
		if issueErr := t.cbiTransferData(rb); issueErr != nil {
			t.finishRequest(rb, issueErr)
		}

	case cbiBulkIOComplete:
		rb.dataActual = actual
		if err == nil {
			t.cbiStatusPhase(rb)
			return
		}
		if errors.Is(err, pkg.ErrStall) {
			// Clear the halt, then report the failure upward; the CBI
			// transports have no status retry.
			rb.state = cbiClearStall
			if issueErr := t.botDataPipe(rb).ClearStall(t.completion(rb)); issueErr != nil {
				t.finishRequest(rb, issueErr)
			}
			return
		}
		t.finishRequest(rb, err)

	case cbiClearStall:
		t.finishRequest(rb, pkg.ErrStall)

	case cbiStatusReceived:
		if err != nil {
			t.finishRequest(rb, err)
			return
		}
		t.cbiDecodeStatus(rb)

	default:
		t.finishRequest(rb, pkg.ErrProtocol)
	}
}

// adscRequest builds the Accept Device-Specific Command SETUP packet.
func adscRequest(ifcNumber uint16) usb.DeviceRequest {
	return usb.DeviceRequest{
		RequestType: usb.RequestDirectionOut | usb.RequestTypeClass | usb.RequestRecipientInterface,
		Request:     RequestADSC,
		Value:       0,
		Index:       ifcNumber,
		Length:      CBICommandSize,
	}
}

// cbiTransferData starts the optional data phase.
func (t *Transport) cbiTransferData(rb *requestBlock) error {
	rb.state = cbiBulkIOComplete
	buf := rb.task.Buffer()
	if uint32(len(buf)) > rb.requested {
		buf = buf[:rb.requested]
	}
	if rb.dir == scsi.DataIn {
		return t.bulkIn.Read(buf, rb.timeout, rb.timeout, t.completion(rb))
	}
	return t.bulkOut.Write(buf, rb.timeout, rb.timeout, t.completion(rb))
}

// cbiStatusPhase collects completion status: an interrupt packet for
// CBI, implicit success for CB.
func (t *Transport) cbiStatusPhase(rb *requestBlock) {
	if rb.proto == ProtocolCB {
		rb.task.SetRealizedByteCount(uint32(rb.dataActual))
		t.finishRequest(rb, nil)
		return
	}

	rb.state = cbiStatusReceived
	if err := t.intrIn.Read(rb.cbiStatus[:], t.completion(rb)); err != nil {
		t.finishRequest(rb, err)
	}
}

// cbiDecodeStatus interprets the two-byte interrupt completion. UFI
// devices report ASC/ASCQ; other subclasses report pass/fail in the
// first byte.
func (t *Transport) cbiDecodeStatus(rb *requestBlock) {
	pass := false
	if t.cfg.Subclass == SubclassUFI {
		pass = rb.cbiStatus[0] == 0 && rb.cbiStatus[1] == 0
	} else {
		pass = rb.cbiStatus[0] == 0
	}

	if !pass {
		pkg.LogDebug(pkg.ComponentCBI, "interrupt status failed",
			"tag", rb.tag,
			"status", rb.cbiStatus[:])
		t.finishRequest(rb, pkg.ErrProtocol)
		return
	}
	rb.task.SetRealizedByteCount(uint32(rb.dataActual))
	t.finishRequest(rb, nil)
}
