package msc

import (
	"errors"

	"github.com/ardnew/usbms/pkg"
	"github.com/ardnew/usbms/usb"
)

// getMaxLUNAttempts bounds the stall-and-retry loop.
const getMaxLUNAttempts = 3

// discoverMaxLUN resolves the highest valid logical unit number during
// attach. A declared quirk short-circuits the device request for every
// protocol; without one, the CBI transports have no GET_MAX_LUN and
// report zero.
func (t *Transport) discoverMaxLUN() uint8 {
	if t.cfg.Quirks.HasDeclaredMaxLUN {
		return t.cfg.Quirks.DeclaredMaxLUN & CBWLUNMask
	}
	if t.cfg.Protocol != ProtocolBulkOnly {
		return 0
	}

	resetTried := false
	for attempt := 1; attempt <= getMaxLUNAttempts; attempt++ {
		var b [1]byte
		req := usb.DeviceRequest{
			RequestType: usb.RequestDirectionIn | usb.RequestTypeClass | usb.RequestRecipientInterface,
			Request:     RequestGetMaxLUN,
			Value:       0,
			Index:       uint16(t.ifc.InterfaceNumber()),
			Length:      1,
		}

		_, err := t.controlSync(&req, b[:])
		switch {
		case err == nil:
			return b[0] & CBWLUNMask

		case errors.Is(err, pkg.ErrStall):
			// Devices that predate GET_MAX_LUN stall the request; some
			// answer once the halt clears.
			pkg.LogDebug(pkg.ComponentTransport, "GET_MAX_LUN stalled",
				"attempt", attempt)
			t.clearControlHalt()

		case errors.Is(err, pkg.ErrNotResponding), errors.Is(err, pkg.ErrTimeout):
			if resetTried {
				return 0
			}
			resetTried = true
			pkg.LogWarn(pkg.ComponentTransport, "device unresponsive during GET_MAX_LUN")
			t.scheduleReset()
			if t.awaitReset() != nil {
				return 0
			}

		default:
			// The device refuses the request outright; it has one LUN.
			return 0
		}
	}
	return 0
}

// clearControlHalt clears a halt reported on the default control pipe.
func (t *Transport) clearControlHalt() {
	req := usb.DeviceRequest{
		RequestType: usb.RequestDirectionOut | usb.RequestTypeStandard | usb.RequestRecipientEndpoint,
		Request:     usb.RequestClearFeature,
		Value:       usb.FeatureEndpointHalt,
		Index:       0,
		Length:      0,
	}
	if _, err := t.controlSync(&req, nil); err != nil {
		pkg.LogWarn(pkg.ComponentTransport, "control halt clear failed", "err", err)
	}
}
