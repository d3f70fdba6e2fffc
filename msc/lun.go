package msc

import (
	"github.com/ardnew/usbms/pkg"
	"github.com/ardnew/usbms/scsi"
)

// LogicalUnit is the per-LUN nub a multi-LUN transport publishes to the
// upstream SCSI layer. Every unit forwards into the shared transport, so
// the single-command-in-flight constraint spans all units of a device.
type LogicalUnit struct {
	t   *Transport
	lun uint8
}

// LUN returns the unit's logical unit number.
func (u *LogicalUnit) LUN() uint8 {
	return u.lun
}

// Transport returns the owning transport.
func (u *LogicalUnit) Transport() *Transport {
	return u.t
}

// Submit forwards a task addressed to this unit. Tasks carrying a
// different LUN are rejected.
func (u *LogicalUnit) Submit(task scsi.Task) (scsi.SubmitResult, error) {
	if task != nil && task.LUN() != u.lun {
		return scsi.SubmitRejected, pkg.ErrInvalidRequest
	}
	return u.t.Submit(task)
}

// HandleOpen registers a client against the shared transport.
func (u *LogicalUnit) HandleOpen(client any) bool {
	return u.t.HandleOpen(client)
}

// HandleClose removes a client from the shared transport.
func (u *LogicalUnit) HandleClose(client any) {
	u.t.HandleClose(client)
}

// HandleIsOpen reports whether the client holds an open.
func (u *LogicalUnit) HandleIsOpen(client any) bool {
	return u.t.HandleIsOpen(client)
}

// publishLogicalUnits creates the per-LUN nubs once Max LUN is known.
// With a single LUN the transport itself is the sole nub and the slice
// stays empty.
func (t *Transport) publishLogicalUnits() {
	if t.cfg.MaxLUN == 0 {
		return
	}
	t.luns = make([]*LogicalUnit, t.cfg.MaxLUN+1)
	for i := range t.luns {
		t.luns[i] = &LogicalUnit{t: t, lun: uint8(i)}
	}
}

// LogicalUnits returns the published nubs, one per LUN in ascending
// order, or nil when the transport is its own sole nub (Max LUN zero).
func (t *Transport) LogicalUnits() []*LogicalUnit {
	return t.luns
}
