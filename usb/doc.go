// Package usb defines the pipe abstraction the mass storage transport
// drives its USB traffic through.
//
// The transport core is deliberately decoupled from any particular host
// stack. A platform binding (usbfs, libusb, a vendored HAL) implements the
// small interfaces in this package — bulk IN/OUT pipes, an optional
// interrupt IN pipe, and the owning interface with its default control
// pipe — and hands them to msc.Attach.
//
// # Completion model
//
// All transfers are asynchronous: the initiating call returns as soon as
// the transfer is queued, and the CompletionFunc fires exactly once when
// the transfer finishes. Implementations must deliver completions for any
// one pipe in submission order; the transport state machines rely on this.
// Completion errors use the sentinel vocabulary in the pkg package
// (pkg.ErrStall, pkg.ErrTimeout, ...), typically produced through
// pkg.TransferStatus.Error.
//
// # Control requests
//
// DeviceRequest mirrors the 8-byte SETUP packet. The transport issues
// class-specific requests (Bulk-Only reset, Get Max LUN, ADSC) and the
// standard GET_STATUS endpoint probe through Interface.Control;
// CLEAR_FEATURE(ENDPOINT_HALT) on the bulk endpoints goes through
// Pipe.ClearStall so bindings can also reset their data toggle. The halt
// clear for the default control pipe is issued through Interface.Control.
package usb
