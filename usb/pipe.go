package usb

import "time"

// CompletionFunc is invoked exactly once when an asynchronous transfer
// finishes. err is nil on success, otherwise one of the pkg sentinel
// errors. actual is the number of bytes moved before the transfer ended.
type CompletionFunc func(err error, actual int)

// Pipe is the common surface of all endpoint pipes.
type Pipe interface {
	// Address returns the endpoint address, including the direction bit.
	Address() uint8

	// ClearStall issues CLEAR_FEATURE(ENDPOINT_HALT) for the endpoint and
	// resets the binding's data toggle. done fires when the request
	// completes.
	ClearStall(done CompletionFunc) error

	// Reset resets the pipe's data toggle without touching the device.
	Reset() error

	// Abort cancels all outstanding transfers on the pipe. Each aborted
	// transfer's completion fires with pkg.ErrCancelled.
	Abort() error
}

// InPipe is a bulk IN endpoint (device to host).
type InPipe interface {
	Pipe

	// Read queues a bulk IN transfer into buf. noDataTimeout bounds the
	// wait for the first data on the bus; completionTimeout bounds the
	// whole transfer. A zero timeout means no limit.
	Read(buf []byte, noDataTimeout, completionTimeout time.Duration, done CompletionFunc) error
}

// OutPipe is a bulk OUT endpoint (host to device).
type OutPipe interface {
	Pipe

	// Write queues a bulk OUT transfer from buf. Timeout semantics match
	// InPipe.Read.
	Write(buf []byte, noDataTimeout, completionTimeout time.Duration, done CompletionFunc) error
}

// InterruptPipe is an interrupt IN endpoint. The completion arrives
// whenever the device posts a packet; there is no host-side timeout.
type InterruptPipe interface {
	Pipe

	Read(buf []byte, done CompletionFunc) error
}

// Interface is the claimed USB interface the transport owns. It carries
// the default control pipe and the heavyweight port reset.
type Interface interface {
	// Control issues a control transfer on the default pipe. data is the
	// data stage buffer (nil when req.Length is 0); for IN requests the
	// binding fills it before done fires.
	Control(req *DeviceRequest, data []byte, done CompletionFunc) error

	// InterfaceNumber returns bInterfaceNumber, used as wIndex in
	// interface-recipient requests.
	InterfaceNumber() uint8

	// ResetPort performs a full host-controller port reset and
	// re-enumerates the device. It blocks until the reset completes and
	// must never be called from a completion context.
	ResetPort() error

	// Close releases the interface. Outstanding transfers are aborted.
	Close() error
}
