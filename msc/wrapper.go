package msc

import (
	"encoding/binary"

	"github.com/ardnew/usbms/scsi"
)

// CommandBlockWrapper represents a Command Block Wrapper in Bulk-Only
// Transport. The host builds one per command and writes it on bulk OUT.
type CommandBlockWrapper struct {
	Signature          uint32   // Must be CBWSignature
	Tag                uint32   // Command block tag, echoed in the CSW
	DataTransferLength uint32   // Number of bytes in the data phase
	Flags              uint8    // Direction flag (bit 7: 0=Out, 1=In)
	LUN                uint8    // Logical Unit Number (bits 0-3)
	CBLength           uint8    // Command block length (1-16)
	CB                 [16]byte // Command block (SCSI CDB, left-justified)
}

// NewCBW builds a wrapper for the given task. The CDB is copied
// left-justified into the command block with trailing bytes zero. A
// command with no data phase carries Flags = 0 regardless of direction.
func NewCBW(tag uint32, task scsi.Task) CommandBlockWrapper {
	cbw := CommandBlockWrapper{
		Signature:          CBWSignature,
		Tag:                tag,
		DataTransferLength: task.RequestedByteCount(),
		LUN:                task.LUN() & CBWLUNMask,
		CBLength:           uint8(len(task.CDB())) & CBWCBLenMask,
	}
	if task.Direction() == scsi.DataIn && cbw.DataTransferLength > 0 {
		cbw.Flags = CBWFlagDataIn
	}
	copy(cbw.CB[:], task.CDB())
	return cbw
}

// MarshalTo writes the wrapper to buf in wire order (little-endian).
// Returns the number of bytes written, or 0 if buf is too small.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], cbw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], cbw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], cbw.DataTransferLength)
	buf[12] = cbw.Flags
	buf[13] = cbw.LUN & CBWLUNMask
	buf[14] = cbw.CBLength & CBWCBLenMask
	copy(buf[15:31], cbw.CB[:])

	return CBWSize
}

// Validate checks the wrapper's well-formedness before it goes on the
// wire: signature, command block length bounds, and the direction flag
// mirroring the data phase. dir is the task's data direction.
func (cbw *CommandBlockWrapper) Validate(dir scsi.DataDirection) bool {
	if cbw.Signature != CBWSignature {
		return false
	}
	if !scsi.ValidCDBLength(int(cbw.CBLength)) {
		return false
	}
	if cbw.LUN > CBWLUNMask {
		return false
	}
	wantIn := dir == scsi.DataIn && cbw.DataTransferLength > 0
	if (cbw.Flags&CBWFlagDataIn != 0) != wantIn {
		return false
	}
	return cbw.Flags&^uint8(CBWFlagDataIn) == 0
}

// IsDataIn returns true if the data phase is device-to-host.
func (cbw *CommandBlockWrapper) IsDataIn() bool {
	return cbw.Flags&CBWFlagDataIn != 0
}

// CommandStatusWrapper represents a Command Status Wrapper in Bulk-Only
// Transport. The device returns one on bulk IN after the data phase.
type CommandStatusWrapper struct {
	Signature   uint32 // Must be CSWSignature
	Tag         uint32 // Must match the CBW tag
	DataResidue uint32 // Bytes NOT transferred in the data phase
	Status      uint8  // CSWStatus*
}

// ParseCSW parses a Command Status Wrapper from raw bytes.
// Returns false if data is too short or the signature is invalid.
func ParseCSW(data []byte, out *CommandStatusWrapper) bool {
	if len(data) < CSWSize {
		return false
	}

	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	if out.Signature != CSWSignature {
		return false
	}

	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataResidue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = data[12]

	return true
}
