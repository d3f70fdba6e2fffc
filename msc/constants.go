package msc

// USB Mass Storage Class code.
const (
	ClassMassStorage = 0x08
)

// MSC subclass codes.
const (
	SubclassRBC      = 0x01 // Reduced Block Commands
	SubclassMMC5     = 0x02 // Multi-Media Commands (CD/DVD)
	SubclassUFI      = 0x04 // USB Floppy Interface
	SubclassMMC2     = 0x05 // ATAPI/MMC-2
	SubclassSCSI     = 0x06 // SCSI Transparent Command Set
	SubclassLSDFS    = 0x07 // LSD FS
	SubclassIEEE1667 = 0x08 // IEEE 1667
)

// Protocol is the negotiated transport protocol.
type Protocol uint8

// MSC protocol codes (bInterfaceProtocol).
const (
	ProtocolCBI      Protocol = 0x00 // Control/Bulk/Interrupt
	ProtocolCB       Protocol = 0x01 // Control/Bulk (no completion interrupt)
	ProtocolBulkOnly Protocol = 0x50 // Bulk-Only Transport (BOT)
	ProtocolUAS      Protocol = 0x62 // USB Attached SCSI (not supported)
)

// String returns a human-readable protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolCBI:
		return "CBI"
	case ProtocolCB:
		return "CB"
	case ProtocolBulkOnly:
		return "Bulk-Only"
	case ProtocolUAS:
		return "UAS"
	default:
		return "unknown"
	}
}

// Class-specific request codes.
const (
	RequestADSC                     = 0x00 // Accept Device-Specific Command (CBI)
	RequestGetMaxLUN                = 0xFE // Get maximum Logical Unit Number (BOT)
	RequestBulkOnlyMassStorageReset = 0xFF // Bulk-Only Mass Storage Reset (BOT)
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC"
	CBWSize        = 31         // Fixed CBW size in bytes
	CBWFlagDataOut = 0x00       // Data phase: host to device
	CBWFlagDataIn  = 0x80       // Data phase: device to host
	CBWLUNMask     = 0x0F       // bCBWLUN bits 0-3
	CBWCBLenMask   = 0x1F       // bCBWCBLength bits 0-4
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature        = 0x53425355 // "USBS"
	CSWSize             = 13         // Fixed CSW size in bytes
	CSWStatusPassed     = 0x00       // Command passed
	CSWStatusFailed     = 0x01       // Command failed
	CSWStatusPhaseError = 0x02       // Phase error
)

// CBI command block is carried in the ADSC data stage, zero-padded.
const CBICommandSize = 12

// CBI interrupt completion packet size.
const CBIStatusSize = 2

// Endpoint status probe response size (GET_STATUS on an endpoint).
const EndpointStatusSize = 2

// MaxLUN is a 4-bit field; valid LUNs are 0..15.
const MaxLUNLimit = 15
