package msc

// Quirks carries the per-device behavior overrides read from the platform
// property store. The zero value means "no overrides". The protocol,
// subclass and declared Max LUN overrides each have a Has* presence flag
// so a declared zero is distinguishable from an absent entry; the other
// fields have none and treat zero (or false) as absent.
type Quirks struct {
	// PreferredProtocol overrides bInterfaceProtocol.
	PreferredProtocol    Protocol
	HasPreferredProtocol bool

	// PreferredSubclass overrides bInterfaceSubClass.
	PreferredSubclass    uint8
	HasPreferredSubclass bool

	// UseStandardUSBReset replaces the class-specific Bulk-Only reset
	// with a standard port reset during reset recovery.
	UseStandardUSBReset bool

	// ResetOnResume forces a port reset whenever the device resumes from
	// a power transition, regardless of the endpoint probe result.
	ResetOnResume bool

	// DeclaredMaxLUN skips GET_MAX_LUN entirely.
	DeclaredMaxLUN    uint8
	HasDeclaredMaxLUN bool

	// Upstream transfer-size preferences. Zero means no preference.
	MaxBlockCountRead  uint32
	MaxBlockCountWrite uint32
	MaxByteCountRead   uint64
	MaxByteCountWrite  uint64
}

// deviceID keys the quirk table.
type deviceID struct {
	vid uint16
	pid uint16
}

// QuirkTable maps devices to their quirk entries.
type QuirkTable struct {
	entries map[deviceID]Quirks
}

// NewQuirkTable creates an empty quirk table.
func NewQuirkTable() *QuirkTable {
	return &QuirkTable{entries: make(map[deviceID]Quirks)}
}

// Add registers quirks for the given vendor/product pair, replacing any
// existing entry.
func (t *QuirkTable) Add(vid, pid uint16, q Quirks) {
	t.entries[deviceID{vid, pid}] = q
}

// Lookup returns the quirks for the given device, or the zero value when
// the device has no entry. Safe on a nil table.
func (t *QuirkTable) Lookup(vid, pid uint16) Quirks {
	if t == nil {
		return Quirks{}
	}
	return t.entries[deviceID{vid, pid}]
}
