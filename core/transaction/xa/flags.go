package xa

// Flag is a bit set passed to XA resource operations.
type Flag int32

const (
	TMNoFlags    Flag = 0x00000000
	TMJoin       Flag = 0x00200000
	TMEndRScan   Flag = 0x00800000
	TMStartRScan Flag = 0x01000000
	TMSuspend    Flag = 0x02000000
	TMSuccess    Flag = 0x04000000
	TMResume     Flag = 0x08000000
	TMFail       Flag = 0x20000000
	TMOnePhase   Flag = 0x40000000
)

// Has reports whether every bit of other is set in f.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}
