package transaction

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// GridFormatID is the format id of Xids generated by this module.
const GridFormatID int32 = 0x47524944

// Xid identifies a global transaction branch. The byte fields are held as strings
// so that Xid is comparable and can be used directly as a map key; equality is by
// value.
type Xid struct {
	formatID int32
	gtrid    string
	bqual    string
}

// NewXid builds an Xid from its raw parts. The slices are copied.
func NewXid(formatID int32, globalTransactionID, branchQualifier []byte) Xid {
	return Xid{
		formatID: formatID,
		gtrid:    string(globalTransactionID),
		bqual:    string(branchQualifier),
	}
}

// GenerateXid returns a fresh Xid backed by a random UUID.
func GenerateXid() Xid {
	id := uuid.New()
	return NewXid(GridFormatID, id[:], nil)
}

func (x Xid) FormatID() int32 { return x.formatID }

func (x Xid) GlobalTransactionID() []byte { return []byte(x.gtrid) }

func (x Xid) BranchQualifier() []byte { return []byte(x.bqual) }

// IsZero reports whether x is the zero Xid.
func (x Xid) IsZero() bool { return x == Xid{} }

// String renders x as "format:gtrid-hex:bqual-hex", the form accepted by ParseXid.
func (x Xid) String() string {
	return fmt.Sprintf("%d:%s:%s", x.formatID, hex.EncodeToString([]byte(x.gtrid)), hex.EncodeToString([]byte(x.bqual)))
}

// ParseXid parses the output of Xid.String.
func ParseXid(s string) (Xid, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("malformed xid %q", s)
	}
	format, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid format id %q: %w", parts[0], err)
	}
	gtrid, err := hex.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid global id %q: %w", parts[1], err)
	}
	bqual, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid branch qualifier %q: %w", parts[2], err)
	}
	return NewXid(int32(format), gtrid, bqual), nil
}

// MarshalText implements encoding.TextMarshaler so Xids travel as strings in JSON
// payloads and map keys.
func (x Xid) MarshalText() ([]byte, error) {
	return []byte(x.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (x *Xid) UnmarshalText(b []byte) error {
	parsed, err := ParseXid(string(b))
	if err != nil {
		return err
	}
	*x = parsed
	return nil
}

// CacheXid keys the global transaction table: the same Xid has independent
// state per cache.
type CacheXid struct {
	Cache string `json:"cache"`
	Xid   Xid    `json:"xid"`
}

func (c CacheXid) String() string {
	return c.Cache + "/" + c.Xid.String()
}
