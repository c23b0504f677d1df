package transaction

import (
	"bytes"
	"fmt"
	"time"

	"github.com/sushant-115/gojogrid/internal/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary layouts used by the replicated transaction table. Field numbers are
// part of the on-disk raft log format and must not be reused.
const (
	xidFormatField protowire.Number = 1
	xidGtridField  protowire.Number = 2
	xidBqualField  protowire.Number = 3

	modKeyField       protowire.Number = 1
	modValueField     protowire.Number = 2
	modRemoveField    protowire.Number = 3
	modLifespanField  protowire.Number = 4
	modMaxIdleField   protowire.Number = 5
	modVersionedField protowire.Number = 6
	modVersionField   protowire.Number = 7

	cacheXidCacheField protowire.Number = 1
	cacheXidXidField   protowire.Number = 2
)

// AppendBinary appends the wire form of x to b.
func (x Xid) AppendBinary(b []byte) []byte {
	b = wire.AppendVarint(b, xidFormatField, uint64(uint32(x.formatID)))
	b = wire.AppendString(b, xidGtridField, x.gtrid)
	b = wire.AppendString(b, xidBqualField, x.bqual)
	return b
}

// DecodeXid parses the output of Xid.AppendBinary.
func DecodeXid(b []byte) (Xid, error) {
	var x Xid
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case xidFormatField:
			x.formatID = int32(uint32(f.Varint))
		case xidGtridField:
			x.gtrid = string(f.Bytes)
		case xidBqualField:
			x.bqual = string(f.Bytes)
		}
		return nil
	})
	if err != nil {
		return Xid{}, fmt.Errorf("decode xid: %w", err)
	}
	return x, nil
}

// AppendBinary appends the wire form of c to b.
func (c CacheXid) AppendBinary(b []byte) []byte {
	b = wire.AppendString(b, cacheXidCacheField, c.Cache)
	return wire.AppendMessage(b, cacheXidXidField, c.Xid.AppendBinary)
}

// DecodeCacheXid parses the output of CacheXid.AppendBinary.
func DecodeCacheXid(b []byte) (CacheXid, error) {
	var c CacheXid
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case cacheXidCacheField:
			c.Cache = string(f.Bytes)
		case cacheXidXidField:
			x, err := DecodeXid(f.Bytes)
			if err != nil {
				return err
			}
			c.Xid = x
		}
		return nil
	})
	if err != nil {
		return CacheXid{}, fmt.Errorf("decode cache xid: %w", err)
	}
	return c, nil
}

// AppendBinary appends the wire form of m to b.
func (m Modification) AppendBinary(b []byte) []byte {
	b = wire.AppendBytes(b, modKeyField, m.Key)
	b = wire.AppendBytes(b, modValueField, m.Value)
	b = wire.AppendBool(b, modRemoveField, m.Remove)
	b = wire.AppendVarint(b, modLifespanField, uint64(m.Lifespan))
	b = wire.AppendVarint(b, modMaxIdleField, uint64(m.MaxIdle))
	b = wire.AppendBool(b, modVersionedField, m.Versioned)
	b = wire.AppendVarint(b, modVersionField, m.Version)
	return b
}

// DecodeModification parses the output of Modification.AppendBinary.
func DecodeModification(b []byte) (Modification, error) {
	var m Modification
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case modKeyField:
			m.Key = bytes.Clone(f.Bytes)
		case modValueField:
			m.Value = bytes.Clone(f.Bytes)
		case modRemoveField:
			m.Remove = protowire.DecodeBool(f.Varint)
		case modLifespanField:
			m.Lifespan = time.Duration(f.Varint)
		case modMaxIdleField:
			m.MaxIdle = time.Duration(f.Varint)
		case modVersionedField:
			m.Versioned = protowire.DecodeBool(f.Varint)
		case modVersionField:
			m.Version = f.Varint
		}
		return nil
	})
	if err != nil {
		return Modification{}, fmt.Errorf("decode modification: %w", err)
	}
	return m, nil
}
