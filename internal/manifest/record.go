// Package manifest encodes the records of the column-family manifest.
//
// A record is a protobuf-wire message followed by an 8-byte checksum
// (the first 8 bytes of its BLAKE2b-256 digest):
//
//	1: op      varint
//	2: id      varint
//	3: name    bytes
//	4: options bytes
//	5: db_id   bytes (Identity only)
//	6: format  varint (Identity only)
//
// Unknown fields are skipped so newer writers can add fields.
package manifest

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

// FormatVersion is written into the Identity record.
const FormatVersion = 1

const checksumLen = 8

// Op identifies a manifest record kind.
type Op uint8

const (
	OpInvalid Op = iota
	// OpIdentity is the first record of every manifest.
	OpIdentity
	OpCreate
	OpMarkDropping
	OpMarkDropped
)

func (o Op) String() string {
	switch o {
	case OpIdentity:
		return "Identity"
	case OpCreate:
		return "Create"
	case OpMarkDropping:
		return "MarkDropping"
	case OpMarkDropped:
		return "MarkDropped"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

const (
	fieldOp protowire.Number = iota + 1
	fieldID
	fieldName
	fieldOptions
	fieldDBID
	fieldFormat
)

var (
	ErrChecksum  = errors.New("manifest record checksum mismatch")
	ErrTruncated = errors.New("manifest record truncated")
	ErrMalformed = errors.New("malformed manifest record")
)

// Record is one decoded manifest entry.
type Record struct {
	Op      Op
	ID      uint64
	Name    []byte
	Options []byte
	DBID    []byte
	Format  uint64
}

// Marshal encodes r with its trailing checksum.
func (r Record) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Op))
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ID)
	if r.Name != nil {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Name)
	}
	if len(r.Options) > 0 {
		b = protowire.AppendTag(b, fieldOptions, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Options)
	}
	if len(r.DBID) > 0 {
		b = protowire.AppendTag(b, fieldDBID, protowire.BytesType)
		b = protowire.AppendBytes(b, r.DBID)
	}
	if r.Format != 0 {
		b = protowire.AppendTag(b, fieldFormat, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Format)
	}
	return append(b, checksum(b)...)
}

func checksum(body []byte) []byte {
	sum := blake2b.Sum256(body)
	return sum[:checksumLen]
}

// Unmarshal verifies the checksum and decodes data. The returned record
// does not alias data.
func Unmarshal(data []byte) (Record, error) {
	if len(data) < checksumLen {
		return Record{}, ErrTruncated
	}
	body, tail := data[:len(data)-checksumLen], data[len(data)-checksumLen:]
	if !bytes.Equal(checksum(body), tail) {
		return Record{}, ErrChecksum
	}

	var r Record
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		body = body[n:]
		switch {
		case typ == protowire.VarintType && (num == fieldOp || num == fieldID || num == fieldFormat):
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			body = body[n:]
			switch num {
			case fieldOp:
				if v > uint64(OpMarkDropped) {
					return Record{}, fmt.Errorf("%w: unknown op %d", ErrMalformed, v)
				}
				r.Op = Op(v)
			case fieldID:
				r.ID = v
			case fieldFormat:
				r.Format = v
			}
		case typ == protowire.BytesType && (num == fieldName || num == fieldOptions || num == fieldDBID):
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			body = body[n:]
			cp := append([]byte{}, v...)
			switch num {
			case fieldName:
				r.Name = cp
			case fieldOptions:
				r.Options = cp
			case fieldDBID:
				r.DBID = cp
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			body = body[n:]
		}
	}
	if r.Op == OpInvalid {
		return Record{}, fmt.Errorf("%w: missing op", ErrMalformed)
	}
	return r, nil
}
