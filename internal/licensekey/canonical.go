// Package licensekey encodes license records canonically and produces both key forms:
// short formatted keys backed by the store and self-contained sealed keys.
package licensekey

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dlnk/licensecore/internal/model"
)

// Field numbers of the canonical record. Order on the wire is fixed and ascending.
const (
	fieldLicenseID   protowire.Number = 1
	fieldOwnerUserID protowire.Number = 2
	fieldType        protowire.Number = 3
	fieldCreatedAt   protowire.Number = 4
	fieldExpiresAt   protowire.Number = 5
	fieldHardwareID  protowire.Number = 6
	fieldFeatures    protowire.Number = 7
	fieldMaxDevices  protowire.Number = 8
	fieldOwnerName   protowire.Number = 9
	fieldEmail       protowire.Number = 10
)

var errCanonical = errors.New("non-canonical record")

// Marshal returns the canonical bytes of l. Equal records always produce equal bytes.
func Marshal(l model.License) []byte {
	features := append([]string(nil), l.Features...)
	sort.Strings(features)

	b := make([]byte, 0, 128)
	b = protowire.AppendTag(b, fieldLicenseID, protowire.BytesType)
	b = protowire.AppendBytes(b, l.ID.Bytes())
	b = protowire.AppendTag(b, fieldOwnerUserID, protowire.BytesType)
	b = protowire.AppendBytes(b, l.OwnerUserID.Bytes())
	b = protowire.AppendTag(b, fieldType, protowire.BytesType)
	b = protowire.AppendString(b, string(l.Type))
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(l.CreatedAt.UnixMilli()))
	b = protowire.AppendTag(b, fieldExpiresAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(l.ExpiresAt.UnixMilli()))
	if l.BoundHardwareID != "" {
		b = protowire.AppendTag(b, fieldHardwareID, protowire.BytesType)
		b = protowire.AppendString(b, l.BoundHardwareID)
	}
	for _, f := range features {
		b = protowire.AppendTag(b, fieldFeatures, protowire.BytesType)
		b = protowire.AppendString(b, f)
	}
	b = protowire.AppendTag(b, fieldMaxDevices, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(l.MaxDevices))
	b = protowire.AppendTag(b, fieldOwnerName, protowire.BytesType)
	b = protowire.AppendString(b, l.OwnerName)
	b = protowire.AppendTag(b, fieldEmail, protowire.BytesType)
	b = protowire.AppendString(b, l.Email)
	return b
}

// Unmarshal parses canonical bytes strictly: unknown fields, wrong wire types,
// out-of-order fields, unsorted features and missing fields are all rejected.
func Unmarshal(b []byte) (model.License, error) {
	var (
		l    model.License
		last protowire.Number
		seen = map[protowire.Number]bool{}
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return model.License{}, protowire.ParseError(n)
		}
		b = b[n:]
		if num < last || (num == last && num != fieldFeatures) {
			return model.License{}, fmt.Errorf("%w: field %d out of order", errCanonical, num)
		}
		last = num
		seen[num] = true

		switch num {
		case fieldLicenseID, fieldOwnerUserID:
			v, m, err := consumeBytes(b, typ)
			if err != nil {
				return model.License{}, err
			}
			b = b[m:]
			id, err := uuid.FromBytes(v)
			if err != nil {
				return model.License{}, fmt.Errorf("%w: field %d: %v", errCanonical, num, err)
			}
			if num == fieldLicenseID {
				l.ID = id
			} else {
				l.OwnerUserID = id
			}
		case fieldType, fieldHardwareID, fieldFeatures, fieldOwnerName, fieldEmail:
			v, m, err := consumeBytes(b, typ)
			if err != nil {
				return model.License{}, err
			}
			b = b[m:]
			s := string(v)
			switch num {
			case fieldType:
				l.Type = model.LicenseType(s)
			case fieldHardwareID:
				l.BoundHardwareID = s
			case fieldFeatures:
				if k := len(l.Features); k > 0 && l.Features[k-1] >= s {
					return model.License{}, fmt.Errorf("%w: features not sorted", errCanonical)
				}
				l.Features = append(l.Features, s)
			case fieldOwnerName:
				l.OwnerName = s
			case fieldEmail:
				l.Email = s
			}
		case fieldCreatedAt, fieldExpiresAt, fieldMaxDevices:
			if typ != protowire.VarintType {
				return model.License{}, fmt.Errorf("%w: field %d wire type %d", errCanonical, num, typ)
			}
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return model.License{}, protowire.ParseError(m)
			}
			b = b[m:]
			switch num {
			case fieldCreatedAt:
				l.CreatedAt = time.UnixMilli(protowire.DecodeZigZag(v)).UTC()
			case fieldExpiresAt:
				l.ExpiresAt = time.UnixMilli(protowire.DecodeZigZag(v)).UTC()
			case fieldMaxDevices:
				if v == 0 || v > 1<<16 {
					return model.License{}, fmt.Errorf("%w: max_devices %d", errCanonical, v)
				}
				l.MaxDevices = int(v)
			}
		default:
			return model.License{}, fmt.Errorf("%w: unknown field %d", errCanonical, num)
		}
	}
	for _, req := range []protowire.Number{fieldLicenseID, fieldOwnerUserID, fieldType, fieldCreatedAt, fieldExpiresAt, fieldMaxDevices, fieldOwnerName, fieldEmail} {
		if !seen[req] {
			return model.License{}, fmt.Errorf("%w: missing field %d", errCanonical, req)
		}
	}
	if !l.Type.Valid() {
		return model.License{}, fmt.Errorf("%w: license type %q", errCanonical, l.Type)
	}
	return l, nil
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: wire type %d", errCanonical, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// Checksum returns a short hex digest of canonical bytes for log correlation.
func Checksum(canonical []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical))
}
