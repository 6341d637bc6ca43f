package mtp

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// EncodeMTPString packs an MTP string: one length byte (count of
// UTF-16 code units including the terminator) followed by that many
// UTF-16LE code units. An empty string encodes as a single zero byte.
func EncodeMTPString(s string) []byte {
	if s == "" {
		return []byte{0}
	}
	units := utf16.Encode([]rune(s))
	units = append(units, 0) // NUL terminator
	if len(units) > 255 {
		units = units[:255]
		units[254] = 0
	}
	buf := make([]byte, 1+2*len(units))
	buf[0] = byte(len(units))
	for i, u := range units {
		byteOrder.PutUint16(buf[1+2*i:], u)
	}
	return buf
}

// ParseMTPString reads one MTP string from the front of buf and
// returns the decoded string plus the bytes consumed.
func ParseMTPString(buf []byte) (string, int, error) {
	if len(buf) < 1 {
		return "", 0, &ParseError{What: "mtp string", Err: ProtocolError("empty buffer")}
	}
	n := int(buf[0])
	need := 1 + 2*n
	if len(buf) < need {
		return "", 0, &ParseError{What: "mtp string", Err: ProtocolError("truncated string payload")}
	}
	if n == 0 {
		return "", 1, nil
	}
	units := make([]uint16, n)
	for i := 0; i < n; i++ {
		units[i] = byteOrder.Uint16(buf[1+2*i:])
	}
	// Drop the trailing NUL terminator before decoding, if present.
	if units[n-1] == 0 {
		units = units[:n-1]
	}
	return string(utf16.Decode(units)), need, nil
}

// StorageInfo is the in-memory projection of an MTP StorageInfo
// dataset (§4.3): three 16-bit headers, two 64-bit sizes, a 32-bit
// free-space-in-objects count, then two MTP strings.
type StorageInfo struct {
	StorageType      StorageType
	FilesystemType   FilesystemType
	AccessCapability AccessCapability
	MaxCapacity      uint64
	FreeSpaceInBytes uint64
	FreeSpaceObjects uint32
	Description      string
	VolumeLabel      string
}

// Used reports total-used bytes, computed rather than carried on the
// wire (§3: "computed used = total − free").
func (s StorageInfo) Used() uint64 {
	if s.FreeSpaceInBytes > s.MaxCapacity {
		return 0
	}
	return s.MaxCapacity - s.FreeSpaceInBytes
}

// EncodeStorageInfo packs a StorageInfo dataset payload (the bytes
// following the Data container header).
func EncodeStorageInfo(s StorageInfo) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, byteOrder, uint16(s.StorageType))
	binary.Write(buf, byteOrder, uint16(s.FilesystemType))
	binary.Write(buf, byteOrder, uint16(s.AccessCapability))
	binary.Write(buf, byteOrder, s.MaxCapacity)
	binary.Write(buf, byteOrder, s.FreeSpaceInBytes)
	binary.Write(buf, byteOrder, s.FreeSpaceObjects)
	buf.Write(EncodeMTPString(s.Description))
	buf.Write(EncodeMTPString(s.VolumeLabel))
	return buf.Bytes()
}

// DecodeStorageInfo parses a StorageInfo dataset payload.
func DecodeStorageInfo(data []byte) (StorageInfo, error) {
	const fixedLen = 2 + 2 + 2 + 8 + 8 + 4
	if len(data) < fixedLen {
		return StorageInfo{}, &ParseError{What: "StorageInfo", Err: ProtocolError("short payload")}
	}
	var s StorageInfo
	s.StorageType = StorageType(byteOrder.Uint16(data[0:]))
	s.FilesystemType = FilesystemType(byteOrder.Uint16(data[2:]))
	s.AccessCapability = AccessCapability(byteOrder.Uint16(data[4:]))
	s.MaxCapacity = byteOrder.Uint64(data[6:])
	s.FreeSpaceInBytes = byteOrder.Uint64(data[14:])
	s.FreeSpaceObjects = byteOrder.Uint32(data[22:])

	rest := data[fixedLen:]
	desc, n, err := ParseMTPString(rest)
	if err != nil {
		return StorageInfo{}, &ParseError{What: "StorageInfo.Description", Err: err}
	}
	s.Description = desc
	rest = rest[n:]

	label, _, err := ParseMTPString(rest)
	if err != nil {
		return StorageInfo{}, &ParseError{What: "StorageInfo.VolumeLabel", Err: err}
	}
	s.VolumeLabel = label
	return s, nil
}

// ObjectInfo is the in-memory projection of an MTP ObjectInfo dataset
// (§4.3/§3). DateCreated/DateModified follow MTP DateTime syntax,
// "YYYYMMDDThhmmss(.s)?".
type ObjectInfo struct {
	StorageID        uint32
	ObjectFormat     uint16
	ProtectionStatus uint16
	CompressedSize   uint32
	AssociationType  uint16
	AssociationDesc  uint32
	SequenceNumber   uint32
	ParentObject     uint32
	Filename         string
	DateCreated      string
	DateModified     string
	Keywords         string
}

// objectInfoPrefixLen is the fixed byte count preceding the variable
// string block in an ObjectInfo dataset (§4.3: "fixed 52-byte
// prefix").
const objectInfoPrefixLen = 52

// EncodeObjectInfo packs an ObjectInfo dataset payload. Byte 13 of the
// prefix carries the fixed 0x30 quirk documented in spec.md §9; it is
// reverse-engineered from device captures and must not be
// reinterpreted.
func EncodeObjectInfo(o ObjectInfo) []byte {
	prefix := make([]byte, objectInfoPrefixLen)
	byteOrder.PutUint32(prefix[0:], o.StorageID)
	byteOrder.PutUint16(prefix[4:], o.ObjectFormat)
	byteOrder.PutUint16(prefix[6:], o.ProtectionStatus)
	prefix[13] = 0x30
	byteOrder.PutUint32(prefix[8:], o.CompressedSize)
	// bytes 12..38 (thumbnail format/size/pix, image pix/bit depth)
	// are left zero apart from byte 13: this profile never reports
	// thumbnails, and writes ParentObject at bytes 38..42 as MTP's
	// layout specifies.
	byteOrder.PutUint32(prefix[38:], o.ParentObject)
	byteOrder.PutUint16(prefix[42:], o.AssociationType)
	byteOrder.PutUint32(prefix[44:], o.AssociationDesc)
	byteOrder.PutUint32(prefix[48:], o.SequenceNumber)

	buf := new(bytes.Buffer)
	buf.Write(prefix)
	buf.Write(EncodeMTPString(o.Filename))
	buf.Write(EncodeMTPString(o.DateCreated))
	buf.Write(EncodeMTPString(o.DateModified))
	buf.Write(EncodeMTPString(o.Keywords))
	return buf.Bytes()
}

// DecodeObjectInfo parses an ObjectInfo dataset payload. Offsets match
// spec.md §4.3 exactly: format at bytes 4..6, payload size at 8..12,
// association-type at 42..44, association-description at 44..48.
func DecodeObjectInfo(data []byte) (ObjectInfo, error) {
	if len(data) < objectInfoPrefixLen {
		return ObjectInfo{}, &ParseError{What: "ObjectInfo", Err: ProtocolError("short payload, fewer than 52 prefix bytes")}
	}
	var o ObjectInfo
	o.StorageID = byteOrder.Uint32(data[0:])
	o.ObjectFormat = byteOrder.Uint16(data[4:])
	o.ProtectionStatus = byteOrder.Uint16(data[6:])
	o.CompressedSize = byteOrder.Uint32(data[8:])
	o.ParentObject = byteOrder.Uint32(data[38:])
	o.AssociationType = byteOrder.Uint16(data[42:])
	o.AssociationDesc = byteOrder.Uint32(data[44:])
	o.SequenceNumber = byteOrder.Uint32(data[48:])

	rest := data[objectInfoPrefixLen:]

	name, n, err := ParseMTPString(rest)
	if err != nil {
		return ObjectInfo{}, &ParseError{What: "ObjectInfo.Filename", Err: err}
	}
	o.Filename = name
	rest = rest[n:]

	created, n, err := ParseMTPString(rest)
	if err != nil {
		return ObjectInfo{}, &ParseError{What: "ObjectInfo.DateCreated", Err: err}
	}
	o.DateCreated = created
	rest = rest[n:]

	modified, n, err := ParseMTPString(rest)
	if err != nil {
		return ObjectInfo{}, &ParseError{What: "ObjectInfo.DateModified", Err: err}
	}
	o.DateModified = modified
	rest = rest[n:]

	if len(rest) > 0 {
		keywords, _, err := ParseMTPString(rest)
		if err == nil {
			o.Keywords = keywords
		}
	}
	return o, nil
}

// EncodeIDArray packs a 32-bit count followed by that many little
// endian uint32 ids, the wire shape shared by GetStorageIDs and
// GetObjectHandles responses.
func EncodeIDArray(ids []uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, byteOrder, uint32(len(ids)))
	for _, id := range ids {
		binary.Write(buf, byteOrder, id)
	}
	return buf.Bytes()
}

// DecodeIDArray parses a count-prefixed array of 32-bit ids.
func DecodeIDArray(data []byte) ([]uint32, error) {
	if len(data) < 4 {
		return nil, &ParseError{What: "id array", Err: ProtocolError("short payload")}
	}
	count := byteOrder.Uint32(data[0:])
	need := 4 + 4*int(count)
	if len(data) < need {
		return nil, &ParseError{What: "id array", Err: ProtocolError("truncated id array")}
	}
	ids := make([]uint32, count)
	for i := range ids {
		ids[i] = byteOrder.Uint32(data[4+4*i:])
	}
	return ids, nil
}
