package mtp

import (
	"bytes"
	"encoding/binary"
)

var byteOrder = binary.LittleEndian

// containerHeader is the 12-byte Container header, always
// little-endian on the wire.
type containerHeader struct {
	Length        uint32
	Type          uint16
	Code          uint16
	TransactionID uint32
}

// Container is the decoded form of one MTP Container packet: a
// Command/Response carries up to five 32-bit Params, a Data container
// carries an opaque Payload. Only one of Params/Payload is populated
// depending on Type.
type Container struct {
	Type          uint16
	Code          uint16
	TransactionID uint32
	Params        []uint32
	Payload       []byte
}

// EncodeCommand frames a Command container: 12-byte header followed
// by up to five little-endian uint32 params.
func EncodeCommand(code uint16, txID uint32, params []uint32) []byte {
	hdr := containerHeader{
		Length:        uint32(usbHdrLen + 4*len(params)),
		Type:          ContainerCommand,
		Code:          code,
		TransactionID: txID,
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, byteOrder, hdr)
	for _, p := range params {
		binary.Write(buf, byteOrder, p)
	}
	return buf.Bytes()
}

// EncodeDataHeader frames the header of a Data container whose total
// length (including this header) is usbHdrLen+payloadLen. The caller
// is responsible for writing payloadLen bytes across one or more bulk
// transfers after this header, per the first-packet split in §4.4.
func EncodeDataHeader(code uint16, txID uint32, payloadLen int) []byte {
	hdr := containerHeader{
		Length:        uint32(usbHdrLen + payloadLen),
		Type:          ContainerData,
		Code:          code,
		TransactionID: txID,
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, byteOrder, hdr)
	return buf.Bytes()
}

// EncodeData frames a complete Data container in one buffer; callers
// that need the first-packet/rest split for the wire (§4.4) should use
// EncodeDataHeader plus their own chunked writes instead.
func EncodeData(code uint16, txID uint32, payload []byte) []byte {
	buf := bytes.NewBuffer(EncodeDataHeader(code, txID, len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// DecodeHeader parses just the 12-byte header from the front of buf.
func DecodeHeader(buf []byte) (containerHeader, []byte, error) {
	if len(buf) < usbHdrLen {
		return containerHeader{}, nil, ProtocolError("short container, fewer than 12 header bytes")
	}
	var hdr containerHeader
	r := bytes.NewReader(buf[:usbHdrLen])
	if err := binary.Read(r, byteOrder, &hdr); err != nil {
		return containerHeader{}, nil, ProtocolError(err.Error())
	}
	rest := buf[usbHdrLen:]
	// MTP permits a short packet whose USB framing pads beyond
	// Length; trim to the declared length. A buffer shorter than
	// Length means the Data phase continues in further packets,
	// which the aggregator in stream.go/transaction.go handles.
	declaredRest := int(hdr.Length) - usbHdrLen
	if declaredRest >= 0 && declaredRest < len(rest) {
		rest = rest[:declaredRest]
	}
	return hdr, rest, nil
}

// Decode parses a full Command or Response container (buf must
// contain at least the declared Length, or the caller accepts a
// continuation requirement for Data containers).
func Decode(buf []byte) (Container, error) {
	hdr, rest, err := DecodeHeader(buf)
	if err != nil {
		return Container{}, err
	}
	c := Container{Type: hdr.Type, Code: hdr.Code, TransactionID: hdr.TransactionID}
	switch hdr.Type {
	case ContainerCommand, ContainerResponse:
		if len(rest)%4 != 0 {
			return Container{}, ProtocolError("param block not a multiple of 4 bytes")
		}
		for i := 0; i+4 <= len(rest); i += 4 {
			c.Params = append(c.Params, byteOrder.Uint32(rest[i:i+4]))
		}
	case ContainerData:
		c.Payload = rest
	default:
		return Container{}, ProtocolError("unknown container type")
	}
	return c, nil
}
