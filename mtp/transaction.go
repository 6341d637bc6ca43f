package mtp

import (
	"context"
	"time"

	log "github.com/choongmanee/mtprecd/internal/mlog"
)

// CommandTimeout is the default deadline for a full Command/Data/
// Response transaction's bulk-IN reads. The reference implementation
// this profile is built from has no timeout and can hang forever; §5
// requires every bulk-IN read to be bounded.
const CommandTimeout = 15 * time.Second

// Engine drives one MTP transaction at a time over a Transport. It
// owns transaction id assignment; callers (the Session layer) must
// serialize all calls to a single Engine instance themselves (§5: no
// concurrent issue of two operations against the same device).
type Engine struct {
	t Transport

	nextID uint32
	used   bool // true once the first transaction id has been consumed
}

// NewEngine wraps an already-open Transport. Each reconnect should
// build a fresh Engine, restarting transaction ids at 0 (§5).
func NewEngine(t Transport) *Engine {
	return &Engine{t: t}
}

// allocTxID implements §4.4's id assignment rule: the first
// transaction this Engine ever issues uses id 0 without incrementing
// (observed OpenSession behavior); every subsequent transaction
// increments first, then uses the new value.
func (e *Engine) allocTxID() uint32 {
	if !e.used {
		e.used = true
		return e.nextID
	}
	e.nextID++
	return e.nextID
}

// Result is what a completed transaction yields to the Session layer.
type Result struct {
	Code   uint16
	Params []uint32
	Data   []byte
}

// Command runs one full transaction: send a Command container with a
// fresh id, optionally send a Data-out phase, optionally receive a
// Data-in phase, then read the Response. Exactly one of dataOut/
// expectDataIn should be used by a given caller; both false/nil is the
// common no-data-phase case.
func (e *Engine) Command(ctx context.Context, op uint16, params []uint32, dataOut []byte, expectDataIn bool) (Result, error) {
	txID := e.allocTxID()

	log.MTP.WithFields(map[string]interface{}{"op": opName(op), "tx": txID, "params": params}).Debug("request")

	if err := e.t.Send(ctx, EncodeCommand(op, txID, params)); err != nil {
		return Result{}, err
	}

	if dataOut != nil {
		if err := e.sendDataPhase(ctx, op, txID, dataOut); err != nil {
			return Result{}, err
		}
	}

	data, resp, err := e.readPhase(ctx, txID, expectDataIn)
	if err != nil {
		return Result{}, err
	}

	log.MTP.WithFields(map[string]interface{}{"op": opName(op), "tx": txID, "code": resp.Code}).Debug("response")

	if resp.Code != RCOK && resp.Code != RCSessionAlreadyOpen {
		return Result{Code: resp.Code, Params: resp.Params, Data: data}, MtpStatusError{Code: resp.Code}
	}
	return Result{Code: resp.Code, Params: resp.Params, Data: data}, nil
}

// sendDataPhase writes a Data-out container, preserving the
// first-packet 500-byte quirk (§4.4/§9): the first bulk write carries
// the 12-byte header plus at most firstDataPayload bytes so the first
// transfer never exceeds one full packet; subsequent writes carry up
// to MTPPacketMaxSize bytes. A Data container whose total length
// (header plus payload) is an exact multiple of MTPPacketMaxSize is
// followed by a zero-length write to mark end-of-transfer.
func (e *Engine) sendDataPhase(ctx context.Context, op uint16, txID uint32, payload []byte) error {
	hdr := EncodeDataHeader(op, txID, len(payload))

	first := payload
	firstLen := firstDataPayload
	if firstLen > len(first) {
		firstLen = len(first)
	}
	first = first[:firstLen]

	buf := append(append([]byte{}, hdr...), first...)
	if err := e.t.Send(ctx, buf); err != nil {
		return err
	}

	rest := payload[firstLen:]
	for len(rest) > 0 {
		n := MTPPacketMaxSize
		if n > len(rest) {
			n = len(rest)
		}
		if err := e.t.Send(ctx, rest[:n]); err != nil {
			return err
		}
		rest = rest[n:]
	}

	// usbHdrLen+firstLen is the size of the first transfer, which is
	// a full MTPPacketMaxSize write once the payload reaches
	// firstDataPayload bytes; every subsequent write is exactly
	// MTPPacketMaxSize until the remainder runs out. The last write
	// is therefore full, and a trailing zero-length write is needed,
	// exactly when usbHdrLen+len(payload) is a multiple of
	// MTPPacketMaxSize.
	total := len(payload)
	if total > 0 && (usbHdrLen+total)%MTPPacketMaxSize == 0 {
		if err := e.t.Send(ctx, nil); err != nil {
			return err
		}
	}
	return nil
}

// readPhase implements the §4.4/§9 reorder buffer: it reads raw bulk
// packets, classifying each completed container by type, until it has
// seen exactly one Response and (if expectDataIn) exactly one Data
// container. Two containers of the same type, or an unexpected Data
// container when none was expected, fail as ProtocolError.
func (e *Engine) readPhase(ctx context.Context, txID uint32, expectDataIn bool) ([]byte, Container, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	haveData := !expectDataIn
	haveResp := false
	var dataPayload []byte
	var resp Container

	for !haveResp || !haveData {
		c, err := e.readOneContainer(ctx)
		if err != nil {
			return nil, Container{}, err
		}
		switch c.Type {
		case ContainerResponse:
			if haveResp {
				return nil, Container{}, ProtocolError("duplicate Response container in one transaction")
			}
			haveResp = true
			resp = c
		case ContainerData:
			if haveData {
				if expectDataIn {
					return nil, Container{}, ProtocolError("duplicate Data container in one transaction")
				}
				return nil, Container{}, ProtocolError("unexpected Data container, none was requested")
			}
			haveData = true
			dataPayload = c.Payload
		default:
			return nil, Container{}, ProtocolError("unexpected container type in Command/Data/Response phase")
		}
	}

	if resp.TransactionID != txID {
		return nil, Container{}, ProtocolError("transaction id mismatch in Response")
	}
	return dataPayload, resp, nil
}

// readOneContainer reads one logical container from the bus: a
// Response fits in a single bulk packet; a Data container may span
// many packets and is aggregated here until its declared length is
// satisfied or a short packet terminates it early (§4.4 rule).
func (e *Engine) readOneContainer(ctx context.Context) (Container, error) {
	first, err := e.t.Recv(ctx)
	if err != nil {
		return Container{}, err
	}
	hdr, rest, err := DecodeHeader(first)
	if err != nil {
		return Container{}, err
	}

	if hdr.Type != ContainerData {
		c, err := Decode(first)
		if err != nil {
			return Container{}, err
		}
		return c, nil
	}

	declaredLen := int(hdr.Length) - usbHdrLen
	payload := append([]byte{}, rest...)
	for len(payload) < declaredLen && len(first) == MTPPacketMaxSize {
		pkt, err := e.t.Recv(ctx)
		if err != nil {
			return Container{}, err
		}
		payload = append(payload, pkt...)
		first = pkt
		if len(pkt) < MTPPacketMaxSize {
			break
		}
	}
	if len(payload) > declaredLen {
		payload = payload[:declaredLen]
	}
	return Container{Type: ContainerData, Code: hdr.Code, TransactionID: hdr.TransactionID, Payload: payload}, nil
}
