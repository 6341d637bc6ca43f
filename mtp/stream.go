package mtp

import (
	"context"
	"time"

	"github.com/paulbellamy/ratecounter"

	log "github.com/choongmanee/mtprecd/internal/mlog"
)

// Phase values for a Progress event (§6 Observer contract).
const (
	PhaseStarted  = "started"
	PhaseRunning  = "running"
	PhaseFinished = "finished"
	PhaseFailed   = "failed"
)

// Progress is the Observer contract's wire shape (§6): published as
// the large-object download proceeds.
type Progress struct {
	BytesTransferred uint64
	BytesTotal       uint64
	Percent          float64
	BytesPerSecond   float64
	Phase            string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// ChunkSink is the external durable append target named in §6: one
// numbered blob per flush, chunk index monotonically increasing per
// download, final chunk may be short.
type ChunkSink interface {
	Append(ctx context.Context, deviceSerial string, chunkIndex int, data []byte) error
}

// ProgressFunc receives Progress updates during a download; it must
// not block the streaming loop for long (§5 suspension points are the
// bulk reads themselves, not the observer callback).
type ProgressFunc func(Progress)

// DownloadLarge specializes GetObject (§4.6) for large audio
// recordings: it reassembles an unbounded Data phase at 512-byte
// granularity, flushes fixed-size chunk windows to sink as it goes,
// and reports progress, keeping peak memory bounded to one chunk
// window regardless of object size.
func (s *Session) DownloadLarge(ctx context.Context, handle uint32, deviceSerial string, sink ChunkSink, onProgress ProgressFunc) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	window := s.ChunkWindow
	if window <= 0 {
		window = chunkWindowPackets
	}
	return s.engine.downloadLarge(ctx, handle, deviceSerial, window, sink, onProgress)
}

func (e *Engine) downloadLarge(ctx context.Context, handle uint32, deviceSerial string, window int, sink ChunkSink, onProgress ProgressFunc) error {
	startedAt := time.Now()
	report := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	txID := e.allocTxID()
	log.MTP.WithFields(map[string]interface{}{"op": "GetObject", "tx": txID, "handle": handle}).Debug("request (streamed)")

	if err := e.t.Send(ctx, EncodeCommand(OpGetObject, txID, []uint32{handle})); err != nil {
		report(Progress{Phase: PhaseFailed, StartedAt: startedAt, FinishedAt: time.Now()})
		return err
	}

	first, err := e.t.Recv(ctx)
	if err != nil {
		report(Progress{Phase: PhaseFailed, StartedAt: startedAt, FinishedAt: time.Now()})
		return err
	}
	hdr, firstPayload, err := DecodeHeader(first)
	if err != nil {
		report(Progress{Phase: PhaseFailed, StartedAt: startedAt, FinishedAt: time.Now()})
		return err
	}
	if hdr.Type != ContainerData {
		report(Progress{Phase: PhaseFailed, StartedAt: startedAt, FinishedAt: time.Now()})
		return ProtocolError("expected Data container opening GetObject stream")
	}

	total := uint64(int64(hdr.Length) - usbHdrLen)
	report(Progress{BytesTotal: total, Phase: PhaseStarted, StartedAt: startedAt})

	firstPayload = append([]byte{}, firstPayload...)
	buffer := append([]byte{}, firstPayload...)
	var transferred uint64 = uint64(len(firstPayload))
	var chunkIndex int
	var packetsRead int = 1
	lastRawRead := len(first)

	rate := ratecounter.NewRateCounter(2 * time.Second)
	rate.Incr(int64(len(firstPayload)))

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := sink.Append(ctx, deviceSerial, chunkIndex, buffer); err != nil {
			return err
		}
		chunkIndex++
		buffer = buffer[:0]
		return nil
	}

	// Expected packet count per §4.6 step 4: the remaining payload
	// beyond the first packet, at MTPPacketMaxSize granularity.
	remaining := int64(total) - int64(len(firstPayload))
	expectedPackets := 0
	if remaining > 0 {
		expectedPackets = int((remaining + MTPPacketMaxSize - 1) / MTPPacketMaxSize)
	}

	if packetsRead%window == 0 {
		if err := flush(); err != nil {
			report(Progress{Phase: PhaseFailed, BytesTotal: total, BytesTransferred: transferred, StartedAt: startedAt, FinishedAt: time.Now()})
			return err
		}
	}

	for i := 0; i < expectedPackets; i++ {
		pkt, err := e.t.Recv(ctx)
		if err != nil {
			report(Progress{Phase: PhaseFailed, BytesTotal: total, BytesTransferred: transferred, StartedAt: startedAt, FinishedAt: time.Now()})
			return err
		}
		buffer = append(buffer, pkt...)
		transferred += uint64(len(pkt))
		packetsRead++
		lastRawRead = len(pkt)
		rate.Incr(int64(len(pkt)))

		if packetsRead%window == 0 {
			if err := flush(); err != nil {
				report(Progress{Phase: PhaseFailed, BytesTotal: total, BytesTransferred: transferred, StartedAt: startedAt, FinishedAt: time.Now()})
				return err
			}
		}

		percent := 0.0
		if expectedPackets > 0 {
			percent = float64(i+1) / float64(expectedPackets) * 100
		}
		report(Progress{
			BytesTotal:       total,
			BytesTransferred: transferred,
			Percent:          percent,
			BytesPerSecond:   float64(rate.Rate()) / 2.0,
			Phase:            PhaseRunning,
			StartedAt:        startedAt,
		})
	}

	// §4.6 step 5: a short final data packet already terminates the
	// Data phase by itself. An extra bulk-IN is only needed when the
	// last packet exactly filled MTPPacketMaxSize, since the device
	// then owes an explicit terminator (teacher: bulkRead,
	// device_direct.go, "if lastRead%packetSize == 0").
	if lastRawRead%MTPPacketMaxSize == 0 {
		term, err := e.t.Recv(ctx)
		if err != nil {
			report(Progress{Phase: PhaseFailed, BytesTotal: total, BytesTransferred: transferred, StartedAt: startedAt, FinishedAt: time.Now()})
			return err
		}
		if len(term) > 0 {
			buffer = append(buffer, term...)
			transferred += uint64(len(term))
		}
	}
	if err := flush(); err != nil {
		report(Progress{Phase: PhaseFailed, BytesTotal: total, BytesTransferred: transferred, StartedAt: startedAt, FinishedAt: time.Now()})
		return err
	}

	respBytes, err := e.t.Recv(ctx)
	if err != nil {
		report(Progress{Phase: PhaseFailed, BytesTotal: total, BytesTransferred: transferred, StartedAt: startedAt, FinishedAt: time.Now()})
		return err
	}
	resp, err := Decode(respBytes)
	if err != nil {
		report(Progress{Phase: PhaseFailed, BytesTotal: total, BytesTransferred: transferred, StartedAt: startedAt, FinishedAt: time.Now()})
		return err
	}
	if resp.Type != ContainerResponse || resp.TransactionID != txID {
		report(Progress{Phase: PhaseFailed, BytesTotal: total, BytesTransferred: transferred, StartedAt: startedAt, FinishedAt: time.Now()})
		return ProtocolError("expected matching Response after GetObject stream")
	}
	if resp.Code != RCOK {
		report(Progress{Phase: PhaseFailed, BytesTotal: total, BytesTransferred: transferred, StartedAt: startedAt, FinishedAt: time.Now()})
		return MtpStatusError{Code: resp.Code}
	}

	report(Progress{
		BytesTotal:       total,
		BytesTransferred: transferred,
		Percent:          100,
		BytesPerSecond:   float64(rate.Rate()) / 2.0,
		Phase:            PhaseFinished,
		StartedAt:        startedAt,
		FinishedAt:       time.Now(),
	})
	return nil
}
