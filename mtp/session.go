package mtp

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"

	log "github.com/choongmanee/mtprecd/internal/mlog"
)

// FixedSessionID is the session id this profile always opens with
// (§3, §9: "Session id. Fixed at 1.").
const FixedSessionID = uint32(1)

// Storage is the in-memory projection of one storage volume plus the
// objects most recently enumerated on it.
type Storage struct {
	ID      uint32
	Info    StorageInfo
	Objects []Object
}

// Object is the in-memory projection of one object handle plus its
// most recently fetched ObjectInfo.
type Object struct {
	Handle uint32
	Info   ObjectInfo
}

// Session holds per-device state: session open flag, transaction
// engine, and the storage/object lists rebuilt on each enumeration
// (§3 "Lifecycles"). A Session is owned by exactly one goroutine at a
// time; callers higher up (supervisor.Device) are responsible for
// serializing access (§5).
type Session struct {
	engine    *Engine
	transport Transport

	open     atomic.Bool
	Storages []Storage

	// ChunkWindow overrides the default 50,000-packet large-object
	// chunk window; zero means use the package default.
	ChunkWindow int
}

// NewSession wraps an already-open Transport in a fresh Engine and
// Session. A new Session always starts a new transaction id counter
// (§5: "a reconnect begins a new transaction id counter and a new
// session").
func NewSession(t Transport) *Session {
	return &Session{engine: NewEngine(t), transport: t}
}

// IsOpen reports whether OpenSession has completed successfully.
func (s *Session) IsOpen() bool { return s.open.Load() }

// OpenSession issues OC_OpenSession (0x1002) with session id
// FixedSessionID. RC_SESSION_ALREADY_OPEN (0x201E) is treated as
// success, per §4.5.
func (s *Session) OpenSession(ctx context.Context) error {
	_, err := s.engine.Command(ctx, OpOpenSession, []uint32{FixedSessionID}, nil, false)
	if err != nil {
		if statusErr, ok := err.(MtpStatusError); ok && statusErr.Code == RCSessionAlreadyOpen {
			s.open.Store(true)
			return nil
		}
		return err
	}
	s.open.Store(true)
	log.Session.Debug("session open")
	return nil
}

// CloseSession issues OC_CloseSession (0x1003), no params, no data.
func (s *Session) CloseSession(ctx context.Context) error {
	_, err := s.engine.Command(ctx, OpCloseSession, nil, nil, false)
	s.open.Store(false)
	return err
}

// Reconfigure opens the session for Connect. A device answering
// RC_SESSION_ALREADY_OPEN is accepted as open by OpenSession itself
// (Engine.Command does not report that code as an MtpStatusError), so
// no close-and-reopen happens for it; the close-then-reopen branch
// below only runs for an MtpStatusError carrying that code. Any other
// failure is returned unchanged; Reconfigure does not reset the USB
// device or retry.
func (s *Session) Reconfigure(ctx context.Context) error {
	err := s.OpenSession(ctx)
	if err == nil {
		return nil
	}
	var statusErr MtpStatusError
	if asMtpStatus(err, &statusErr) && statusErr.Code == RCSessionAlreadyOpen {
		_ = s.CloseSession(ctx)
		return s.OpenSession(ctx)
	}
	return err
}

func asMtpStatus(err error, target *MtpStatusError) bool {
	if se, ok := err.(MtpStatusError); ok {
		*target = se
		return true
	}
	return false
}

func (s *Session) requireOpen() error {
	if !s.open.Load() {
		return fmt.Errorf("mtp: session not open")
	}
	return nil
}

// GetStorageIDs issues OC_GetStorageIDs (0x1004) and replaces the
// session's storage list, each with an empty object list (§4.5, §3
// Lifecycles: "rebuilt on each enumeration; prior entries are
// discarded").
func (s *Session) GetStorageIDs(ctx context.Context) ([]uint32, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	res, err := s.engine.Command(ctx, OpGetStorageIDs, nil, nil, true)
	if err != nil {
		return nil, err
	}
	ids, err := DecodeIDArray(res.Data)
	if err != nil {
		return nil, err
	}
	storages := make([]Storage, len(ids))
	for i, id := range ids {
		storages[i] = Storage{ID: id}
	}
	s.Storages = storages
	return ids, nil
}

func (s *Session) findStorage(id uint32) (int, error) {
	for i := range s.Storages {
		if s.Storages[i].ID == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("mtp: unknown storage id 0x%08x", id)
}

// GetStorageInfo issues OC_GetStorageInfo (0x1005) for storageID and
// updates the matching Storage record.
func (s *Session) GetStorageInfo(ctx context.Context, storageID uint32) (StorageInfo, error) {
	if err := s.requireOpen(); err != nil {
		return StorageInfo{}, err
	}
	idx, err := s.findStorage(storageID)
	if err != nil {
		return StorageInfo{}, err
	}
	res, err := s.engine.Command(ctx, OpGetStorageInfo, []uint32{storageID}, nil, true)
	if err != nil {
		return StorageInfo{}, err
	}
	info, err := DecodeStorageInfo(res.Data)
	if err != nil {
		return StorageInfo{}, err
	}
	s.Storages[idx].Info = info
	return info, nil
}

// GetObjectHandles issues OC_GetObjectHandles (0x1007) for all objects
// directly under storageID's root and replaces that storage's object
// list.
func (s *Session) GetObjectHandles(ctx context.Context, storageID uint32) ([]uint32, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	idx, err := s.findStorage(storageID)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Command(ctx, OpGetObjectHandles, []uint32{storageID, 0, RootParent}, nil, true)
	if err != nil {
		return nil, err
	}
	handles, err := DecodeIDArray(res.Data)
	if err != nil {
		return nil, err
	}
	objects := make([]Object, len(handles))
	for i, h := range handles {
		objects[i] = Object{Handle: h}
	}
	s.Storages[idx].Objects = objects
	return handles, nil
}

func (s *Session) findObject(handle uint32) (storageIdx, objectIdx int, err error) {
	for si := range s.Storages {
		for oi := range s.Storages[si].Objects {
			if s.Storages[si].Objects[oi].Handle == handle {
				return si, oi, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("mtp: unknown object handle 0x%08x", handle)
}

// GetObjectInfo issues OC_GetObjectInfo (0x1008) for handle and
// updates the matching Object record.
func (s *Session) GetObjectInfo(ctx context.Context, handle uint32) (ObjectInfo, error) {
	if err := s.requireOpen(); err != nil {
		return ObjectInfo{}, err
	}
	si, oi, err := s.findObject(handle)
	if err != nil {
		return ObjectInfo{}, err
	}
	res, err := s.engine.Command(ctx, OpGetObjectInfo, []uint32{handle}, nil, true)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := DecodeObjectInfo(res.Data)
	if err != nil {
		return ObjectInfo{}, err
	}
	s.Storages[si].Objects[oi].Info = info
	return info, nil
}

// GetObject issues OC_GetObject (0x1009) for handle and buffers the
// entire payload in memory. Intended for small files (configuration
// blobs); large audio recordings must use Session.DownloadLarge
// instead (§4.6).
func (s *Session) GetObject(ctx context.Context, handle uint32) ([]byte, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	res, err := s.engine.Command(ctx, OpGetObject, []uint32{handle}, nil, true)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// DeleteObject issues OC_DeleteObject (0x100B) for handle and removes
// it from the local object list on success.
func (s *Session) DeleteObject(ctx context.Context, handle uint32) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	_, err := s.engine.Command(ctx, OpDeleteObject, []uint32{handle, 0}, nil, false)
	if err != nil {
		return err
	}
	for si := range s.Storages {
		objs := s.Storages[si].Objects
		for oi, o := range objs {
			if o.Handle == handle {
				s.Storages[si].Objects = append(objs[:oi], objs[oi+1:]...)
				return nil
			}
		}
	}
	return nil
}

// SendObjectInfo issues OC_SendObjectInfo (0x100C) for a new object of
// length payloadLen under storageID's root, and returns the handle the
// device assigned (response params[2], per §4.5). It must be followed
// by SendObject carrying the matching bytes.
func (s *Session) SendObjectInfo(ctx context.Context, storageID uint32, filename string, payloadLen int) (uint32, error) {
	if err := s.requireOpen(); err != nil {
		return 0, err
	}
	info := ObjectInfo{
		StorageID:      storageID,
		ObjectFormat:   ObjectFormatUndefined,
		CompressedSize: uint32(payloadLen),
		ParentObject:   RootParent,
		Filename:       filename,
		DateCreated:    mtpNow(),
		DateModified:   mtpNow(),
	}
	res, err := s.engine.Command(ctx, OpSendObjectInfo, []uint32{storageID, RootParent}, EncodeObjectInfo(info), false)
	if err != nil {
		return 0, err
	}
	if len(res.Params) < 3 {
		return 0, &ParseError{What: "SendObjectInfo response", Err: ProtocolError("fewer than 3 response params")}
	}
	return res.Params[2], nil
}

// SendObject issues OC_SendObject (0x100D) carrying payload as the
// Data-out phase. It must immediately follow a SendObjectInfo call in
// the same session; the device binds SendObject to the most recent
// SendObjectInfo (§4.5).
func (s *Session) SendObject(ctx context.Context, payload []byte) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	_, err := s.engine.Command(ctx, OpSendObject, nil, payload, false)
	return err
}

func mtpNow() string {
	return time.Now().Format("20060102T150405")
}
