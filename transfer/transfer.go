// Package transfer implements the file transfer engine: the sender side
// that chunks a file across FILE_DATA frames, and the receiver side that
// reassembles it and verifies the whole-file checksum.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/lanshare/crypto/e2ee"
	"github.com/floegence/lanshare/internal/defaults"
	"github.com/floegence/lanshare/internal/securefile"
	"github.com/floegence/lanshare/observability"
	"github.com/floegence/lanshare/transport"
	"github.com/floegence/lanshare/transporterr"
	"github.com/floegence/lanshare/wire"
)

// EventKind classifies a transfer-lifecycle notification emitted on
// Engine.Events. The set mirrors the transfer-related members of
// server.EventKind; the caller (cmd/lanshare-peer) routes both alongside
// each other rather than the two packages sharing a channel type.
type EventKind string

const (
	EventFileRequestReceived EventKind = "file-request-received"
	EventTransferProgress    EventKind = "transfer-progress"
	EventTransferCompleted   EventKind = "transfer-completed"
	EventTransferFailed      EventKind = "transfer-failed"
	EventFileCancelled       EventKind = "file-cancelled"
	EventFileRejected        EventKind = "file-rejected"
)

// Event reports one occurrence on a tracked Transfer.
type Event struct {
	Kind       EventKind
	TransferID string
	PeerID     string
	Err        error
}

// Direction tells which end of the transfer this process is playing.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// State is a transfer's lifecycle stage.
type State string

const (
	StatePending            State = "PENDING"
	StateAwaitingAcceptance State = "AWAITING_ACCEPTANCE"
	StateActive             State = "ACTIVE"
	StatePaused             State = "PAUSED"
	StateCompleted          State = "COMPLETED"
	StateCancelled          State = "CANCELLED"
	StateChecksumMismatch   State = "CHECKSUM_MISMATCH"
	StateFailed             State = "FAILED"
)

// Transfer tracks one file moving in one direction. All mutable fields are
// guarded by mu except transferred, which is updated with atomic.AddUint64
// so Progress() can be polled from another goroutine without contention.
type Transfer struct {
	ID        string
	Direction Direction
	Filename  string
	Size      uint64
	FromID    string
	ToID      string

	mu        sync.Mutex
	state     State
	startedAt time.Time

	transferred uint64
	paused      atomic.Bool
	cancelled   atomic.Bool

	checksum [32]byte

	// recv-only fields. declaredChecksumHex is set by HandleFileRequest from
	// the sender's up-front checksum and held until AcceptTransfer opens the
	// destination file; destPath/destFile/recvHasher are set by
	// AcceptTransfer and used by HandleFileData/HandleFileComplete. All
	// guarded by mu.
	declaredChecksumHex string
	destPath            string
	destFile            *os.File
	recvHasher          hash.Hash

	release func() // releases the engine's admission slot; no-op if nil
}

func (t *Transfer) releaseAdmission() {
	if t.release != nil {
		t.release()
		t.release = nil
	}
}

func newTransfer(id string, dir Direction, filename string, size uint64) *Transfer {
	return &Transfer{ID: id, Direction: dir, Filename: filename, Size: size, state: StatePending, startedAt: time.Now()}
}

func (t *Transfer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the transfer's current lifecycle stage.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// peerID returns the device id of the other end of the transfer, for event
// reporting: the recipient when sending, the sender when receiving.
func (t *Transfer) peerID() string {
	if t.Direction == DirectionSend {
		return t.ToID
	}
	return t.FromID
}

// Pause requests the sender loop suspend after its current chunk.
func (t *Transfer) Pause() { t.paused.Store(true) }

// Resume lifts a prior Pause.
func (t *Transfer) Resume() { t.paused.Store(false) }

// Cancel requests the sender loop abort after its current chunk.
func (t *Transfer) Cancel() { t.cancelled.Store(true) }

// Progress reports bytes moved so far, the transfer's speed in bytes/sec,
// and an ETA in seconds for the remaining bytes, per the speed/eta formula:
// speed = transferred / elapsed; eta = remaining / speed.
func (t *Transfer) Progress() (transferred uint64, speedBPS float64, etaSeconds uint64) {
	transferred = atomic.LoadUint64(&t.transferred)
	elapsed := time.Since(t.startedAt).Seconds()
	if elapsed <= 0 {
		return transferred, 0, 0
	}
	speedBPS = float64(transferred) / elapsed
	if speedBPS <= 0 || transferred >= t.Size {
		return transferred, speedBPS, 0
	}
	remaining := t.Size - transferred
	etaSeconds = uint64(float64(remaining) / speedBPS)
	return transferred, speedBPS, etaSeconds
}

// Engine owns every active Transfer and enforces the concurrent-transfer
// admission cap.
type Engine struct {
	mu        sync.Mutex
	transfers map[string]*Transfer

	sem chan struct{}

	// DestDir is where AcceptTransfer creates received files.
	DestDir string

	Observer observability.Observer

	// Logger receives diagnostic lines the caller's Events consumer doesn't
	// otherwise see (admission exhaustion, I/O errors tearing down a
	// transfer). Defaults to a discarding logger, same as
	// cmd/flowersec-proxy-gateway's gateway struct defaults a nil logger.
	Logger *log.Logger

	// Events reports transfer lifecycle notifications; callers typically
	// drain it alongside Server.Events. Buffered; a full buffer drops the
	// event rather than blocking the transfer loop.
	Events chan Event
}

// NewEngine returns an Engine writing received files under destDir.
func NewEngine(destDir string) *Engine {
	return &Engine{
		transfers: make(map[string]*Transfer),
		sem:       make(chan struct{}, defaults.MaxConcurrentTransfers),
		DestDir:   destDir,
		Observer:  observability.Noop,
		Logger:    log.New(io.Discard, "", 0),
		Events:    make(chan Event, 64),
	}
}

func (e *Engine) register(t *Transfer) {
	e.mu.Lock()
	e.transfers[t.ID] = t
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	select {
	case e.Events <- ev:
	default:
	}
}

func (e *Engine) fail(t *Transfer) {
	t.setState(StateFailed)
	e.Observer.ActiveTransfers(e.activeCount())
	e.Observer.TransferCompleted(observability.TransferResultFailed)
	e.emit(Event{Kind: EventTransferFailed, TransferID: t.ID, PeerID: t.peerID()})
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.transfers {
		if s := t.State(); s == StateActive || s == StatePaused {
			n++
		}
	}
	return n
}

// Get returns the Transfer for id, if tracked.
func (e *Engine) Get(id string) (*Transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	return t, ok
}

func (e *Engine) admit() (func(), error) {
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	default:
		return nil, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeTooManyActiveTransfer, nil)
	}
}

// Send streams filePath to the peer on ch, chunked at defaults.FileChunkBytes.
//
// The whole-file checksum is computed up front, before FILE_REQUEST is even
// sent, and travels with both FILE_REQUEST and FILE_COMPLETE so the receiver
// can record it the moment the transfer lands in AwaitingAcceptance rather
// than only learning it at the end.
//
// It blocks for the duration of the transfer; callers that want
// fire-and-forget semantics should run it in its own goroutine and observe
// progress via Engine.Events (one transfer-progress event per chunk); the
// Transfer is returned only once Send finishes. Pause/Cancel are polled
// between chunks, never mid-chunk.
func (e *Engine) Send(ch *transport.SecureChannel, filePath, fromID, toID string) (*Transfer, error) {
	release, err := e.admit()
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := os.Open(filePath)
	if err != nil {
		return nil, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeFileNotFound, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeFileNotFound, err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeFileNotFound, err)
	}
	sum := hasher.Sum(nil)
	checksumHex := hex.EncodeToString(sum)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeFileNotFound, err)
	}

	transferID := uuid.NewString()
	t := newTransfer(transferID, DirectionSend, info.Name(), uint64(info.Size()))
	t.FromID = fromID
	t.ToID = toID
	copy(t.checksum[:], sum)
	e.register(t)
	t.setState(StateActive)
	e.Observer.ActiveTransfers(e.activeCount())

	if err := ch.SendMessage(wire.MsgFileRequest, FileRequestMsg{
		TransferID: transferID,
		Filename:   t.Filename,
		Size:       t.Size,
		Checksum:   checksumHex,
		From:       fromID,
		To:         toID,
	}); err != nil {
		e.fail(t)
		return t, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeSendFailed, err)
	}

	var streamCipher *e2ee.StreamCipher
	if session := ch.Session(); session != nil {
		sc, iv, err := session.CreateFileEncryptor()
		if err != nil {
			e.fail(t)
			return t, transporterr.Wrap(transporterr.StageCrypto, transporterr.CodeKeyDerivationFailed, err)
		}
		if err := ch.SendMessage(wire.MsgFileStreamInit, FileStreamInitMsg{TransferID: transferID, IV: iv}); err != nil {
			e.fail(t)
			return t, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeSendFailed, err)
		}
		streamCipher = sc
	}

	buf := make([]byte, defaults.FileChunkBytes)
	var offset uint64
	for {
		if t.cancelled.Load() {
			t.setState(StateCancelled)
			e.Observer.ActiveTransfers(e.activeCount())
			e.Observer.TransferCompleted(observability.TransferResultCancelled)
			_ = ch.SendMessage(wire.MsgFileCancel, FileCancelMsg{TransferID: transferID})
			e.emit(Event{Kind: EventFileCancelled, TransferID: transferID, PeerID: toID})
			return t, nil
		}
		for t.paused.Load() && !t.cancelled.Load() {
			time.Sleep(20 * time.Millisecond)
		}
		if t.cancelled.Load() {
			continue
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if streamCipher != nil {
				streamCipher.Apply(chunk)
			}
			header := wire.FileDataHeader{TransferID: transferID, Offset: offset, ChunkSize: uint32(n)}
			framePayload, err := wire.EncodeFileData(header, chunk)
			if err != nil {
				e.fail(t)
				return t, transporterr.Wrap(transporterr.StageFrame, transporterr.CodeBadBinaryHeader, err)
			}
			if err := ch.SendRaw(wire.MsgFileData, framePayload); err != nil {
				e.fail(t)
				return t, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeSendFailed, err)
			}
			offset += uint64(n)
			atomic.StoreUint64(&t.transferred, offset)
			e.Observer.Bytes(observability.DirectionSent, int64(n))
			e.emit(Event{Kind: EventTransferProgress, TransferID: transferID, PeerID: toID})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			e.fail(t)
			return t, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeFileNotFound, readErr)
		}
	}

	if err := ch.SendMessage(wire.MsgFileComplete, FileCompleteMsg{TransferID: transferID, ChecksumHex: checksumHex}); err != nil {
		e.fail(t)
		return t, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeSendFailed, err)
	}
	t.setState(StateCompleted)
	e.Observer.ActiveTransfers(e.activeCount())
	e.Observer.TransferCompleted(observability.TransferResultOK)
	e.emit(Event{Kind: EventTransferCompleted, TransferID: transferID, PeerID: toID})
	return t, nil
}

// HandleFileRequest admits an incoming transfer and returns the new Transfer
// in StateAwaitingAcceptance. It does not touch the filesystem: per design,
// a FILE_REQUEST never implies consent, so the destination file is only
// created once a caller calls AcceptTransfer. The request's up-front
// checksum and endpoints are recorded on the Transfer for AcceptTransfer and
// reporting to use.
func (e *Engine) HandleFileRequest(req FileRequestMsg) (*Transfer, error) {
	release, err := e.admit()
	if err != nil {
		return nil, err
	}

	t := newTransfer(req.TransferID, DirectionRecv, req.Filename, req.Size)
	t.FromID = req.From
	t.ToID = req.To
	t.declaredChecksumHex = req.Checksum
	t.release = release
	e.register(t)
	t.setState(StateAwaitingAcceptance)
	e.Observer.ActiveTransfers(e.activeCount())
	e.emit(Event{Kind: EventFileRequestReceived, TransferID: t.ID, PeerID: req.From})
	return t, nil
}

// AcceptTransfer moves a transfer out of AwaitingAcceptance: it creates the
// destination file under e.DestDir (sandboxed via SanitizeDestPath) and
// admits FILE_DATA frames for it. It fails if the transfer is not currently
// AwaitingAcceptance.
func (e *Engine) AcceptTransfer(transferID string) (*Transfer, error) {
	t, ok := e.Get(transferID)
	if !ok {
		return nil, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeTransferNotFound, nil)
	}
	if t.State() != StateAwaitingAcceptance {
		return nil, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeWrongTransferState, nil)
	}

	destPath, err := SanitizeDestPath(e.DestDir, t.Filename)
	if err != nil {
		return nil, err
	}
	if err := securefile.MkdirAllOwnerOnly(e.DestDir); err != nil {
		return nil, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeFileNotFound, err)
	}
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeFileNotFound, err)
	}

	t.mu.Lock()
	t.destPath = destPath
	t.destFile = f
	t.recvHasher = sha256.New()
	t.state = StateActive
	t.mu.Unlock()
	e.Observer.ActiveTransfers(e.activeCount())
	return t, nil
}

// RejectTransfer declines a transfer while it is still AwaitingAcceptance,
// leaving no file on disk. It fails if the transfer is not currently
// AwaitingAcceptance.
func (e *Engine) RejectTransfer(transferID string) (*Transfer, error) {
	t, ok := e.Get(transferID)
	if !ok {
		return nil, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeTransferNotFound, nil)
	}
	if t.State() != StateAwaitingAcceptance {
		return nil, transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeWrongTransferState, nil)
	}
	t.setState(StateCancelled)
	t.releaseAdmission()
	e.Observer.ActiveTransfers(e.activeCount())
	e.emit(Event{Kind: EventFileRejected, TransferID: t.ID, PeerID: t.FromID})
	return t, nil
}

// HandleFileAck applies the receiver's accept notification, delivered back
// over the wire as FILE_ACK, to the matching send-side Transfer. Per design
// the receiver only ever sends FILE_ACK once it has locally accepted (see
// AcceptTransfer) — a rejection travels as FILE_REJECT instead, handled by
// HandleFileReject. Accept=false is still honored here the same way, in
// case a future caller reuses this message for both outcomes.
func (e *Engine) HandleFileAck(msg FileAckMsg) error {
	t, ok := e.Get(msg.TransferID)
	if !ok {
		return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeTransferNotFound, nil)
	}
	if !msg.Accept {
		t.Cancel()
	}
	return nil
}

// HandleFileReject applies the receiver's rejection, delivered back over
// the wire as FILE_REJECT, to the matching send-side Transfer: the sender
// loop notices the cancellation before its next chunk and winds down the
// same way a local Cancel does.
func (e *Engine) HandleFileReject(msg FileRejectMsg) error {
	t, ok := e.Get(msg.TransferID)
	if !ok {
		return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeTransferNotFound, nil)
	}
	e.Logger.Printf("transfer %s rejected by peer: %s", t.ID, msg.Reason)
	t.Cancel()
	return nil
}

// HandleFileData decodes one FILE_DATA frame payload and writes it to the
// transfer's destination file at its declared offset, updating the running
// checksum. If the channel has a session, sc must be the matching decryptor
// built from the MsgFileStreamInit IV; otherwise pass nil.
func (e *Engine) HandleFileData(payload []byte, sc *e2ee.StreamCipher) error {
	header, chunk, err := wire.DecodeFileData(payload)
	if err != nil {
		return transporterr.Wrap(transporterr.StageFrame, transporterr.CodeBadBinaryHeader, err)
	}
	t, ok := e.Get(header.TransferID)
	if !ok {
		return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeTransferNotFound, nil)
	}
	if t.State() != StateActive {
		return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeWrongTransferState, nil)
	}

	if sc != nil {
		sc.Apply(chunk)
	}
	if _, err := t.destFile.WriteAt(chunk, int64(header.Offset)); err != nil {
		e.fail(t)
		return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeFileNotFound, err)
	}
	t.recvHasher.Write(chunk)
	atomic.StoreUint64(&t.transferred, header.Offset+uint64(len(chunk)))
	e.Observer.Bytes(observability.DirectionReceived, int64(len(chunk)))
	e.emit(Event{Kind: EventTransferProgress, TransferID: t.ID, PeerID: t.FromID})
	return nil
}

// HandleFileComplete verifies the receiver's running checksum against the
// sender's claimed checksum and finalizes the transfer.
//
// On mismatch the partial file is never deleted: it is left on disk in
// StateChecksumMismatch for the caller to inspect, retry, or discard.
func (e *Engine) HandleFileComplete(msg FileCompleteMsg) error {
	t, ok := e.Get(msg.TransferID)
	if !ok {
		return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeTransferNotFound, nil)
	}
	defer t.releaseAdmission()

	got := hex.EncodeToString(t.recvHasher.Sum(nil))
	if err := t.destFile.Close(); err != nil {
		e.fail(t)
		return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeFileNotFound, err)
	}
	if got != msg.ChecksumHex {
		t.setState(StateChecksumMismatch)
		e.Observer.ActiveTransfers(e.activeCount())
		e.Observer.TransferCompleted(observability.TransferResultChecksumMismatch)
		e.emit(Event{Kind: EventTransferFailed, TransferID: t.ID, PeerID: t.FromID, Err: transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeChecksumMismatch, nil)})
		return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeChecksumMismatch, nil)
	}
	t.setState(StateCompleted)
	e.Observer.ActiveTransfers(e.activeCount())
	e.Observer.TransferCompleted(observability.TransferResultOK)
	e.emit(Event{Kind: EventTransferCompleted, TransferID: t.ID, PeerID: t.FromID})
	return nil
}

// HandleFileCancel marks an in-progress receive as cancelled; the partial
// file is left in place.
func (e *Engine) HandleFileCancel(msg FileCancelMsg) error {
	t, ok := e.Get(msg.TransferID)
	if !ok {
		return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeTransferNotFound, nil)
	}
	defer t.releaseAdmission()
	if t.destFile != nil {
		_ = t.destFile.Close()
	}
	t.setState(StateCancelled)
	e.Observer.ActiveTransfers(e.activeCount())
	e.Observer.TransferCompleted(observability.TransferResultCancelled)
	e.emit(Event{Kind: EventFileCancelled, TransferID: t.ID, PeerID: t.FromID})
	return nil
}
