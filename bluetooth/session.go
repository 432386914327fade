package bluetooth

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/flysight/flysightd/utils"
)

type downloadResult struct {
	data []byte
	err  error
}

type maskResult struct {
	mask GNSSMask
	err  error
}

type downloadState struct {
	buf   []byte
	total uint32
	next  byte
	done  chan downloadResult
}

type uploadState struct {
	data       []byte
	off        int
	pendingLen int
	seq        byte
	endSent    bool
	done       chan error
}

// Session drives the FlySight command/response protocol over a Transport.
// All protocol state is owned by a single run goroutine; public methods post
// work onto it and wait on per-request result channels, so transport events
// and caller requests can never race.
type Session struct {
	transport Transport
	hub       *utils.WebSocketHub

	requestTimeout time.Duration

	calls    chan func()
	stopChan chan struct{}
	stopOnce sync.Once

	startEvents chan StartEvent

	snapMu   sync.RWMutex
	lastSnap State

	// Everything below is owned by the run goroutine.
	phase    SessionPhase
	chars    Characteristics
	charsOK  bool
	notif    <-chan Notification
	linkLoss <-chan error

	dir       Directory
	mask      GNSSMask
	counting  bool
	telemetry *LiveTelemetrySample

	maskStatus    MaskStatus
	maskStatusGen uint64

	gen          uint64 // bumped whenever an exchange begins or ends
	connectGen   uint64 // bumped per connection attempt
	lastActivity time.Time

	maskStatusClearDelay time.Duration

	listAccum    []DirectoryEntry
	dl           *downloadState
	up           *uploadState
	maskGetDone  chan maskResult
	maskSetDone  chan error
	maskSetValue GNSSMask

	downloadProg TransferProgress
	uploadProg   TransferProgress
}

// NewSession creates a session over the given transport and starts its run
// goroutine. hub may be nil; state snapshots are then not broadcast.
func NewSession(transport Transport, hub *utils.WebSocketHub, requestTimeout time.Duration) *Session {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	s := &Session{
		transport:            transport,
		hub:                  hub,
		requestTimeout:       requestTimeout,
		calls:                make(chan func(), 16),
		stopChan:             make(chan struct{}),
		startEvents:          make(chan StartEvent, 8),
		phase:                PhaseDisconnected,
		maskStatus:           MaskStatus{Kind: MaskStatusIdle},
		maskStatusClearDelay: MaskStatusClearDelay,
	}
	s.publish()
	go s.run()
	return s
}

// Close stops the session goroutine. Disconnect first for a clean teardown.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Session) run() {
	for {
		select {
		case <-s.stopChan:
			return
		case fn := <-s.calls:
			fn()
		case n, ok := <-s.notif:
			if !ok {
				s.notif = nil
				continue
			}
			s.handleNotification(n)
		case err, ok := <-s.linkLoss:
			if !ok {
				s.linkLoss = nil
				continue
			}
			log.Printf("SESSION: link lost: %v", err)
			s.resetToDisconnected()
		}
	}
}

// do posts fn to the run goroutine, failing if the session is closed.
func (s *Session) do(fn func()) error {
	select {
	case s.calls <- fn:
		return nil
	case <-s.stopChan:
		return ErrDisconnected
	}
}

// post is do for fire-and-forget work.
func (s *Session) post(fn func()) {
	select {
	case s.calls <- fn:
	case <-s.stopChan:
	}
}

// Snapshot returns the last published session state.
func (s *Session) Snapshot() State {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.lastSnap
}

// StartEvents delivers decoded starting-pistol results. Each event is
// consumed exactly once by whoever reads the channel.
func (s *Session) StartEvents() <-chan StartEvent {
	return s.startEvents
}

// Connect establishes the link, discovers the command and response
// characteristics, and requests the root directory listing.
func (s *Session) Connect(ctx context.Context) error {
	var attempt uint64
	claim := make(chan error, 1)
	if err := s.do(func() {
		if s.phase != PhaseDisconnected {
			claim <- ErrAlreadyConnected
			return
		}
		s.phase = PhaseDiscovering
		s.connectGen++
		attempt = s.connectGen
		s.publish()
		claim <- nil
	}); err != nil {
		return err
	}
	if err := <-claim; err != nil {
		return err
	}

	// A disconnect may land while the transport work below runs outside the
	// loop; the attempt counter keeps a stale outcome from touching a newer
	// session state.
	fail := func(err error) error {
		s.post(func() {
			if s.connectGen != attempt || s.phase != PhaseDiscovering {
				return
			}
			s.phase = PhaseDisconnected
			s.publish()
		})
		return err
	}

	if err := s.transport.Connect(ctx); err != nil {
		return fail(fmt.Errorf("connect: %w", err))
	}
	chars, err := s.transport.DiscoverCharacteristics(ctx)
	if err != nil {
		s.transport.Disconnect()
		return fail(fmt.Errorf("discover characteristics: %w", err))
	}

	ready := make(chan error, 1)
	if err := s.do(func() {
		if s.connectGen != attempt || s.phase != PhaseDiscovering {
			ready <- ErrDisconnected
			return
		}
		s.chars = chars
		s.charsOK = true
		s.notif = s.transport.Notifications()
		s.linkLoss = s.transport.LinkLoss()
		s.phase = PhaseReady
		s.publish()
		if s.hub != nil {
			s.hub.Broadcast(utils.WebSocketEvent{
				Type:    "flysight/device_connected",
				Payload: utils.DeviceConnectedPayload{Address: s.transport.Address()},
			})
		}
		s.beginListing()
		ready <- nil
	}); err != nil {
		s.transport.Disconnect()
		return err
	}
	if err := <-ready; err != nil {
		s.transport.Disconnect()
		return err
	}
	return nil
}

// Disconnect abandons any in-flight request with ErrDisconnected, resets all
// published state, and tears the link down.
func (s *Session) Disconnect() error {
	done := make(chan struct{})
	if err := s.do(func() {
		s.resetToDisconnected()
		close(done)
	}); err != nil {
		return err
	}
	<-done
	return s.transport.Disconnect()
}

func (s *Session) resetToDisconnected() {
	wasUp := s.phase != PhaseDisconnected
	s.failInflight(ErrDisconnected)
	s.chars = Characteristics{}
	s.charsOK = false
	s.notif = nil
	s.linkLoss = nil
	s.dir.reset()
	s.telemetry = nil
	s.counting = false
	s.listAccum = nil
	s.downloadProg = TransferProgress{}
	s.uploadProg = TransferProgress{}
	s.maskStatus = MaskStatus{Kind: MaskStatusIdle}
	s.maskStatusGen++
	s.phase = PhaseDisconnected
	s.publish()
	if wasUp && s.hub != nil {
		s.hub.Broadcast(utils.WebSocketEvent{
			Type:    "flysight/device_disconnected",
			Payload: utils.DeviceDisconnectedPayload{Address: s.transport.Address()},
		})
	}
}

// guardReady rejects a new exchange unless the session is connected, both
// characteristics are known, and nothing else is outstanding.
func (s *Session) guardReady() error {
	if s.phase == PhaseDisconnected {
		return ErrNotConnected
	}
	if !s.charsOK {
		return ErrNotReady
	}
	if s.phase != PhaseReady {
		return ErrRequestInFlight
	}
	return nil
}

func (s *Session) write(frame []byte) error {
	return s.transport.WriteValue(s.chars.CommandRx, frame)
}

func (s *Session) beginExchange() {
	s.gen++
	s.lastActivity = time.Now()
	s.armTimeout(s.gen, s.requestTimeout)
}

func (s *Session) endExchange() {
	s.gen++
	s.phase = PhaseReady
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
}

func (s *Session) armTimeout(gen uint64, d time.Duration) {
	time.AfterFunc(d, func() {
		s.post(func() { s.checkTimeout(gen) })
	})
}

func (s *Session) checkTimeout(gen uint64) {
	if gen != s.gen {
		return
	}
	idle := time.Since(s.lastActivity)
	if idle < s.requestTimeout {
		s.armTimeout(gen, s.requestTimeout-idle)
		return
	}
	log.Printf("SESSION: request timed out in state %s", s.phase)
	s.failInflight(ErrRequestTimeout)
}

// failInflight resolves whatever exchange is outstanding with err and
// returns the session to Ready.
func (s *Session) failInflight(err error) {
	switch s.phase {
	case PhaseListing:
		log.Printf("SESSION: directory listing abandoned: %v", err)
		s.listAccum = nil
		s.endExchange()
		s.publish()
	case PhaseDownloading:
		s.resolveDownload(downloadResult{err: err})
	case PhaseUploading:
		s.resolveUpload(err)
	case PhaseFetchingMask:
		s.resolveMaskGet(maskResult{err: err})
	case PhaseSettingMask:
		s.setMaskStatus(MaskStatus{Kind: MaskStatusFailure, Message: err.Error()})
		s.resolveMaskSet(err)
	}
}

// --- notifications ---

func (s *Session) handleNotification(n Notification) {
	if !s.charsOK || n.Characteristic != s.chars.ResponseTx || len(n.Data) == 0 {
		return
	}
	data := n.Data
	switch data[0] {
	case RspDirEntry:
		s.handleDirEntry(data)
	case RspFileData:
		s.handleFileData(data)
	case RspFileAck:
		s.handleFileAck(data)
	case RspMaskValue:
		s.handleMaskValue(data)
	case RspMaskAck:
		s.handleMaskAck(data)
	case RspGNSSData:
		s.handleTelemetry(data[1:])
	case RspStartResult:
		s.handleStartResult(data[1:])
	default:
		log.Printf("SESSION: unknown notification type 0x%02x dropped", data[0])
	}
}

// --- directory listing ---

// Descend navigates into a folder and requests a fresh listing. Dropped,
// not queued, while any exchange is outstanding.
func (s *Session) Descend(name string) {
	s.post(func() {
		if s.phase != PhaseReady {
			log.Printf("SESSION: descend %q dropped (%s)", name, s.phase)
			return
		}
		s.dir.descend(name)
		s.beginListing()
	})
}

// Ascend navigates to the parent directory. A no-op at root; dropped while
// any exchange is outstanding.
func (s *Session) Ascend() {
	s.post(func() {
		if s.phase != PhaseReady || s.dir.AtRoot() {
			return
		}
		s.dir.ascend()
		s.beginListing()
	})
}

// RefreshListing re-requests the current directory.
func (s *Session) RefreshListing() {
	s.post(func() {
		if s.phase != PhaseReady {
			return
		}
		s.beginListing()
	})
}

func (s *Session) beginListing() {
	if err := s.guardReady(); err != nil {
		log.Printf("SESSION: listing skipped: %v", err)
		return
	}
	s.phase = PhaseListing
	s.listAccum = nil
	// Show an empty listing rather than a stale one while navigating.
	s.dir.clearEntries()
	if err := s.write(EncodeDirList(s.dir.AbsolutePath())); err != nil {
		log.Printf("SESSION: failed to request listing: %v", err)
		s.phase = PhaseReady
		s.publish()
		return
	}
	s.beginExchange()
	s.publish()
}

func (s *Session) handleDirEntry(record []byte) {
	if s.phase != PhaseListing {
		return
	}
	s.touch()
	if IsListingEnd(record) {
		entries := s.listAccum
		s.listAccum = nil
		SortEntries(entries)
		s.dir.replaceEntries(entries)
		s.endExchange()
		s.publish()
		return
	}
	entry, ok := DecodeDirectoryEntry(record)
	if !ok {
		log.Printf("SESSION: malformed directory entry dropped (%d bytes)", len(record))
		return
	}
	s.listAccum = append(s.listAccum, entry)
}

// --- file download ---

// DownloadFile streams a file's contents. size is the expected total from
// the directory listing and drives progress reporting; the download ends
// when the device sends an empty chunk.
func (s *Session) DownloadFile(ctx context.Context, path string, size uint32) ([]byte, error) {
	res := make(chan downloadResult, 1)
	if err := s.do(func() { s.beginDownload(path, size, res) }); err != nil {
		return nil, err
	}
	select {
	case r := <-res:
		return r.data, r.err
	case <-ctx.Done():
		s.CancelDownload()
		return nil, ctx.Err()
	}
}

func (s *Session) beginDownload(path string, size uint32, res chan downloadResult) {
	if err := s.guardReady(); err != nil {
		res <- downloadResult{err: err}
		return
	}
	s.phase = PhaseDownloading
	s.dl = &downloadState{total: size, done: res}
	s.downloadProg = TransferProgress{BytesTotal: size}
	if err := s.write(EncodeFileRead(path)); err != nil {
		s.resolveDownload(downloadResult{err: fmt.Errorf("write: %w", err)})
		return
	}
	s.beginExchange()
	s.publish()
}

func (s *Session) handleFileData(data []byte) {
	if s.phase != PhaseDownloading || s.dl == nil {
		// Late chunk for a cancelled or stale transfer.
		return
	}
	if len(data) < 2 {
		log.Printf("SESSION: malformed file data frame dropped (%d bytes)", len(data))
		return
	}
	if data[1] != s.dl.next {
		log.Printf("SESSION: chunk %d dropped (want %d)", data[1], s.dl.next)
		return
	}
	s.touch()

	chunk := data[2:]
	if len(chunk) == 0 {
		buf := s.dl.buf
		s.downloadProg.BytesTransferred = uint32(len(buf))
		if s.downloadProg.BytesTotal == 0 {
			s.downloadProg.BytesTotal = uint32(len(buf))
		}
		s.resolveDownload(downloadResult{data: buf})
		return
	}
	s.dl.buf = append(s.dl.buf, chunk...)
	s.dl.next++
	s.downloadProg.BytesTransferred = uint32(len(s.dl.buf))
	s.publish()
}

// CancelDownload aborts an active download. The pending caller resolves
// immediately with ErrCancelled; a cancel indication is sent best-effort.
func (s *Session) CancelDownload() {
	s.post(func() {
		if s.phase != PhaseDownloading || s.dl == nil {
			return
		}
		if err := s.write(EncodeFileCancel()); err != nil {
			log.Printf("SESSION: failed to send cancel indication: %v", err)
		}
		s.resolveDownload(downloadResult{err: ErrCancelled})
	})
}

func (s *Session) resolveDownload(r downloadResult) {
	if s.dl != nil {
		s.dl.done <- r
		s.dl = nil
	}
	if r.err != nil {
		s.downloadProg = TransferProgress{}
	}
	s.endExchange()
	s.publish()
}

// --- file upload ---

// UploadFile writes data to a device path, one chunk in flight at a time.
func (s *Session) UploadFile(ctx context.Context, path string, data []byte) error {
	res := make(chan error, 1)
	if err := s.do(func() { s.beginUpload(path, data, res) }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		s.CancelUpload()
		return ctx.Err()
	}
}

func (s *Session) beginUpload(path string, data []byte, res chan error) {
	if err := s.guardReady(); err != nil {
		res <- err
		return
	}
	s.phase = PhaseUploading
	s.up = &uploadState{data: data, done: res}
	s.uploadProg = TransferProgress{BytesTotal: uint32(len(data))}
	if err := s.write(EncodeFileWrite(path, uint32(len(data)))); err != nil {
		s.resolveUpload(fmt.Errorf("write: %w", err))
		return
	}
	s.sendUploadChunk()
	if s.up == nil {
		return // first chunk write failed
	}
	s.beginExchange()
	s.publish()
}

// sendUploadChunk sends the next data chunk, or the empty end marker once
// all bytes are out.
func (s *Session) sendUploadChunk() {
	up := s.up
	if up.off >= len(up.data) {
		up.endSent = true
		up.pendingLen = 0
		if err := s.write(EncodeFileChunk(up.seq, nil)); err != nil {
			s.resolveUpload(fmt.Errorf("write: %w", err))
		}
		return
	}
	end := up.off + UploadChunkSize
	if end > len(up.data) {
		end = len(up.data)
	}
	up.pendingLen = end - up.off
	if err := s.write(EncodeFileChunk(up.seq, up.data[up.off:end])); err != nil {
		s.resolveUpload(fmt.Errorf("write: %w", err))
	}
}

func (s *Session) handleFileAck(data []byte) {
	if s.phase != PhaseUploading || s.up == nil {
		return
	}
	if len(data) < 2 {
		log.Printf("SESSION: malformed file ack dropped (%d bytes)", len(data))
		return
	}
	if data[1] != s.up.seq {
		log.Printf("SESSION: ack %d dropped (want %d)", data[1], s.up.seq)
		return
	}
	s.touch()

	if s.up.endSent {
		s.uploadProg.BytesTransferred = uint32(s.up.off)
		s.resolveUpload(nil)
		return
	}
	s.up.off += s.up.pendingLen
	s.uploadProg.BytesTransferred = uint32(s.up.off)
	s.up.seq++
	s.sendUploadChunk()
	if s.up != nil {
		s.publish()
	}
}

// CancelUpload aborts an active upload, resolving the pending caller with
// ErrCancelled.
func (s *Session) CancelUpload() {
	s.post(func() {
		if s.phase != PhaseUploading || s.up == nil {
			return
		}
		if err := s.write(EncodeFileCancel()); err != nil {
			log.Printf("SESSION: failed to send cancel indication: %v", err)
		}
		s.resolveUpload(ErrCancelled)
	})
}

func (s *Session) resolveUpload(err error) {
	if s.up != nil {
		s.up.done <- err
		s.up = nil
	}
	if err != nil {
		s.uploadProg = TransferProgress{}
	}
	s.endExchange()
	s.publish()
}

// --- GNSS mask ---

// FetchMask queries the device's current GNSS live field mask.
func (s *Session) FetchMask(ctx context.Context) (GNSSMask, error) {
	res := make(chan maskResult, 1)
	if err := s.do(func() { s.beginMaskGet(res) }); err != nil {
		return 0, err
	}
	select {
	case r := <-res:
		return r.mask, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Session) beginMaskGet(res chan maskResult) {
	if err := s.guardReady(); err != nil {
		res <- maskResult{err: err}
		return
	}
	s.phase = PhaseFetchingMask
	s.maskGetDone = res
	if err := s.write(EncodeMaskGet()); err != nil {
		s.resolveMaskGet(maskResult{err: fmt.Errorf("write: %w", err)})
		return
	}
	s.beginExchange()
	s.publish()
}

func (s *Session) handleMaskValue(data []byte) {
	if s.phase != PhaseFetchingMask || s.maskGetDone == nil {
		return
	}
	if len(data) < 2 {
		log.Printf("SESSION: malformed mask value dropped (%d bytes)", len(data))
		return
	}
	s.touch()
	s.mask = GNSSMask(data[1])
	s.resolveMaskGet(maskResult{mask: s.mask})
}

func (s *Session) resolveMaskGet(r maskResult) {
	if s.maskGetDone != nil {
		s.maskGetDone <- r
		s.maskGetDone = nil
	}
	s.endExchange()
	s.publish()
}

// SetMask requests a new GNSS live field mask. The visible mask only
// changes once the device confirms; on failure it stays as it was and the
// published mask status carries the failure message.
func (s *Session) SetMask(ctx context.Context, mask GNSSMask) error {
	if !mask.Supported() {
		return ErrUnsupportedMask
	}
	res := make(chan error, 1)
	if err := s.do(func() { s.beginMaskSet(mask, res) }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) beginMaskSet(mask GNSSMask, res chan error) {
	if err := s.guardReady(); err != nil {
		res <- err
		return
	}
	s.phase = PhaseSettingMask
	s.maskSetDone = res
	s.maskSetValue = mask
	s.setMaskStatus(MaskStatus{Kind: MaskStatusPending})
	if err := s.write(EncodeMaskSet(mask)); err != nil {
		err = fmt.Errorf("write: %w", err)
		s.setMaskStatus(MaskStatus{Kind: MaskStatusFailure, Message: err.Error()})
		s.resolveMaskSet(err)
		return
	}
	s.beginExchange()
	s.publish()
}

func (s *Session) handleMaskAck(data []byte) {
	if s.phase != PhaseSettingMask || s.maskSetDone == nil {
		return
	}
	if len(data) < 2 {
		log.Printf("SESSION: malformed mask ack dropped (%d bytes)", len(data))
		return
	}
	s.touch()

	if code := data[1]; code != 0 {
		err := &DeviceError{Code: code}
		s.setMaskStatus(MaskStatus{Kind: MaskStatusFailure, Message: err.Error()})
		s.resolveMaskSet(err)
		return
	}
	s.mask = s.maskSetValue
	s.setMaskStatus(MaskStatus{Kind: MaskStatusSuccess})
	s.resolveMaskSet(nil)
}

func (s *Session) resolveMaskSet(err error) {
	if s.maskSetDone != nil {
		s.maskSetDone <- err
		s.maskSetDone = nil
	}
	s.endExchange()
	s.publish()
}

// setMaskStatus updates the published mask status. Terminal states revert
// to idle after MaskStatusClearDelay unless superseded.
func (s *Session) setMaskStatus(st MaskStatus) {
	s.maskStatus = st
	s.maskStatusGen++
	if st.Kind != MaskStatusSuccess && st.Kind != MaskStatusFailure {
		return
	}
	gen := s.maskStatusGen
	time.AfterFunc(s.maskStatusClearDelay, func() {
		s.post(func() {
			if s.maskStatusGen != gen {
				return
			}
			s.maskStatus = MaskStatus{Kind: MaskStatusIdle}
			s.maskStatusGen++
			s.publish()
		})
	})
}

// --- starting pistol ---

// Start arms the starting pistol. The counting condition flips immediately;
// the device reports the actual firing instant later as a StartEvent.
func (s *Session) Start() error {
	res := make(chan error, 1)
	if err := s.do(func() {
		if err := s.guardReady(); err != nil {
			res <- err
			return
		}
		if s.counting {
			res <- ErrCountdownActive
			return
		}
		if err := s.write(EncodeStart()); err != nil {
			res <- fmt.Errorf("write: %w", err)
			return
		}
		s.counting = true
		s.publish()
		res <- nil
	}); err != nil {
		return err
	}
	return <-res
}

// CancelCountdown aborts an armed countdown. Accepted only while counting.
func (s *Session) CancelCountdown() error {
	res := make(chan error, 1)
	if err := s.do(func() {
		if s.phase == PhaseDisconnected {
			res <- ErrNotConnected
			return
		}
		if !s.charsOK {
			res <- ErrNotReady
			return
		}
		if !s.counting {
			res <- ErrNoCountdown
			return
		}
		if err := s.write(EncodeStartCancel()); err != nil {
			res <- fmt.Errorf("write: %w", err)
			return
		}
		s.counting = false
		s.publish()
		res <- nil
	}); err != nil {
		return err
	}
	return <-res
}

func (s *Session) handleStartResult(payload []byte) {
	ev, ok := DecodeStartResult(payload)
	if !ok {
		log.Printf("SESSION: malformed start result dropped (%d bytes)", len(payload))
		return
	}
	s.counting = false
	s.publish()

	select {
	case s.startEvents <- ev:
	default:
		log.Printf("SESSION: start event dropped, consumer not keeping up")
	}
}

// --- telemetry ---

func (s *Session) handleTelemetry(payload []byte) {
	sample, ok := DecodeTelemetry(payload)
	if !ok {
		log.Printf("SESSION: malformed telemetry record dropped (%d bytes)", len(payload))
		return
	}
	s.telemetry = sample
	s.publish()
}

// --- published state ---

func (s *Session) publish() {
	st := State{
		Phase:      s.phase,
		Path:       s.dir.pathCopy(),
		Entries:    s.dir.entriesCopy(),
		Mask:       s.mask,
		MaskStatus: s.maskStatus,
		Counting:   s.counting,
		Download:   s.downloadProg,
		Upload:     s.uploadProg,
		Telemetry:  s.telemetry,
	}
	s.snapMu.Lock()
	s.lastSnap = st
	s.snapMu.Unlock()

	if s.hub != nil {
		s.hub.Broadcast(utils.WebSocketEvent{Type: "flysight/state", Payload: st})
	}
}
