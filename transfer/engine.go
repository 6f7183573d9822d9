package transfer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jonmobley/EclipseTV/storage"
	"github.com/jonmobley/EclipseTV/transport"
)

const (
	// DefaultSettleDelay is how long the progress UI lingers at 100%
	// before the caller is told to hide it.
	DefaultSettleDelay = time.Second

	// streamChunkSize is the message size used by the chunked video
	// fallback path.
	streamChunkSize = 32 * 1024

	// thumbnailPrefix marks a resource as a video thumbnail sidecar.
	thumbnailPrefix = "thumbnail_"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".heic": true,
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".m4v": true,
}

// KindForPath classifies a media path by extension. The second return is
// false for unsupported formats, which are rejected before any transfer
// begins.
func KindForPath(path string) (Kind, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if imageExtensions[ext] {
		return KindImage, true
	}
	if videoExtensions[ext] {
		return KindVideo, true
	}
	return KindImage, false
}

// Engine moves one resource at a time per direction over the bound
// session, with progress reporting and confirmed delivery.
type Engine struct {
	store       *storage.MediaStore
	settleDelay time.Duration

	mu          sync.Mutex
	session     transport.Session
	outbound    *Transfer
	inbound     *Transfer
	accumulator *videoAccumulator
	sendThumbs  map[string]string
	recvThumbs  map[string]string

	onProgress          func(Kind, int)
	onDeliveryConfirmed func()
	onMediaReceived     func(path string, kind Kind)
	onMoveMode          func(enabled bool)
	onSettled           func()
}

// NewEngine creates an engine persisting inbound media through store.
func NewEngine(store *storage.MediaStore) *Engine {
	logrus.WithFields(logrus.Fields{
		"function": "NewEngine",
	}).Info("Creating transfer engine")

	return &Engine{
		store:       store,
		settleDelay: DefaultSettleDelay,
		sendThumbs:  make(map[string]string),
		recvThumbs:  make(map[string]string),
	}
}

// SetSettleDelay overrides the 100% settle delay, mainly for tests.
func (e *Engine) SetSettleDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settleDelay = d
}

// OnProgress sets the callback for transfer progress ticks.
func (e *Engine) OnProgress(callback func(kind Kind, percent int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onProgress = callback
}

// OnDeliveryConfirmed sets the callback fired when the peer confirms
// delivery of an outbound transfer.
func (e *Engine) OnDeliveryConfirmed(callback func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDeliveryConfirmed = callback
}

// OnMediaReceived sets the callback for completed inbound media.
func (e *Engine) OnMediaReceived(callback func(path string, kind Kind)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMediaReceived = callback
}

// OnMoveModeChanged sets the callback for remote move-mode transitions.
func (e *Engine) OnMoveModeChanged(callback func(enabled bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMoveMode = callback
}

// OnTransferSettled sets the callback fired one settle delay after a
// transfer reaches 100%, telling the caller to hide transfer UI.
func (e *Engine) OnTransferSettled(callback func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSettled = callback
}

// BindSession attaches the engine to an established session, taking over
// its message and resource handlers.
func (e *Engine) BindSession(sess transport.Session) {
	e.mu.Lock()
	e.session = sess
	e.mu.Unlock()

	sess.OnMessage(e.HandleMessage)
	sess.OnResource(e.HandleResource)

	logrus.WithFields(logrus.Fields{
		"function": "BindSession",
		"remote":   sess.Remote(),
	}).Info("Engine bound to session")
}

// UnbindSession detaches from a lost session. In-flight sends fail on
// their own when the underlying streams break.
func (e *Engine) UnbindSession() {
	e.mu.Lock()
	e.session = nil
	e.mu.Unlock()
}

// currentSession returns the bound session or nil.
func (e *Engine) currentSession() transport.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// RegisterThumbnail records a pre-generated custom thumbnail for a video
// path, to be sent ahead of the video itself.
func (e *Engine) RegisterThumbnail(videoPath, thumbPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendThumbs[videoPath] = thumbPath
}

// ReceivedThumbnail returns the sidecar thumbnail received for a video
// file name, if any.
func (e *Engine) ReceivedThumbnail(videoName string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	path, ok := e.recvThumbs[videoName]
	return path, ok
}

// Outbound returns the active outbound transfer, or nil.
func (e *Engine) Outbound() *Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outbound
}

// SendImage sends the image at path over the resource primitive. It
// returns false without side effects when no session is connected or the
// format is unsupported.
func (e *Engine) SendImage(path string) bool {
	kind, ok := KindForPath(path)
	if !ok || kind != KindImage {
		logrus.WithFields(logrus.Fields{
			"function": "SendImage",
			"path":     path,
		}).Warn("Rejecting unsupported image format")
		return false
	}
	return e.startResourceSend(path, KindImage)
}

// SendVideo sends the video at path over the resource primitive. If a
// custom thumbnail was registered for the path it is sent first as an
// auxiliary resource; its failure never aborts the video send.
func (e *Engine) SendVideo(path string) bool {
	kind, ok := KindForPath(path)
	if !ok || kind != KindVideo {
		logrus.WithFields(logrus.Fields{
			"function": "SendVideo",
			"path":     path,
		}).Warn("Rejecting unsupported video format")
		return false
	}
	return e.startResourceSend(path, KindVideo)
}

// startResourceSend validates preconditions and launches the send
// worker. A transfer already in flight is logged but not blocked; the
// trigger is disabled by the caller while a send runs.
func (e *Engine) startResourceSend(path string, kind Kind) bool {
	sess := e.currentSession()
	if sess == nil {
		logrus.WithFields(logrus.Fields{
			"function": "startResourceSend",
			"path":     path,
		}).Warn("No connected session, send rejected")
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "startResourceSend",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Media file unreadable, send rejected")
		return false
	}
	if info.Size() == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "startResourceSend",
			"path":     path,
		}).Warn("Empty media file, send rejected")
		return false
	}

	t := NewTransfer(DirectionOutbound, kind, path, info.Size())
	ctx, cancel := context.WithCancel(context.Background())
	t.setCancel(cancel)
	t.SetProgressCallback(func(percent int) {
		e.emitProgress(kind, percent)
	})

	e.mu.Lock()
	if e.outbound != nil && e.outbound.State() == StateInProgress {
		logrus.WithFields(logrus.Fields{
			"function": "startResourceSend",
			"active":   e.outbound.ID,
		}).Warn("Outbound transfer already active")
	}
	thumb := e.sendThumbs[path]
	e.outbound = t
	e.mu.Unlock()

	go e.runResourceSend(ctx, sess, t, thumb)
	return true
}

// runResourceSend performs the blocking send off the caller's goroutine.
func (e *Engine) runResourceSend(ctx context.Context, sess transport.Session, t *Transfer, thumb string) {
	// Auxiliary thumbnail first, best effort.
	if thumb != "" {
		name := thumbnailPrefix + filepath.Base(t.Path)
		if err := sess.SendResource(ctx, name, thumb, nil); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runResourceSend",
				"thumb":    thumb,
				"error":    err.Error(),
			}).Warn("Thumbnail send failed, continuing with video")
		}
	}

	t.begin()
	err := sess.SendResource(ctx, filepath.Base(t.Path), t.Path, func(sent, total int64) {
		t.ReportBytes(sent)
	})
	if err != nil {
		if t.State() == StateCancelled {
			logrus.WithFields(logrus.Fields{
				"function":    "runResourceSend",
				"transfer_id": t.ID,
			}).Info("Send cancelled")
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":    "runResourceSend",
			"transfer_id": t.ID,
			"error":       err.Error(),
		}).Error("Resource send failed")
		e.failOutbound(t)
		return
	}

	t.ReportBytes(t.TotalBytes)
	e.scheduleSettle()
	// Delivery is confirmed when the peer's ack message arrives.
}

// SendVideoStream sends the video at path over the chunked byte-message
// fallback: a size header, raw chunks in order, then the completion
// sentinel. Used when the peer's transport lacks the resource primitive.
func (e *Engine) SendVideoStream(path string) bool {
	kind, ok := KindForPath(path)
	if !ok || kind != KindVideo {
		logrus.WithFields(logrus.Fields{
			"function": "SendVideoStream",
			"path":     path,
		}).Warn("Rejecting unsupported video format")
		return false
	}

	sess := e.currentSession()
	if sess == nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendVideoStream",
			"path":     path,
		}).Warn("No connected session, send rejected")
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendVideoStream",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Media file unreadable, send rejected")
		return false
	}
	if info.Size() == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SendVideoStream",
			"path":     path,
		}).Warn("Empty media file, send rejected")
		return false
	}

	t := NewTransfer(DirectionOutbound, KindVideo, path, info.Size())
	ctx, cancel := context.WithCancel(context.Background())
	t.setCancel(cancel)
	t.SetProgressCallback(func(percent int) {
		e.emitProgress(KindVideo, percent)
	})

	e.mu.Lock()
	e.outbound = t
	e.mu.Unlock()

	go e.runStreamSend(ctx, sess, t)
	return true
}

// runStreamSend moves the video as ordered byte messages.
func (e *Engine) runStreamSend(ctx context.Context, sess transport.Session, t *Transfer) {
	f, err := os.Open(t.Path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "runStreamSend",
			"path":     t.Path,
			"error":    err.Error(),
		}).Error("Failed to open video")
		e.failOutbound(t)
		return
	}
	defer f.Close()

	if err := sess.SendMessage(transport.EncodeVideoHeader(t.TotalBytes)); err != nil {
		e.failOutbound(t)
		return
	}

	t.begin()
	buf := make([]byte, streamChunkSize)
	var sent int64
	for {
		if ctx.Err() != nil {
			return
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := sess.SendMessage(chunk); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":    "runStreamSend",
					"transfer_id": t.ID,
					"error":       err.Error(),
				}).Error("Chunk send failed")
				e.failOutbound(t)
				return
			}
			sent += int64(n)
			t.ReportBytes(sent)
		}
		if readErr != nil {
			break
		}
	}

	if err := sess.SendMessage([]byte(transport.ControlVideoComplete)); err != nil {
		e.failOutbound(t)
		return
	}

	e.scheduleSettle()
}

// CancelCurrentTransfer cancels the active outbound transfer and
// releases its progress observer. Safe to call with no active transfer.
func (e *Engine) CancelCurrentTransfer() {
	e.mu.Lock()
	t := e.outbound
	e.outbound = nil
	e.mu.Unlock()

	if t == nil {
		logrus.WithFields(logrus.Fields{
			"function": "CancelCurrentTransfer",
		}).Debug("No active transfer to cancel")
		return
	}

	t.Cancel()
}

// HandleMessage processes one inbound byte message from the session.
func (e *Engine) HandleMessage(data []byte) {
	switch transport.Classify(data) {
	case transport.KindControl:
		e.handleControl(string(data))
	case transport.KindVideoHeader:
		size, err := transport.ParseVideoHeader(data)
		if err != nil {
			return
		}
		e.openAccumulator(size)
	case transport.KindChunk:
		e.appendChunk(data)
	}
}

// handleControl dispatches a sentinel control message.
func (e *Engine) handleControl(msg string) {
	logrus.WithFields(logrus.Fields{
		"function": "handleControl",
		"message":  msg,
	}).Debug("Control message received")

	switch msg {
	case transport.ControlImageReceived:
		e.confirmOutbound()

	case transport.ControlMoveModeEnabled:
		e.emitMoveMode(true)

	case transport.ControlMoveModeDisabled:
		e.emitMoveMode(false)

	case transport.ControlVideoComplete:
		e.finalizeInbound()

	case transport.ControlVideoError:
		e.mu.Lock()
		t := e.outbound
		e.outbound = nil
		e.mu.Unlock()
		if t != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "handleControl",
				"transfer_id": t.ID,
			}).Error("Peer reported video save failure")
			e.failOutboundTransfer(t)
		}
	}
}

// confirmOutbound completes the active outbound transfer on the peer's
// delivery ack.
func (e *Engine) confirmOutbound() {
	e.mu.Lock()
	t := e.outbound
	e.outbound = nil
	callback := e.onDeliveryConfirmed
	e.mu.Unlock()

	if t == nil || !t.Confirm() {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "confirmOutbound",
		"transfer_id": t.ID,
	}).Info("Delivery confirmed by peer")

	if callback != nil {
		callback()
	}
}

// openAccumulator begins an inbound streamed video of the declared size.
func (e *Engine) openAccumulator(size int64) {
	t := NewTransfer(DirectionInbound, KindVideo, "", size)
	t.SetProgressCallback(func(percent int) {
		e.emitProgress(KindVideo, percent)
	})
	t.begin()

	e.mu.Lock()
	if e.accumulator != nil {
		logrus.WithFields(logrus.Fields{
			"function": "openAccumulator",
		}).Warn("Replacing unfinished video accumulator")
	}
	e.accumulator = newVideoAccumulator(size)
	e.inbound = t
	e.mu.Unlock()
}

// appendChunk adds raw chunk data to the open accumulator.
func (e *Engine) appendChunk(data []byte) {
	e.mu.Lock()
	acc := e.accumulator
	t := e.inbound
	e.mu.Unlock()

	if acc == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "appendChunk",
			"chunk_size": len(data),
		}).Warn("Dropping chunk with no open accumulator")
		return
	}

	if err := acc.append(data); err != nil {
		e.abortInbound(t)
		return
	}

	if t != nil {
		t.ReportBytes(acc.received())
	}
}

// finalizeInbound persists a completed video stream and confirms it to
// the sender. Persistence failure reports VIDEO_ERROR back instead.
func (e *Engine) finalizeInbound() {
	e.mu.Lock()
	acc := e.accumulator
	t := e.inbound
	e.accumulator = nil
	e.inbound = nil
	e.mu.Unlock()

	if acc == nil {
		logrus.WithFields(logrus.Fields{
			"function": "finalizeInbound",
		}).Warn("Video completion with no open accumulator")
		return
	}

	name := "video_" + shortID(t) + ".mp4"
	path, err := e.store.Save(name, acc.bytes())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "finalizeInbound",
			"error":    err.Error(),
		}).Error("Failed to persist received video")
		if t != nil {
			t.Fail()
		}
		e.sendControl(transport.ControlVideoError)
		return
	}

	if t != nil {
		t.Confirm()
	}
	e.sendControl(transport.ControlImageReceived)
	e.emitMediaReceived(path, KindVideo)
}

// abortInbound discards a corrupted inbound stream and reports the error
// to the sender.
func (e *Engine) abortInbound(t *Transfer) {
	e.mu.Lock()
	e.accumulator = nil
	e.inbound = nil
	e.mu.Unlock()

	if t != nil {
		t.Fail()
	}
	e.sendControl(transport.ControlVideoError)
}

// HandleResource processes a completed inbound resource. Thumbnail
// sidecars are cached against their video rather than surfaced as new
// media; everything else is acked and handed to the consumer.
func (e *Engine) HandleResource(name, path string) {
	if strings.HasPrefix(name, thumbnailPrefix) {
		videoName := strings.TrimPrefix(name, thumbnailPrefix)

		e.mu.Lock()
		e.recvThumbs[videoName] = path
		e.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "HandleResource",
			"video":    videoName,
			"path":     path,
		}).Info("Cached thumbnail sidecar")
		return
	}

	kind, ok := KindForPath(name)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "HandleResource",
			"name":     name,
		}).Warn("Received resource with unsupported format")
		return
	}

	e.sendControl(transport.ControlImageReceived)
	e.emitMediaReceived(path, kind)
}

// sendControl sends one sentinel to the peer, logging failures.
func (e *Engine) sendControl(msg string) {
	sess := e.currentSession()
	if sess == nil {
		return
	}
	if err := sess.SendMessage([]byte(msg)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendControl",
			"message":  msg,
			"error":    err.Error(),
		}).Warn("Failed to send control message")
	}
}

// failOutbound fails the active outbound transfer if it is still t.
func (e *Engine) failOutbound(t *Transfer) {
	e.mu.Lock()
	if e.outbound == t {
		e.outbound = nil
	}
	e.mu.Unlock()
	e.failOutboundTransfer(t)
}

// failOutboundTransfer marks t failed and surfaces the zero-progress
// terminal event.
func (e *Engine) failOutboundTransfer(t *Transfer) {
	if !t.Fail() {
		return
	}
	e.emitProgress(t.Kind, 0)
}

// scheduleSettle fires the settled callback one settle delay after a
// transfer reaches 100%.
func (e *Engine) scheduleSettle() {
	e.mu.Lock()
	delay := e.settleDelay
	callback := e.onSettled
	e.mu.Unlock()

	if callback == nil {
		return
	}
	time.AfterFunc(delay, callback)
}

func (e *Engine) emitProgress(kind Kind, percent int) {
	e.mu.Lock()
	callback := e.onProgress
	e.mu.Unlock()
	if callback != nil {
		callback(kind, percent)
	}
}

func (e *Engine) emitMediaReceived(path string, kind Kind) {
	e.mu.Lock()
	callback := e.onMediaReceived
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "emitMediaReceived",
		"path":     path,
		"kind":     kind.String(),
	}).Info("Media received")

	if callback != nil {
		callback(path, kind)
	}
}

func (e *Engine) emitMoveMode(enabled bool) {
	e.mu.Lock()
	callback := e.onMoveMode
	e.mu.Unlock()
	if callback != nil {
		callback(enabled)
	}
}

// shortID returns a compact identifier for generated file names.
func shortID(t *Transfer) string {
	if t != nil && len(t.ID) >= 8 {
		return t.ID[:8]
	}
	return "stream"
}
