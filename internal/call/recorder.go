package call

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

const (
	// pliInterval is how often a keyframe is requested while recording.
	// Without periodic PLIs a join mid-stream may wait a long time for the
	// first decodable frame.
	pliInterval = 3 * time.Second

	sampleBufferLen = 64
)

// recorder captures the remote tracks of one call into a WebM file.
// The remote stream is received, not owned: stopping the recorder has no
// effect on the remote peer.
type recorder struct {
	callID string
	pc     PeerConn

	mu      sync.Mutex
	w       *webmFile
	path    string
	started time.Time

	stop chan struct{}
	once sync.Once
}

func newRecorder(callID, dir string, pc PeerConn) *recorder {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("CALL [%s]: recording dir: %v", callID, err)
		return nil
	}
	name := time.Now().Format("20060102-150405") + "-" + callID + ".webm"
	return &recorder{
		callID:  callID,
		pc:      pc,
		path:    filepath.Join(dir, name),
		started: time.Now(),
		stop:    make(chan struct{}),
	}
}

// AddTrack starts capturing one remote track. Codecs other than VP8/Opus
// are skipped — the muxer only speaks WebM.
func (r *recorder) AddTrack(track *webrtc.TrackRemote) {
	mime := strings.ToLower(track.Codec().MimeType)
	switch {
	case mime == strings.ToLower(webrtc.MimeTypeVP8):
		go r.recordVideo(track)
	case mime == strings.ToLower(webrtc.MimeTypeOpus):
		go r.recordAudio(track)
	default:
		log.Printf("CALL [%s]: not recording %s track (unsupported codec)", r.callID, mime)
	}
}

// file lazily opens the output once the first recordable track appears.
func (r *recorder) file() *webmFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		w, err := newWebmFile(r.path, true)
		if err != nil {
			log.Printf("CALL [%s]: open recording: %v", r.callID, err)
			return nil
		}
		r.w = w
		log.Printf("CALL [%s]: recording to %s", r.callID, r.path)
	}
	return r.w
}

func (r *recorder) recordVideo(track *webrtc.TrackRemote) {
	w := r.file()
	if w == nil {
		return
	}

	go r.pliLoop(uint32(track.SSRC()))

	sb := samplebuilder.New(sampleBufferLen, &codecs.VP8Packet{}, track.Codec().ClockRate)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return // track closed with the peer connection
		}
		sb.Push(pkt)
		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			if len(sample.Data) == 0 {
				continue
			}
			// VP8 frame header: lowest bit of the first byte clear ⇒ keyframe.
			keyframe := sample.Data[0]&0x01 == 0
			ts := time.Since(r.started).Milliseconds()
			if err := w.WriteVideo(ts, keyframe, sample.Data); err != nil {
				log.Printf("CALL [%s]: write video: %v", r.callID, err)
				return
			}
		}
	}
}

func (r *recorder) recordAudio(track *webrtc.TrackRemote) {
	w := r.file()
	if w == nil {
		return
	}

	sb := samplebuilder.New(sampleBufferLen, &codecs.OpusPacket{}, track.Codec().ClockRate)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		sb.Push(pkt)
		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			if len(sample.Data) == 0 {
				continue
			}
			ts := time.Since(r.started).Milliseconds()
			if err := w.WriteAudio(ts, sample.Data); err != nil {
				log.Printf("CALL [%s]: write audio: %v", r.callID, err)
				return
			}
		}
	}
}

func (r *recorder) pliLoop(ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			err := r.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: ssrc},
			})
			if err != nil {
				return
			}
		}
	}
}

// Close stops the PLI loop and finalizes the file. Idempotent.
func (r *recorder) Close() {
	r.once.Do(func() {
		close(r.stop)
		r.mu.Lock()
		w := r.w
		r.mu.Unlock()
		if w != nil {
			if err := w.Close(); err != nil {
				log.Printf("CALL [%s]: close recording: %v", r.callID, err)
			} else {
				log.Printf("CALL [%s]: recording saved", r.callID)
			}
		}
	})
}
