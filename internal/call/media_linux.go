//go:build linux

package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/skillmesh/skillmesh/internal/proto"
)

// mediaStack is the Linux capture stack: VP8+Opus via pion/mediadevices
// (V4L2 + malgo). One codec selector serves both the engine and capture so
// the encoder parameters line up.
type mediaStack struct {
	selector *mediadevices.CodecSelector
	ice      []string
}

func newMediaStack(iceServers []string) (*mediaStack, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &mediaStack{selector: selector, ice: iceServers}, nil
}

func (ms *mediaStack) NewPeerConn() (PeerConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	ms.selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine()),
	)
	return api.NewPeerConnection(rtcConfiguration(ms.ice))
}

// Acquire opens the microphone, and the camera for video calls. A denied or
// missing device fails the acquisition as a unit — the session turns that
// into a Failed state with a distinguishable reason.
func (ms *mediaStack) Acquire(kind proto.MediaKind) (LocalMedia, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: ms.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if kind == proto.MediaAudioVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding latency.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no capture tracks", ErrDeviceUnavailable)
	}
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL: local track ended: %v", err)
			}
		})
	}
	log.Printf("CALL: local media captured (%s), %d tracks", kind, len(tracks))
	return &deviceMedia{tracks: tracks}, nil
}

// deviceMedia owns the captured tracks. Mute pauses sending by replacing
// the sender's track with nil; unmute restores it.
type deviceMedia struct {
	mu      sync.Mutex
	tracks  []mediadevices.Track
	senders map[mediadevices.Track]*webrtc.RTPSender
	closed  bool
}

func (d *deviceMedia) Attach(pc PeerConn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders = make(map[mediadevices.Track]*webrtc.RTPSender, len(d.tracks))
	for _, t := range d.tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		d.senders[t] = sender
	}
	return nil
}

func (d *deviceMedia) SetAudioEnabled(on bool) bool {
	return d.setEnabled(webrtc.RTPCodecTypeAudio, on)
}

func (d *deviceMedia) SetVideoEnabled(on bool) bool {
	return d.setEnabled(webrtc.RTPCodecTypeVideo, on)
}

func (d *deviceMedia) setEnabled(kind webrtc.RTPCodecType, on bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	for t, sender := range d.senders {
		if t.Kind() != kind || sender == nil {
			continue
		}
		var err error
		if on {
			err = sender.ReplaceTrack(t)
		} else {
			err = sender.ReplaceTrack(nil)
		}
		if err != nil {
			log.Printf("CALL: toggle %s: %v", kind, err)
			return !on
		}
	}
	return on
}

func (d *deviceMedia) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, t := range d.tracks {
		t.Close()
	}
}
