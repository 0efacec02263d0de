//go:build !linux

package call

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/skillmesh/skillmesh/internal/proto"
)

// mediaStack on non-Linux platforms builds peer connections with the default
// codec set but has no capture drivers — pion/mediadevices needs V4L2/malgo.
// Acquire reports the hardware as unavailable and the session fails the
// attempt with that reason.
type mediaStack struct {
	ice []string
}

func newMediaStack(iceServers []string) (*mediaStack, error) {
	return &mediaStack{ice: iceServers}, nil
}

func (ms *mediaStack) NewPeerConn() (PeerConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

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

func (ms *mediaStack) Acquire(proto.MediaKind) (LocalMedia, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrDeviceUnavailable)
}
