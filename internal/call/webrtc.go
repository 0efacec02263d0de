package call

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// rtcConfiguration builds the PeerConnection configuration from the
// configured ICE server URLs, defaulting to a public STUN server.
func rtcConfiguration(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// settingEngine applies generous ICE timeouts. The default disconnected
// timeout of 5s is far too short for relay paths that see brief outages
// during re-keying or failover; 30s lets ICE recover without tearing the
// call down.
func settingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	return se
}
