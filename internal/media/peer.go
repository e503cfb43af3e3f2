package media

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when the client config names none.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func newPeerConnection(stun []string) (*webrtc.PeerConnection, error) {
	var config webrtc.Configuration
	if len(stun) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stun}}
	}
	return webrtc.NewPeerConnection(config)
}

// newChatChannel creates the pre-negotiated DataChannel (ID 0). Both sides
// create it themselves, so nobody waits on OnDataChannel.
func newChatChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("chat", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}
