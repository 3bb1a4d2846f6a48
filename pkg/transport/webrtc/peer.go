package webrtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/MrWong99/voiceorder/pkg/transport"
)

// dataChannelLabel is the label of the protocol event channel.
const dataChannelLabel = "oai-events"

// PeerHandlers are the callbacks a [Peer] invokes. They may be called from
// any goroutine.
type PeerHandlers struct {
	// OnOpen fires once when the protocol data channel opens.
	OnOpen func()
	// OnMessage fires for every inbound data channel message.
	OnMessage func(payload []byte)
	// OnState fires on peer connection state changes.
	OnState func(transport.ConnectionState)
	// OnAudio fires with every inbound Opus packet of the remote track.
	OnAudio func(opus []byte)
}

// Peer abstracts the WebRTC peer connection so the transport can be tested
// without a network stack.
type Peer interface {
	// CreateOffer returns the local SDP offer with gathered candidates.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptAnswer applies the remote SDP answer.
	AcceptAnswer(sdp string) error
	// SendText writes a text message on the data channel.
	SendText(payload string) error
	// WriteAudio writes one Opus packet of duration d to the outbound track.
	WriteAudio(opus []byte, d time.Duration) error
	// Close tears the peer connection down.
	Close() error
}

// PeerFactory creates a [Peer] wired to h.
type PeerFactory func(h PeerHandlers) (Peer, error)

// pionPeer is the production [Peer] backed by pion/webrtc.
type pionPeer struct {
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	track *webrtc.TrackLocalStaticSample
}

var _ Peer = (*pionPeer)(nil)

// NewPionPeer creates a peer connection with one send/receive Opus audio
// track and the protocol data channel.
func NewPionPeer(iceServers []string) PeerFactory {
	return func(h PeerHandlers) (Peer, error) {
		cfg := webrtc.Configuration{}
		if len(iceServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
		}
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
		}

		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
			"audio", "voiceorder",
		)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("webrtc: new audio track: %w", err)
		}
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("webrtc: add audio track: %w", err)
		}

		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("webrtc: create data channel: %w", err)
		}
		dc.OnOpen(func() {
			if h.OnOpen != nil {
				h.OnOpen()
			}
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if h.OnMessage != nil {
				h.OnMessage(msg.Data)
			}
		})

		pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if remote.Kind() != webrtc.RTPCodecTypeAudio {
				return
			}
			for {
				pkt, _, err := remote.ReadRTP()
				if err != nil {
					return
				}
				if h.OnAudio != nil && len(pkt.Payload) > 0 {
					h.OnAudio(pkt.Payload)
				}
			}
		})

		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if h.OnState != nil {
				h.OnState(connectionState(s))
			}
		})

		return &pionPeer{pc: pc, dc: dc, track: track}, nil
	}
}

func connectionState(s webrtc.PeerConnectionState) transport.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return transport.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return transport.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return transport.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return transport.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return transport.StateClosed
	default:
		return transport.StateNew
	}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *pionPeer) AcceptAnswer(sdp string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("webrtc: set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) SendText(payload string) error {
	if p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return transport.ErrClosed
	}
	return p.dc.SendText(payload)
}

func (p *pionPeer) WriteAudio(opus []byte, d time.Duration) error {
	return p.track.WriteSample(media.Sample{Data: opus, Duration: d})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
