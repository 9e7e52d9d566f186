// Package pion adapts a pion/webrtc PeerConnection to the media.Engine
// capability interface: bidirectional audio and video with trickle ICE.
package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/pairlink/call-signaling/internal/media"
)

type Config struct {
	// ICEServers lists STUN/TURN servers for NAT'd environments. Host
	// candidates alone suffice on open networks.
	ICEServers []webrtc.ICEServer
	Log        zerolog.Logger
}

// NewFactory returns a media.Factory producing one Engine per call attempt.
func NewFactory(cfg Config) media.Factory {
	return func() (media.Engine, error) {
		return NewEngine(cfg)
	}
}

type Engine struct {
	pc *webrtc.PeerConnection

	mu             sync.Mutex
	closed         bool
	onCandidate    func(json.RawMessage)
	onConnected    func()
	onDisconnected func()
}

func NewEngine(cfg Config) (*Engine, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(cfg.Log),
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	e := &Engine{pc: pc}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil signals end of gathering; with trickle ICE there is nothing
		// to forward for it.
		if c == nil {
			return
		}
		e.mu.Lock()
		fn := e.onCandidate
		closed := e.closed
		e.mu.Unlock()
		if closed || fn == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.mu.Lock()
		connected := e.onConnected
		disconnected := e.onDisconnected
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if connected != nil {
				connected()
			}
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			if disconnected != nil {
				disconnected()
			}
		}
	})

	return e, nil
}

func (e *Engine) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (e *Engine) CreateAnswer(ctx context.Context, remoteOffer json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(remoteOffer, &offer); err != nil {
		return nil, fmt.Errorf("decode remote offer: %w", err)
	}
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (e *Engine) SetRemoteDescription(sdp json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		return fmt.Errorf("decode remote description: %w", err)
	}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (e *Engine) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode ice candidate: %w", err)
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.pc.Close()
}

func (e *Engine) OnLocalICECandidate(fn func(candidate json.RawMessage)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *Engine) OnConnected(fn func()) {
	e.mu.Lock()
	e.onConnected = fn
	e.mu.Unlock()
}

func (e *Engine) OnDisconnected(fn func()) {
	e.mu.Lock()
	e.onDisconnected = fn
	e.mu.Unlock()
}
