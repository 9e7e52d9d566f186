// Package loopback implements media.Engine without any network or media
// stack. Two loopback engines "connect" as soon as the signaling handshake
// has carried a description and at least one candidate in each direction,
// which makes full call flows testable in-process.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pairlink/call-signaling/internal/media"
)

var ErrClosed = errors.New("loopback engine closed")

var (
	offerSDP  = json.RawMessage(`{"type":"offer","sdp":"v=0 loopback offer"}`)
	answerSDP = json.RawMessage(`{"type":"answer","sdp":"v=0 loopback answer"}`)
	candidate = json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 9 typ host","sdpMid":"0"}`)
)

// NewFactory returns a media.Factory producing one loopback Engine per call.
func NewFactory() media.Factory {
	return func() (media.Engine, error) {
		return New(), nil
	}
}

type Engine struct {
	mu               sync.Mutex
	closed           bool
	localSet         bool
	remoteSet        bool
	remoteCandidates int
	connected        bool

	onCandidate    func(json.RawMessage)
	onConnected    func()
	onDisconnected func()
}

func New() *Engine {
	return &Engine{}
}

func (e *Engine) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.localSet = true
	e.mu.Unlock()

	go e.emitCandidate()
	return offerSDP, nil
}

func (e *Engine) CreateAnswer(ctx context.Context, remoteOffer json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.localSet = true
	e.remoteSet = true
	fire := e.maybeConnectLocked()
	e.mu.Unlock()

	if fire != nil {
		fire()
	}
	go e.emitCandidate()
	return answerSDP, nil
}

func (e *Engine) SetRemoteDescription(json.RawMessage) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.remoteSet = true
	fire := e.maybeConnectLocked()
	e.mu.Unlock()

	if fire != nil {
		fire()
	}
	return nil
}

func (e *Engine) AddICECandidate(json.RawMessage) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.remoteCandidates++
	fire := e.maybeConnectLocked()
	e.mu.Unlock()

	if fire != nil {
		fire()
	}
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
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

// Disconnect simulates the media path dropping mid-call.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	fn := e.onDisconnected
	closed := e.closed
	e.connected = false
	e.mu.Unlock()
	if !closed && fn != nil {
		fn()
	}
}

// Connected reports whether the engine considers the media path established.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// maybeConnectLocked flips to connected once a local description, a remote
// description and at least one remote candidate are in place. Returns the
// callback to fire after unlocking, or nil.
func (e *Engine) maybeConnectLocked() func() {
	if e.connected || !e.localSet || !e.remoteSet || e.remoteCandidates == 0 {
		return nil
	}
	e.connected = true
	return e.onConnected
}

func (e *Engine) emitCandidate() {
	e.mu.Lock()
	fn := e.onCandidate
	closed := e.closed
	e.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(candidate)
}
