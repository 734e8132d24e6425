// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package meshcall

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/studyhub/meshcall/signalling"
)

const (
	waitTimeout = 5 * time.Second
	waitTick    = 5 * time.Millisecond

	testSDP = "v=0\r\n" +
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:0\r\n" +
		"a=sendrecv\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n"
)

func testOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}
}

func testAnswer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}
}

// -----------------------------------------------

var _ PeerConnection = (*fakePeerConnection)(nil)

type fakePeerConnection struct {
	lock sync.Mutex

	createOfferErr  error
	createAnswerErr error
	setRemoteErr    error
	// createOfferGate holds CreateOffer until closed
	createOfferGate chan struct{}
	// gatherOnSetLocal emits these candidates from SetLocalDescription
	gatherOnSetLocal []webrtc.ICECandidateInit

	localDesc      *webrtc.SessionDescription
	remoteDesc     *webrtc.SessionDescription
	setRemoteCalls int
	candidates     []webrtc.ICECandidateInit
	audio          webrtc.TrackLocal
	video          webrtc.TrackLocal
	setTracksCalls int
	rtcpPackets    []rtcp.Packet
	stopped        bool
	closed         bool

	onICECandidate func(candidate *webrtc.ICECandidateInit)
	onTrack        func(track *RemoteTrack)
	onConnState    func(state webrtc.PeerConnectionState)
}

func (f *fakePeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	f.lock.Lock()
	gate := f.createOfferGate
	err := f.createOfferErr
	f.lock.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return testOffer(), nil
}

func (f *fakePeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.createAnswerErr != nil {
		return webrtc.SessionDescription{}, f.createAnswerErr
	}
	return testAnswer(), nil
}

func (f *fakePeerConnection) SetLocalDescription(sd webrtc.SessionDescription) error {
	f.lock.Lock()
	f.localDesc = &sd
	gather := f.gatherOnSetLocal
	onCandidate := f.onICECandidate
	f.lock.Unlock()

	if onCandidate != nil {
		for _, c := range gather {
			candidate := c
			onCandidate(&candidate)
		}
	}
	return nil
}

func (f *fakePeerConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.setRemoteCalls++
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	f.remoteDesc = &sd
	return nil
}

func (f *fakePeerConnection) RemoteDescription() *webrtc.SessionDescription {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.remoteDesc
}

func (f *fakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.remoteDesc == nil {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakePeerConnection) SetLocalTracks(audio, video webrtc.TrackLocal) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.audio = audio
	f.video = video
	f.setTracksCalls++
	return nil
}

func (f *fakePeerConnection) WriteRTCP(pkts []rtcp.Packet) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.rtcpPackets = append(f.rtcpPackets, pkts...)
	return nil
}

func (f *fakePeerConnection) SignalingState() webrtc.SignalingState {
	f.lock.Lock()
	defer f.lock.Unlock()
	switch {
	case f.closed:
		return webrtc.SignalingStateClosed
	case f.localDesc != nil && f.remoteDesc == nil && f.localDesc.Type == webrtc.SDPTypeOffer:
		return webrtc.SignalingStateHaveLocalOffer
	case f.remoteDesc != nil && f.localDesc == nil:
		return webrtc.SignalingStateHaveRemoteOffer
	default:
		return webrtc.SignalingStateStable
	}
}

func (f *fakePeerConnection) ConnectionState() webrtc.PeerConnectionState {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return webrtc.PeerConnectionStateClosed
	}
	return webrtc.PeerConnectionStateNew
}

func (f *fakePeerConnection) OnICECandidate(fn func(candidate *webrtc.ICECandidateInit)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onICECandidate = fn
}

func (f *fakePeerConnection) OnTrack(fn func(track *RemoteTrack)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onTrack = fn
}

func (f *fakePeerConnection) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onConnState = fn
}

func (f *fakePeerConnection) StopTransceivers() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.stopped = true
	return nil
}

func (f *fakePeerConnection) ClearHandlers() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onICECandidate = nil
	f.onTrack = nil
	f.onConnState = nil
}

func (f *fakePeerConnection) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closed = true
	return nil
}

func (f *fakePeerConnection) hasHandlers() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.onICECandidate != nil || f.onTrack != nil || f.onConnState != nil
}

func (f *fakePeerConnection) isClosed() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.closed && f.stopped
}

func (f *fakePeerConnection) remoteCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.setRemoteCalls
}

func (f *fakePeerConnection) addedCandidates() []webrtc.ICECandidateInit {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

func (f *fakePeerConnection) localTracks() (webrtc.TrackLocal, webrtc.TrackLocal, int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.audio, f.video, f.setTracksCalls
}

func (f *fakePeerConnection) emitTrack(track *RemoteTrack) {
	f.lock.Lock()
	onTrack := f.onTrack
	f.lock.Unlock()
	if onTrack != nil {
		onTrack(track)
	}
}

// fakePeerConnections hands out fakes and remembers them in creation order.
type fakePeerConnections struct {
	lock  sync.Mutex
	pcs   []*fakePeerConnection
	setup func(pc *fakePeerConnection)
}

func (f *fakePeerConnections) New(webrtc.Configuration) (PeerConnection, error) {
	pc := &fakePeerConnection{}
	f.lock.Lock()
	setup := f.setup
	f.pcs = append(f.pcs, pc)
	f.lock.Unlock()

	if setup != nil {
		setup(pc)
	}
	return pc, nil
}

func (f *fakePeerConnections) all() []*fakePeerConnection {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*fakePeerConnection(nil), f.pcs...)
}

func (f *fakePeerConnections) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.pcs)
}

// -----------------------------------------------

type sentSignal struct {
	event     signalling.Event
	to        string
	sd        webrtc.SessionDescription
	candidate webrtc.ICECandidateInit
}

var _ NegotiationSignaller = (*fakeSignaller)(nil)

type fakeSignaller struct {
	lock    sync.Mutex
	sent    []sentSignal
	sendErr error
}

func (f *fakeSignaller) record(s sentSignal) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeSignaller) SendOffer(to string, offer webrtc.SessionDescription) error {
	return f.record(sentSignal{event: signalling.EventOffer, to: to, sd: offer})
}

func (f *fakeSignaller) SendAnswer(to string, answer webrtc.SessionDescription) error {
	return f.record(sentSignal{event: signalling.EventAnswer, to: to, sd: answer})
}

func (f *fakeSignaller) SendICECandidate(to string, candidate webrtc.ICECandidateInit) error {
	return f.record(sentSignal{event: signalling.EventICECandidate, to: to, candidate: candidate})
}

func (f *fakeSignaller) messages(event signalling.Event) []sentSignal {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []sentSignal
	for _, s := range f.sent {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSignaller) events() []signalling.Event {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]signalling.Event, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.event)
	}
	return out
}

// -----------------------------------------------

var _ signalling.SignalTransport = (*fakeTransport)(nil)

// fakeTransport stands in for the websocket. Deliver feeds inbound messages
// through the real signal handler.
type fakeTransport struct {
	params signalling.SignalTransportParams

	lock    sync.Mutex
	joined  bool
	started bool
	closed  bool
	sent    []*signalling.Message
	joinErr error
	// joinGate holds Join until closed or the context ends
	joinGate chan struct{}
}

type fakeTransports struct {
	lock       sync.Mutex
	transports []*fakeTransport
	setup      func(t *fakeTransport)
}

func (f *fakeTransports) Factory(params signalling.SignalTransportParams) signalling.SignalTransport {
	t := &fakeTransport{params: params}
	f.lock.Lock()
	f.transports = append(f.transports, t)
	setup := f.setup
	f.lock.Unlock()
	if setup != nil {
		setup(t)
	}
	return t
}

func (f *fakeTransports) last() *fakeTransport {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (t *fakeTransport) SetLogger(l logger.Logger) {}

func (t *fakeTransport) Start() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.started = true
}

func (t *fakeTransport) IsStarted() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.started
}

func (t *fakeTransport) Close() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closed = true
	t.started = false
}

func (t *fakeTransport) Join(ctx context.Context, url string, token string) error {
	t.lock.Lock()
	gate := t.joinGate
	err := t.joinErr
	t.lock.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	t.lock.Lock()
	t.joined = true
	t.lock.Unlock()
	return nil
}

func (t *fakeTransport) SendMessage(msg *signalling.Message) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.joined || t.closed {
		return signalling.ErrTransportNotConnected
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

func (t *fakeTransport) sentEvents() []signalling.Event {
	t.lock.Lock()
	defer t.lock.Unlock()
	out := make([]signalling.Event, 0, len(t.sent))
	for _, msg := range t.sent {
		out = append(out, msg.Event)
	}
	return out
}

func (t *fakeTransport) sentMessages(event signalling.Event) []*signalling.Message {
	t.lock.Lock()
	defer t.lock.Unlock()
	var out []*signalling.Message
	for _, msg := range t.sent {
		if msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

func (t *fakeTransport) deliver(tb testing.TB, event signalling.Event, payload any) {
	tb.Helper()
	msg, err := signalling.NewMessage(event, payload)
	require.NoError(tb, err)
	_ = t.params.SignalHandler.HandleMessage(msg)
}

// drop simulates the server going away.
func (t *fakeTransport) drop() {
	t.lock.Lock()
	t.started = false
	t.closed = true
	t.lock.Unlock()
	t.params.SignalTransportHandler.OnTransportClose()
}
