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
	"errors"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the part of a WebRTC peer connection the mesh relies on.
// The default implementation wraps *webrtc.PeerConnection.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// SetLocalTracks attaches the outgoing audio and video tracks. Calling it
	// again replaces the tracks in place; nil stops sending that kind.
	SetLocalTracks(audio, video webrtc.TrackLocal) error
	WriteRTCP(pkts []rtcp.Packet) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	// OnICECandidate is called with nil once gathering is complete.
	OnICECandidate(f func(candidate *webrtc.ICECandidateInit))
	OnTrack(f func(track *RemoteTrack))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))

	StopTransceivers() error
	// ClearHandlers drops every registered callback so nothing fires after teardown.
	ClearHandlers()
	Close() error
}

// RTPReader is satisfied by *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteTrack is an inbound media track announced by a peer connection.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	SSRC     webrtc.SSRC
	Reader   RTPReader
}

func newRemoteTrack(track *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind(),
		SSRC:     track.SSRC(),
		Reader:   track,
	}
}

var _ PeerConnection = (*pionPeerConnection)(nil)

type pionPeerConnection struct {
	pc *webrtc.PeerConnection

	lock    sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	// silent tracks pion created with each transceiver, sent in place of nil
	placeholders map[webrtc.RTPCodecType]webrtc.TrackLocal
}

func newPionPeerConnection(api *webrtc.API, configuration webrtc.Configuration) (PeerConnection, error) {
	pc, err := api.NewPeerConnection(configuration)
	if err != nil {
		return nil, err
	}
	return &pionPeerConnection{
		pc:           pc,
		senders:      make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		placeholders: make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}, nil
}

func (p *pionPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sd)
}

func (p *pionPeerConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionPeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) SetLocalTracks(audio, video webrtc.TrackLocal) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.setSenderTrack(webrtc.RTPCodecTypeAudio, audio); err != nil {
		return err
	}
	return p.setSenderTrack(webrtc.RTPCodecTypeVideo, video)
}

func (p *pionPeerConnection) setSenderTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	if sender, ok := p.senders[kind]; ok {
		if track == nil {
			track = p.placeholders[kind]
		}
		return sender.ReplaceTrack(track)
	}

	// one send-recv transceiver per kind, so later toggles only swap the track
	transceiver, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return err
	}
	sender := transceiver.Sender()
	// a sender without a track cannot start, so keep pion's until there is one
	p.placeholders[kind] = sender.Track()
	if track != nil {
		if err := sender.ReplaceTrack(track); err != nil {
			return err
		}
	}
	p.senders[kind] = sender

	// drain RTCP so interceptors keep working
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeerConnection) WriteRTCP(pkts []rtcp.Packet) error {
	return p.pc.WriteRTCP(pkts)
}

func (p *pionPeerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeerConnection) OnICECandidate(f func(candidate *webrtc.ICECandidateInit)) {
	if f == nil {
		p.pc.OnICECandidate(func(*webrtc.ICECandidate) {})
		return
	}
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			f(nil)
			return
		}
		init := candidate.ToJSON()
		f(&init)
	})
}

func (p *pionPeerConnection) OnTrack(f func(track *RemoteTrack)) {
	if f == nil {
		p.pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
		return
	}
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(newRemoteTrack(track))
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	if f == nil {
		p.pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
		return
	}
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeerConnection) StopTransceivers() error {
	var errs []error
	for _, transceiver := range p.pc.GetTransceivers() {
		if err := transceiver.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *pionPeerConnection) ClearHandlers() {
	p.OnICECandidate(nil)
	p.OnTrack(nil)
	p.OnConnectionStateChange(nil)
	p.pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
	p.pc.OnNegotiationNeeded(func() {})
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}
