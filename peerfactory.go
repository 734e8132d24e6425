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
	"fmt"
	"sync"

	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// NewPeerConnectionFunc builds a bare peer connection from a configuration.
type NewPeerConnectionFunc func(configuration webrtc.Configuration) (PeerConnection, error)

type PeerConnectionFactoryParams struct {
	Logger     protoLogger.Logger
	ICEServers []webrtc.ICEServer
	// OnLocalCandidate receives every outgoing ICE candidate, addressed to the
	// remote id, along with the connection that gathered it.
	OnLocalCandidate func(remoteID string, pc PeerConnection, candidate webrtc.ICECandidateInit)
	// OnConnectionStateChange is optional.
	OnConnectionStateChange func(remoteID string, state webrtc.PeerConnectionState)
	// NewPeerConnection overrides pion construction, mainly for tests.
	NewPeerConnection NewPeerConnectionFunc
}

// PeerConnectionFactory creates and destroys the peer connection held for each remote participant.
type PeerConnectionFactory struct {
	params PeerConnectionFactoryParams

	apiOnce sync.Once
	api     *webrtc.API
	apiErr  error
}

func NewPeerConnectionFactory(params PeerConnectionFactoryParams) (*PeerConnectionFactory, error) {
	if len(params.ICEServers) == 0 {
		return nil, ErrNoICEServers
	}
	if params.Logger == nil {
		params.Logger = getLogger()
	}
	return &PeerConnectionFactory{
		params: params,
	}, nil
}

func (f *PeerConnectionFactory) webrtcAPI() (*webrtc.API, error) {
	f.apiOnce.Do(func() {
		f.api, f.apiErr = newWebRTCAPI()
	})
	return f.api, f.apiErr
}

func newWebRTCAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	// ask remote senders for keyframes periodically, mesh peers join at any time
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	i.Add(pli)

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

func (f *PeerConnectionFactory) configuration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, len(f.params.ICEServers))
	copy(servers, f.params.ICEServers)
	return webrtc.Configuration{
		ICEServers: servers,
	}
}

func (f *PeerConnectionFactory) newPeerConnection() (PeerConnection, error) {
	if f.params.NewPeerConnection != nil {
		return f.params.NewPeerConnection(f.configuration())
	}
	api, err := f.webrtcAPI()
	if err != nil {
		return nil, err
	}
	return newPionPeerConnection(api, f.configuration())
}

// Create builds a connection for remoteID. Local tracks are not attached here.
func (f *PeerConnectionFactory) Create(remoteID string, onRemoteTrack func(track *RemoteTrack)) (PeerConnection, error) {
	pc, err := f.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("could not create peer connection for %s: %w", remoteID, err)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidateInit) {
		if candidate == nil {
			// done
			return
		}
		if onCandidate := f.params.OnLocalCandidate; onCandidate != nil {
			onCandidate(remoteID, pc, *candidate)
		}
	})

	pc.OnTrack(func(track *RemoteTrack) {
		if onRemoteTrack != nil {
			onRemoteTrack(track)
		}
	})

	log := f.params.Logger.WithValues("remoteID", remoteID)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			log.Infow("peer connected")
		case webrtc.PeerConnectionStateDisconnected:
			log.Infow("peer disconnected")
		case webrtc.PeerConnectionStateFailed:
			// no TURN relay is configured, symmetric NAT pairs end up here
			log.Infow("peer connection failed")
		}
		if onChange := f.params.OnConnectionStateChange; onChange != nil {
			onChange(remoteID, state)
		}
	})

	return pc, nil
}

// Destroy tears a connection down. Every step runs even if an earlier one fails.
func (f *PeerConnectionFactory) Destroy(pc PeerConnection) error {
	if pc == nil {
		return nil
	}

	var errs []error
	if err := pc.StopTransceivers(); err != nil {
		errs = append(errs, fmt.Errorf("stop transceivers: %w", err))
	}
	pc.ClearHandlers()
	if err := pc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	return errors.Join(errs...)
}
