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
	"time"

	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"

	"github.com/studyhub/meshcall/pkg/capture"
	"github.com/studyhub/meshcall/signalling"
)

const (
	DefaultSTUNServer = "stun:stun.l.google.com:19302"

	defaultMediaStateDebounce = 200 * time.Millisecond
)

type RoomParams struct {
	Logger            protoLogger.Logger
	ICEServers        []webrtc.ICEServer
	Devices           MediaDevices
	TransportFactory  signalling.SignalTransportFactory
	RenderTarget      RenderTargetFactory
	NewPeerConnection NewPeerConnectionFunc
	// MediaStateDebounce coalesces media-state broadcasts after rapid toggles.
	MediaStateDebounce time.Duration
}

type RoomOption func(*RoomParams)

func defaultRoomParams() *RoomParams {
	return &RoomParams{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{DefaultSTUNServer}},
		},
		MediaStateDebounce: defaultMediaStateDebounce,
	}
}

func WithLogger(l protoLogger.Logger) RoomOption {
	return func(p *RoomParams) {
		p.Logger = l
	}
}

// WithICEServers replaces the default STUN server. An empty list makes Join fail.
func WithICEServers(servers ...webrtc.ICEServer) RoomOption {
	return func(p *RoomParams) {
		p.ICEServers = servers
	}
}

func WithSTUNServers(urls ...string) RoomOption {
	return func(p *RoomParams) {
		p.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}
}

func WithMediaDevices(devices MediaDevices) RoomOption {
	return func(p *RoomParams) {
		p.Devices = devices
	}
}

func WithSignalTransport(factory signalling.SignalTransportFactory) RoomOption {
	return func(p *RoomParams) {
		p.TransportFactory = factory
	}
}

func WithRenderTarget(factory RenderTargetFactory) RoomOption {
	return func(p *RoomParams) {
		p.RenderTarget = factory
	}
}

// WithPeerConnectionConstructor swaps out pion, mostly useful in tests.
func WithPeerConnectionConstructor(f NewPeerConnectionFunc) RoomOption {
	return func(p *RoomParams) {
		p.NewPeerConnection = f
	}
}

func WithMediaStateDebounce(d time.Duration) RoomOption {
	return func(p *RoomParams) {
		p.MediaStateDebounce = d
	}
}

func (p *RoomParams) devices(log protoLogger.Logger) MediaDevices {
	if p.Devices != nil {
		return p.Devices
	}
	return capture.NewDevices(capture.WithLogger(log))
}
