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

package signalling

import (
	"context"

	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
)

type Signalling interface {
	SetLogger(l logger.Logger)

	SignalJoinRoom(roomID string, user *UserInfo) (*Message, error)
	SignalLeaveRoom(roomID string) (*Message, error)
	SignalSdpOffer(to string, offer webrtc.SessionDescription) (*Message, error)
	SignalSdpAnswer(to string, answer webrtc.SessionDescription) (*Message, error)
	SignalICECandidate(to string, candidate webrtc.ICECandidateInit) (*Message, error)
	SignalMediaState(state *MediaState) (*Message, error)
}

type SignalTransport interface {
	SetLogger(l logger.Logger)

	Start()
	IsStarted() bool
	Close()
	Join(ctx context.Context, url string, token string) error
	SendMessage(msg *Message) error
}

// SignalTransportParams is handed to a SignalTransportFactory so that custom
// transports deliver messages the same way the websocket transport does.
type SignalTransportParams struct {
	Logger                 logger.Logger
	SignalTransportHandler SignalTransportHandler
	SignalHandler          SignalHandler
}

type SignalTransportFactory func(params SignalTransportParams) SignalTransport

type SignalTransportHandler interface {
	OnTransportClose()
}

type SignalHandler interface {
	SetLogger(l logger.Logger)

	HandleMessage(msg *Message) error
}

type SignalProcessor interface {
	OnUserJoined(joined *UserJoined)
	OnUserLeft(left *UserLeft)
	OnOffer(from string, sd webrtc.SessionDescription)
	OnAnswer(from string, sd webrtc.SessionDescription)
	OnICECandidate(from string, candidate webrtc.ICECandidateInit)
	OnMediaState(state *MediaState)
}
