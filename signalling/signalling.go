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
	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
)

var _ Signalling = (*signalling)(nil)

type SignallingParams struct {
	Logger logger.Logger
}

type signalling struct {
	params SignallingParams
}

func NewSignalling(params SignallingParams) Signalling {
	return &signalling{
		params: params,
	}
}

func (s *signalling) SetLogger(l logger.Logger) {
	s.params.Logger = l
}

func (s *signalling) SignalJoinRoom(roomID string, user *UserInfo) (*Message, error) {
	return NewMessage(EventJoinRoom, &JoinRoom{
		RoomID: roomID,
		User:   user,
	})
}

func (s *signalling) SignalLeaveRoom(roomID string) (*Message, error) {
	return NewMessage(EventLeaveRoom, &LeaveRoom{
		RoomID: roomID,
	})
}

func (s *signalling) SignalSdpOffer(to string, offer webrtc.SessionDescription) (*Message, error) {
	return NewMessage(EventOffer, &Offer{
		To:    to,
		Offer: offer,
	})
}

func (s *signalling) SignalSdpAnswer(to string, answer webrtc.SessionDescription) (*Message, error) {
	return NewMessage(EventAnswer, &Answer{
		To:     to,
		Answer: answer,
	})
}

func (s *signalling) SignalICECandidate(to string, candidate webrtc.ICECandidateInit) (*Message, error) {
	return NewMessage(EventICECandidate, &ICECandidate{
		To:        to,
		Candidate: candidate,
	})
}

func (s *signalling) SignalMediaState(state *MediaState) (*Message, error) {
	return NewMessage(EventMediaState, state)
}
