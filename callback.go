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
	"github.com/pion/webrtc/v4"
)

type RoomCallback struct {
	OnDisconnected            func()
	OnParticipantConnected    func(p Participant)
	OnParticipantDisconnected func(p Participant)
	// OnParticipantChanged fires on local toggles and remote media-state updates.
	OnParticipantChanged func(p Participant)

	// OnMediaError reports local media that could not be acquired after a toggle.
	OnMediaError        func(err *MediaAcquisitionError)
	OnNegotiationFailed func(err *NegotiationError)
	OnPeerStateChanged  func(remoteID string, state webrtc.PeerConnectionState)

	OnTrackAttached func(peerID string, target RenderTarget)
	OnTrackDetached func(peerID string, target RenderTarget)
}

func NewRoomCallback() *RoomCallback {
	return &RoomCallback{
		OnDisconnected:            func() {},
		OnParticipantConnected:    func(p Participant) {},
		OnParticipantDisconnected: func(p Participant) {},
		OnParticipantChanged:      func(p Participant) {},

		OnMediaError:        func(err *MediaAcquisitionError) {},
		OnNegotiationFailed: func(err *NegotiationError) {},
		OnPeerStateChanged:  func(remoteID string, state webrtc.PeerConnectionState) {},

		OnTrackAttached: func(peerID string, target RenderTarget) {},
		OnTrackDetached: func(peerID string, target RenderTarget) {},
	}
}

// Merge copies every callback other sets over the ones in cb.
func (cb *RoomCallback) Merge(other *RoomCallback) {
	if other == nil {
		return
	}

	if other.OnDisconnected != nil {
		cb.OnDisconnected = other.OnDisconnected
	}
	if other.OnParticipantConnected != nil {
		cb.OnParticipantConnected = other.OnParticipantConnected
	}
	if other.OnParticipantDisconnected != nil {
		cb.OnParticipantDisconnected = other.OnParticipantDisconnected
	}
	if other.OnParticipantChanged != nil {
		cb.OnParticipantChanged = other.OnParticipantChanged
	}
	if other.OnMediaError != nil {
		cb.OnMediaError = other.OnMediaError
	}
	if other.OnNegotiationFailed != nil {
		cb.OnNegotiationFailed = other.OnNegotiationFailed
	}
	if other.OnPeerStateChanged != nil {
		cb.OnPeerStateChanged = other.OnPeerStateChanged
	}
	if other.OnTrackAttached != nil {
		cb.OnTrackAttached = other.OnTrackAttached
	}
	if other.OnTrackDetached != nil {
		cb.OnTrackDetached = other.OnTrackDetached
	}
}
