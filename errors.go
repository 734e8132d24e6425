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
)

var (
	ErrNoICEServers              = errors.New("at least one ICE server is required")
	ErrAlreadyJoined             = errors.New("room is already joined or joining")
	ErrNotJoined                 = errors.New("room is not joined")
	ErrJoinCancelled             = errors.New("join was cancelled by leave")
	ErrRoomIDNotProvided         = errors.New("room ID was not provided")
	ErrUserIDNotProvided         = errors.New("user ID was not provided")
	ErrPeerClosed                = errors.New("peer connection is closed")
	ErrInvalidSessionDescription = errors.New("invalid session description")
	ErrCoordinatorClosed         = errors.New("negotiation coordinator is closed")
)

// MediaAcquisitionError reports that local camera or microphone could not be
// acquired. The wrapped error is one of the capture device errors.
type MediaAcquisitionError struct {
	Audio bool
	Video bool
	Err   error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("could not acquire local media (audio: %t, video: %t): %v", e.Audio, e.Video, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error {
	return e.Err
}

// NegotiationError reports a failed offer/answer step for one remote peer.
type NegotiationError struct {
	PeerID string
	Step   string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed at %s: %v", e.PeerID, e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func newNegotiationError(peerID, step string, err error) *NegotiationError {
	return &NegotiationError{PeerID: peerID, Step: step, Err: err}
}
