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
	"fmt"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v4"
)

type PeerState int

const (
	PeerStateIdle PeerState = iota
	PeerStateOffering
	PeerStateAwaitingAnswer
	PeerStateAnswering
	PeerStateConnected
	PeerStateClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerStateIdle:
		return "Idle"
	case PeerStateOffering:
		return "Offering"
	case PeerStateAwaitingAnswer:
		return "AwaitingAnswer"
	case PeerStateAnswering:
		return "Answering"
	case PeerStateConnected:
		return "Connected"
	case PeerStateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// PeerSession is the registry entry for one remote participant: the
// connection plus the negotiation state guarding it.
type PeerSession struct {
	remoteID string
	pc       PeerConnection

	lock  sync.Mutex
	state PeerState
	// inbound candidates waiting for a remote description
	pendingRemoteCandidates []webrtc.ICECandidateInit
	// outbound candidates waiting for our offer/answer to go out
	pendingLocalCandidates []webrtc.ICECandidateInit
	canTrickle             bool

	closed core.Fuse
}

func newPeerSession(remoteID string, pc PeerConnection) *PeerSession {
	return &PeerSession{
		remoteID: remoteID,
		pc:       pc,
		state:    PeerStateIdle,
	}
}

func (s *PeerSession) RemoteID() string {
	return s.remoteID
}

func (s *PeerSession) PeerConnection() PeerConnection {
	return s.pc
}

func (s *PeerSession) State() PeerState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *PeerSession) IsClosed() bool {
	return s.closed.IsBroken()
}

// setState moves the session forward. Closed sessions stay closed.
func (s *PeerSession) setState(state PeerState) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == PeerStateClosed {
		return false
	}
	s.state = state
	return true
}

func (s *PeerSession) markClosed() bool {
	s.lock.Lock()
	s.state = PeerStateClosed
	s.pendingLocalCandidates = nil
	s.pendingRemoteCandidates = nil
	s.lock.Unlock()

	if s.closed.IsBroken() {
		return false
	}
	s.closed.Break()
	return true
}

// queueLocalCandidate returns true when the candidate may be sent right away.
func (s *PeerSession) queueLocalCandidate(candidate webrtc.ICECandidateInit) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == PeerStateClosed {
		return false
	}
	if s.canTrickle {
		return true
	}
	s.pendingLocalCandidates = append(s.pendingLocalCandidates, candidate)
	return false
}

// startTrickle is called once our description has been sent and returns
// the candidates gathered in the meantime.
func (s *PeerSession) startTrickle() []webrtc.ICECandidateInit {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.canTrickle = true
	pending := s.pendingLocalCandidates
	s.pendingLocalCandidates = nil
	return pending
}

func (s *PeerSession) queueRemoteCandidate(candidate webrtc.ICECandidateInit) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pendingRemoteCandidates = append(s.pendingRemoteCandidates, candidate)
}

func (s *PeerSession) takeRemoteCandidates() []webrtc.ICECandidateInit {
	s.lock.Lock()
	defer s.lock.Unlock()
	pending := s.pendingRemoteCandidates
	s.pendingRemoteCandidates = nil
	return pending
}
