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

	"github.com/frostbyte73/core"
	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// NegotiationSignaller sends negotiation messages to one remote participant.
type NegotiationSignaller interface {
	SendOffer(to string, offer webrtc.SessionDescription) error
	SendAnswer(to string, answer webrtc.SessionDescription) error
	SendICECandidate(to string, candidate webrtc.ICECandidateInit) error
}

type NegotiationCoordinatorParams struct {
	Logger    protoLogger.Logger
	Factory   *PeerConnectionFactory
	Registry  *PeerRegistry
	Sink      *RemoteTrackSink
	Signaller NegotiationSignaller
	// LocalTracks returns what to send right now. Either track may be nil.
	LocalTracks func() (audio webrtc.TrackLocal, video webrtc.TrackLocal)
	// OnNegotiationFailed is optional.
	OnNegotiationFailed func(err *NegotiationError)
}

// NegotiationCoordinator runs the offer/answer/ICE exchange with every remote
// participant. Work for one remote id is strictly serialized while different
// ids proceed concurrently.
type NegotiationCoordinator struct {
	params NegotiationCoordinatorParams
	log    protoLogger.Logger

	mu     sync.Mutex
	queues map[string]*opQueue
	closed core.Fuse
}

func NewNegotiationCoordinator(params NegotiationCoordinatorParams) *NegotiationCoordinator {
	if params.Logger == nil {
		params.Logger = getLogger()
	}
	if params.LocalTracks == nil {
		params.LocalTracks = func() (webrtc.TrackLocal, webrtc.TrackLocal) { return nil, nil }
	}
	return &NegotiationCoordinator{
		params: params,
		log:    params.Logger,
		queues: make(map[string]*opQueue),
	}
}

func (c *NegotiationCoordinator) enqueue(remoteID string, op func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.IsBroken() {
		return ErrCoordinatorClosed
	}
	q, ok := c.queues[remoteID]
	if !ok {
		q = newOpQueue(func(q *opQueue) {
			c.pruneQueue(remoteID, q)
		})
		c.queues[remoteID] = q
	}
	if !q.Enqueue(op) {
		return ErrCoordinatorClosed
	}
	return nil
}

// pruneQueue drops an idle queue once nothing is registered for its id.
func (c *NegotiationCoordinator) pruneQueue(remoteID string, q *opQueue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queues[remoteID] != q {
		return
	}
	q.lock.Lock()
	idle := q.isIdle()
	q.lock.Unlock()
	if idle && c.params.Registry.Get(remoteID) == nil {
		delete(c.queues, remoteID)
	}
}

func (c *NegotiationCoordinator) queueIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.queues))
	for id := range c.queues {
		ids = append(ids, id)
	}
	return ids
}

// HandleUserJoined starts negotiation as the caller.
func (c *NegotiationCoordinator) HandleUserJoined(remoteID string) error {
	return c.enqueue(remoteID, func() {
		c.sendOffer(remoteID)
	})
}

// HandleOffer answers an offer, replacing any session already held for from.
func (c *NegotiationCoordinator) HandleOffer(from string, offer webrtc.SessionDescription) error {
	return c.enqueue(from, func() {
		c.answerOffer(from, offer)
	})
}

// HandleAnswer completes a negotiation started by HandleUserJoined. Answers
// nothing is waiting for are dropped.
func (c *NegotiationCoordinator) HandleAnswer(from string, answer webrtc.SessionDescription) error {
	return c.enqueue(from, func() {
		c.applyAnswer(from, answer)
	})
}

// HandleICECandidate adds a remote candidate, holding it back until the
// remote description is known. Candidates for unknown peers are dropped.
func (c *NegotiationCoordinator) HandleICECandidate(from string, candidate webrtc.ICECandidateInit) error {
	return c.enqueue(from, func() {
		c.addRemoteCandidate(from, candidate)
	})
}

// HandlePeerLeft tears down the session with remoteID.
func (c *NegotiationCoordinator) HandlePeerLeft(remoteID string) error {
	return c.enqueue(remoteID, func() {
		if c.params.Registry.RemoveAndDestroy(remoteID) {
			c.log.Infow("peer left", "remoteID", remoteID)
		}
	})
}

// RefreshLocalTracks swaps the outgoing tracks on every live session.
func (c *NegotiationCoordinator) RefreshLocalTracks() {
	ids := make(map[string]struct{})
	for _, id := range c.queueIDs() {
		ids[id] = struct{}{}
	}
	for _, id := range c.params.Registry.IDs() {
		ids[id] = struct{}{}
	}

	for id := range ids {
		remoteID := id
		if err := c.enqueue(remoteID, func() {
			c.replaceLocalTracks(remoteID)
		}); err != nil {
			return
		}
	}
}

// HandleLocalCandidate is fed by the peer connection factory. Candidates are
// held until the description they belong to has been sent.
func (c *NegotiationCoordinator) HandleLocalCandidate(remoteID string, pc PeerConnection, candidate webrtc.ICECandidateInit) {
	session := c.params.Registry.Get(remoteID)
	if session == nil || session.pc != pc {
		c.log.Debugw("dropping candidate from replaced connection", "remoteID", remoteID)
		return
	}
	if !session.queueLocalCandidate(candidate) {
		return
	}
	if err := c.params.Signaller.SendICECandidate(remoteID, candidate); err != nil {
		c.log.Warnw("could not send ice candidate", err, "remoteID", remoteID)
	}
}

// PeerState reports the negotiation state of the session with remoteID.
func (c *NegotiationCoordinator) PeerState(remoteID string) (PeerState, bool) {
	session := c.params.Registry.Get(remoteID)
	if session == nil {
		return PeerStateClosed, false
	}
	return session.State(), true
}

// Close stops accepting work and drops queued operations. Operations already
// running notice on their next step and discard their results. The registry
// is left to its owner.
func (c *NegotiationCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed.Break()
	for _, q := range c.queues {
		q.Close()
	}
	c.queues = make(map[string]*opQueue)
}

func (c *NegotiationCoordinator) IsClosed() bool {
	return c.closed.IsBroken()
}

// -----------------------------------------------

// newSession creates and registers a connection for remoteID with the
// current local tracks attached.
func (c *NegotiationCoordinator) newSession(remoteID string) (*PeerSession, error) {
	var session *PeerSession
	pc, err := c.params.Factory.Create(remoteID, func(track *RemoteTrack) {
		c.onRemoteTrack(session, track)
	})
	if err != nil {
		return nil, newNegotiationError(remoteID, "create peer connection", err)
	}
	session = newPeerSession(remoteID, pc)

	audio, video := c.params.LocalTracks()
	if err := pc.SetLocalTracks(audio, video); err != nil {
		if destroyErr := c.params.Factory.Destroy(pc); destroyErr != nil {
			c.log.Warnw("error tearing down peer connection", destroyErr, "remoteID", remoteID)
		}
		return nil, newNegotiationError(remoteID, "attach local tracks", err)
	}

	c.params.Registry.Put(remoteID, session)
	// Close may have raced with creation, and the registry may already be cleared
	if c.closed.IsBroken() {
		c.params.Registry.removeSession(session)
		return nil, ErrCoordinatorClosed
	}
	return session, nil
}

// isCurrent is checked after every blocking step, late results for a
// destroyed or replaced session are discarded.
func (c *NegotiationCoordinator) isCurrent(session *PeerSession) bool {
	if c.closed.IsBroken() || session.IsClosed() {
		return false
	}
	return c.params.Registry.Get(session.remoteID) == session
}

func (c *NegotiationCoordinator) abandon(session *PeerSession, step string, err error) {
	if !c.isCurrent(session) {
		c.log.Debugw("discarding negotiation result for closed peer", "remoteID", session.remoteID, "step", step)
		return
	}

	nerr := newNegotiationError(session.remoteID, step, err)
	c.log.Warnw("abandoning negotiation", nerr, "remoteID", session.remoteID)
	c.params.Registry.removeSession(session)
	c.notifyFailure(nerr)
}

func (c *NegotiationCoordinator) notifyFailure(err *NegotiationError) {
	if onFailed := c.params.OnNegotiationFailed; onFailed != nil {
		onFailed(err)
	}
}

func (c *NegotiationCoordinator) sendOffer(remoteID string) {
	if c.closed.IsBroken() {
		return
	}

	session, err := c.newSession(remoteID)
	if err != nil {
		c.logSessionError(remoteID, err)
		return
	}
	session.setState(PeerStateOffering)
	pc := session.pc

	offer, err := pc.CreateOffer()
	if err != nil {
		c.abandon(session, "create offer", err)
		return
	}
	if !c.isCurrent(session) {
		return
	}

	if err = pc.SetLocalDescription(offer); err != nil {
		c.abandon(session, "set local offer", err)
		return
	}
	if !c.isCurrent(session) {
		return
	}

	if err = c.params.Signaller.SendOffer(remoteID, offer); err != nil {
		c.abandon(session, "send offer", err)
		return
	}
	if !session.setState(PeerStateAwaitingAnswer) {
		return
	}
	c.log.Debugw("sent offer", "remoteID", remoteID)
	c.startTrickle(session)
}

func (c *NegotiationCoordinator) answerOffer(from string, offer webrtc.SessionDescription) {
	if c.closed.IsBroken() {
		return
	}
	if err := validateSessionDescription(offer, webrtc.SDPTypeOffer); err != nil {
		nerr := newNegotiationError(from, "validate offer", err)
		c.log.Warnw("dropping offer", nerr, "remoteID", from)
		c.notifyFailure(nerr)
		return
	}

	// registered before the remote description is applied, so any session
	// this replaces is gone before the new tracks show up
	session, err := c.newSession(from)
	if err != nil {
		c.logSessionError(from, err)
		return
	}
	session.setState(PeerStateAnswering)
	pc := session.pc

	if err = pc.SetRemoteDescription(offer); err != nil {
		c.abandon(session, "set remote offer", err)
		return
	}
	if !c.isCurrent(session) {
		return
	}
	c.flushRemoteCandidates(session)

	answer, err := pc.CreateAnswer()
	if err != nil {
		c.abandon(session, "create answer", err)
		return
	}
	if !c.isCurrent(session) {
		return
	}

	if err = pc.SetLocalDescription(answer); err != nil {
		c.abandon(session, "set local answer", err)
		return
	}
	if !c.isCurrent(session) {
		return
	}

	if err = c.params.Signaller.SendAnswer(from, answer); err != nil {
		c.abandon(session, "send answer", err)
		return
	}
	// answered, media may still be connecting
	if !session.setState(PeerStateConnected) {
		return
	}
	c.log.Debugw("sent answer", "remoteID", from)
	c.startTrickle(session)
}

func (c *NegotiationCoordinator) applyAnswer(from string, answer webrtc.SessionDescription) {
	session := c.params.Registry.Get(from)
	if session == nil || session.IsClosed() {
		c.log.Debugw("dropping stale answer", "remoteID", from)
		return
	}
	if state := session.State(); state != PeerStateAwaitingAnswer {
		c.log.Debugw("dropping unexpected answer", "remoteID", from, "state", state.String())
		return
	}

	if err := validateSessionDescription(answer, webrtc.SDPTypeAnswer); err != nil {
		c.abandon(session, "validate answer", err)
		return
	}
	if err := session.pc.SetRemoteDescription(answer); err != nil {
		c.abandon(session, "set remote answer", err)
		return
	}
	if !c.isCurrent(session) {
		return
	}

	c.flushRemoteCandidates(session)
	session.setState(PeerStateConnected)
	c.log.Debugw("applied answer", "remoteID", from)
}

func (c *NegotiationCoordinator) addRemoteCandidate(from string, candidate webrtc.ICECandidateInit) {
	session := c.params.Registry.Get(from)
	if session == nil || session.IsClosed() {
		c.log.Debugw("dropping stale ice candidate", "remoteID", from)
		return
	}
	if session.pc.RemoteDescription() == nil {
		session.queueRemoteCandidate(candidate)
		return
	}
	if err := session.pc.AddICECandidate(candidate); err != nil {
		c.log.Warnw("could not add ice candidate", err, "remoteID", from)
	}
}

func (c *NegotiationCoordinator) flushRemoteCandidates(session *PeerSession) {
	for _, candidate := range session.takeRemoteCandidates() {
		if err := session.pc.AddICECandidate(candidate); err != nil {
			c.log.Warnw("could not add queued ice candidate", err, "remoteID", session.remoteID)
		}
	}
}

func (c *NegotiationCoordinator) startTrickle(session *PeerSession) {
	for _, candidate := range session.startTrickle() {
		if err := c.params.Signaller.SendICECandidate(session.remoteID, candidate); err != nil {
			c.log.Warnw("could not send ice candidate", err, "remoteID", session.remoteID)
		}
	}
}

func (c *NegotiationCoordinator) replaceLocalTracks(remoteID string) {
	session := c.params.Registry.Get(remoteID)
	if session == nil || !c.isCurrent(session) {
		return
	}
	audio, video := c.params.LocalTracks()
	if err := session.pc.SetLocalTracks(audio, video); err != nil {
		c.log.Warnw("could not replace local tracks", err, "remoteID", remoteID)
		return
	}
	c.log.Debugw("replaced local tracks", "remoteID", remoteID, "audio", audio != nil, "video", video != nil)
}

func (c *NegotiationCoordinator) onRemoteTrack(session *PeerSession, track *RemoteTrack) {
	if session == nil || session.IsClosed() {
		return
	}
	if c.params.Sink != nil {
		c.params.Sink.OnRemoteTrack(session.remoteID, track)
	}
	if track.Kind == webrtc.RTPCodecTypeVideo {
		// ask for a keyframe right away instead of waiting for the interval
		if err := session.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC)},
		}); err != nil {
			c.log.Debugw("could not send pli", "remoteID", session.remoteID, "error", err)
		}
	}
}

func (c *NegotiationCoordinator) logSessionError(remoteID string, err error) {
	if errors.Is(err, ErrCoordinatorClosed) {
		return
	}
	c.log.Warnw("could not start negotiation", err, "remoteID", remoteID)
	var nerr *NegotiationError
	if errors.As(err, &nerr) {
		c.notifyFailure(nerr)
	}
}

// validateSessionDescription rejects descriptions of the wrong type or without
// any media section before they reach the peer connection.
func validateSessionDescription(sd webrtc.SessionDescription, expected webrtc.SDPType) error {
	if sd.Type != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidSessionDescription, expected, sd.Type)
	}

	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSessionDescription, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: no media sections", ErrInvalidSessionDescription)
	}
	return nil
}
