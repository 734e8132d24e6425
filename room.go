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
	"fmt"
	"sync"

	"github.com/bep/debounce"
	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/studyhub/meshcall/pkg/capture"
	"github.com/studyhub/meshcall/signalling"
)

type RoomState int

const (
	RoomStateNotJoined RoomState = iota
	RoomStateJoining
	RoomStateJoined
	RoomStateLeaving
)

func (s RoomState) String() string {
	switch s {
	case RoomStateNotJoined:
		return "NotJoined"
	case RoomStateJoining:
		return "Joining"
	case RoomStateJoined:
		return "Joined"
	case RoomStateLeaving:
		return "Leaving"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// JoinInfo identifies the local participant. Camera and microphone start on
// unless StartMuted or StartVideoOff is set.
type JoinInfo struct {
	RoomID        string
	UserID        string
	Name          string
	Avatar        string
	IsHost        bool
	StartMuted    bool
	StartVideoOff bool
}

// roomSession holds everything that lives exactly as long as one join.
type roomSession struct {
	roomID      string
	userID      string
	signal      *SignalClient
	registry    *PeerRegistry
	coordinator *NegotiationCoordinator
	sink        *RemoteTrackSink

	teardownOnce sync.Once
}

// Room is a mesh call: one peer connection per other participant, negotiated
// over the signaling server.
type Room struct {
	params   *RoomParams
	callback *RoomCallback
	log      protoLogger.Logger

	media        *LocalMediaSource
	participants *participantList

	lock           sync.Mutex
	state          RoomState
	session        *roomSession
	joinCancel     context.CancelFunc
	leaveRequested bool

	// serializes toggles so reacquisitions never overlap
	toggleLock         sync.Mutex
	debounceMediaState func(f func())
}

func NewRoom(callback *RoomCallback, opts ...RoomOption) *Room {
	params := defaultRoomParams()
	for _, opt := range opts {
		opt(params)
	}
	if params.Logger == nil {
		params.Logger = getLogger()
	}

	r := &Room{
		params:             params,
		callback:           NewRoomCallback(),
		log:                params.Logger,
		participants:       newParticipantList(),
		debounceMediaState: debounce.New(params.MediaStateDebounce),
	}
	r.callback.Merge(callback)
	r.media = NewLocalMediaSource(params.devices(params.Logger), params.Logger)
	return r
}

func (r *Room) State() RoomState {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

func (r *Room) RoomID() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.session == nil {
		return ""
	}
	return r.session.roomID
}

// Join acquires local media and connects to the signaling server at url,
// then announces the local participant. It blocks until both are done.
func (r *Room) Join(ctx context.Context, url string, token string, info JoinInfo) error {
	if info.RoomID == "" {
		return ErrRoomIDNotProvided
	}
	if info.UserID == "" {
		return ErrUserIDNotProvided
	}

	r.lock.Lock()
	if r.state != RoomStateNotJoined {
		r.lock.Unlock()
		return ErrAlreadyJoined
	}
	s, err := r.newSession(info)
	if err != nil {
		r.lock.Unlock()
		return err
	}
	joinCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.state = RoomStateJoining
	r.session = s
	r.joinCancel = cancel
	r.leaveRequested = false
	r.lock.Unlock()

	log := r.log.WithValues("roomID", info.RoomID, "userID", info.UserID)
	log.Infow("joining room")

	constraints := capture.Constraints{Audio: !info.StartMuted, Video: !info.StartVideoOff}
	var acquired capture.Constraints
	eg, egCtx := errgroup.WithContext(joinCtx)
	eg.Go(func() error {
		if _, err := r.media.Acquire(egCtx, constraints); err != nil {
			return err
		}
		acquired = constraints
		return nil
	})
	eg.Go(func() error {
		return s.signal.Connect(egCtx, url, token)
	})
	err = eg.Wait()

	self := participantFromUserInfo(info.UserID, &signalling.UserInfo{
		Name:      info.Name,
		Avatar:    info.Avatar,
		IsMuted:   !acquired.Audio,
		IsVideoOn: acquired.Video,
		IsHost:    info.IsHost,
	})
	self.IsLocal = true

	r.lock.Lock()
	leaveRequested := r.leaveRequested
	var stored Participant
	if err == nil && !leaveRequested {
		stored, _ = r.participants.upsert(self)
		r.state = RoomStateJoined
		r.joinCancel = nil
	}
	r.lock.Unlock()

	if err != nil || leaveRequested {
		r.abortJoin(s)
		if leaveRequested {
			return ErrJoinCancelled
		}
		log.Warnw("could not join room", err)
		return err
	}
	r.callback.OnParticipantConnected(stored)

	s.signal.Start()
	if err = s.signal.SendJoinRoom(info.RoomID, self.userInfo()); err != nil {
		log.Warnw("could not announce join", err)
		r.finishSession(s, false)
		return err
	}

	log.Infow("joined room")
	return nil
}

func (r *Room) abortJoin(s *roomSession) {
	r.teardown(s)

	r.lock.Lock()
	if r.session == s {
		r.state = RoomStateNotJoined
		r.session = nil
		r.joinCancel = nil
		r.leaveRequested = false
	}
	r.lock.Unlock()
}

// Leave announces the departure and tears every connection down. Leaving
// while a join is in progress cancels the join instead.
func (r *Room) Leave() error {
	r.lock.Lock()
	switch r.state {
	case RoomStateJoining:
		r.leaveRequested = true
		cancel := r.joinCancel
		r.lock.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	case RoomStateJoined:
		r.state = RoomStateLeaving
		s := r.session
		r.lock.Unlock()

		r.log.Infow("leaving room", "roomID", s.roomID)
		if err := s.signal.SendLeaveRoom(s.roomID); err != nil {
			r.log.Warnw("could not announce leave", err, "roomID", s.roomID)
		}
		r.finishSession(s, false)
		return nil
	default:
		r.lock.Unlock()
		return ErrNotJoined
	}
}

// finishSession tears down a joined session and returns to NotJoined.
func (r *Room) finishSession(s *roomSession, disconnected bool) {
	r.teardown(s)
	removed := r.participants.clear()

	r.lock.Lock()
	current := r.session == s
	if current {
		r.state = RoomStateNotJoined
		r.session = nil
	}
	r.lock.Unlock()

	for _, p := range removed {
		if !p.IsLocal {
			r.callback.OnParticipantDisconnected(p)
		}
	}
	if current && disconnected {
		r.callback.OnDisconnected()
	}
}

// teardown must not be called with r.lock held: closing the transport waits
// for its reader, which may call back into the room.
func (r *Room) teardown(s *roomSession) {
	s.teardownOnce.Do(func() {
		s.coordinator.Close()
		s.registry.Clear()
		s.sink.Clear()
		r.media.Release()
		s.signal.Close()
	})
}

func (r *Room) newSession(info JoinInfo) (*roomSession, error) {
	s := &roomSession{
		roomID: info.RoomID,
		userID: info.UserID,
	}

	factory, err := NewPeerConnectionFactory(PeerConnectionFactoryParams{
		Logger:     r.log,
		ICEServers: r.params.ICEServers,
		OnLocalCandidate: func(remoteID string, pc PeerConnection, candidate webrtc.ICECandidateInit) {
			s.coordinator.HandleLocalCandidate(remoteID, pc, candidate)
		},
		OnConnectionStateChange: func(remoteID string, state webrtc.PeerConnectionState) {
			r.callback.OnPeerStateChanged(remoteID, state)
		},
		NewPeerConnection: r.params.NewPeerConnection,
	})
	if err != nil {
		return nil, err
	}

	s.sink = NewRemoteTrackSink(r.params.RenderTarget, r.log)
	s.sink.OnTargetAdded = func(peerID string, target RenderTarget) {
		r.callback.OnTrackAttached(peerID, target)
	}
	s.sink.OnTargetRemoved = func(peerID string, target RenderTarget) {
		r.callback.OnTrackDetached(peerID, target)
	}

	s.registry = NewPeerRegistry(factory, r.log)
	s.registry.OnRemoved = func(session *PeerSession) {
		s.sink.RemovePeer(session.RemoteID())
	}

	handler := &sessionHandler{room: r, session: s}
	s.signal = NewSignalClient(SignalClientParams{
		Logger:           r.log,
		TransportFactory: r.params.TransportFactory,
		TransportHandler: handler,
		Processor:        handler,
	})

	s.coordinator = NewNegotiationCoordinator(NegotiationCoordinatorParams{
		Logger:      r.log,
		Factory:     factory,
		Registry:    s.registry,
		Sink:        s.sink,
		Signaller:   s.signal,
		LocalTracks: r.media.Tracks,
		OnNegotiationFailed: func(err *NegotiationError) {
			r.callback.OnNegotiationFailed(err)
		},
	})
	return s, nil
}

func (r *Room) currentSession(s *roomSession) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.session == s && r.state == RoomStateJoined
}

func (r *Room) joinedSession() (*roomSession, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.state != RoomStateJoined || r.session == nil {
		return nil, ErrNotJoined
	}
	return r.session, nil
}

// -----------------------------------------------
// local media

func (r *Room) SetMuted(muted bool) error {
	return r.updateLocalMedia(func(c *capture.Constraints) {
		c.Audio = !muted
	})
}

func (r *Room) SetVideoEnabled(enabled bool) error {
	return r.updateLocalMedia(func(c *capture.Constraints) {
		c.Video = enabled
	})
}

func (r *Room) ToggleMute() error {
	return r.updateLocalMedia(func(c *capture.Constraints) {
		c.Audio = !c.Audio
	})
}

func (r *Room) ToggleVideo() error {
	return r.updateLocalMedia(func(c *capture.Constraints) {
		c.Video = !c.Video
	})
}

// updateLocalMedia releases the local stream, reacquires it with the new
// constraints and swaps the outgoing tracks on every peer. Peers are never
// torn down, even when acquisition fails.
func (r *Room) updateLocalMedia(change func(c *capture.Constraints)) error {
	r.toggleLock.Lock()
	defer r.toggleLock.Unlock()

	s, err := r.joinedSession()
	if err != nil {
		return err
	}
	self, ok := r.participants.get(s.userID)
	if !ok {
		return ErrNotJoined
	}

	current := capture.Constraints{Audio: !self.IsMuted, Video: self.IsVideoOn}
	desired := current
	change(&desired)

	var actual capture.Constraints
	_, acquireErr := r.media.Acquire(context.Background(), desired)
	if acquireErr == nil {
		actual = desired
	}

	// left while the devices were opening; the teardown already released
	if !r.currentSession(s) {
		r.media.Release()
		return ErrNotJoined
	}

	updated, _ := r.participants.update(s.userID, func(p *Participant) {
		p.IsMuted = !actual.Audio
		p.IsVideoOn = actual.Video
	})
	s.coordinator.RefreshLocalTracks()
	r.callback.OnParticipantChanged(updated)
	r.scheduleMediaState(s)

	if acquireErr != nil {
		var maErr *MediaAcquisitionError
		if errors.As(acquireErr, &maErr) {
			r.callback.OnMediaError(maErr)
		}
		r.log.Warnw("could not reacquire local media", acquireErr, "audio", desired.Audio, "video", desired.Video)
		return acquireErr
	}
	return nil
}

// scheduleMediaState broadcasts the local flags once toggling settles.
func (r *Room) scheduleMediaState(s *roomSession) {
	r.debounceMediaState(func() {
		if !r.currentSession(s) {
			return
		}
		self, ok := r.participants.get(s.userID)
		if !ok {
			return
		}
		if err := s.signal.SendMediaState(&signalling.MediaState{
			UserID:    self.UserID,
			IsMuted:   self.IsMuted,
			IsVideoOn: self.IsVideoOn,
		}); err != nil {
			r.log.Warnw("could not send media state", err)
		}
	})
}

// -----------------------------------------------
// accessors

func (r *Room) LocalParticipant() (Participant, bool) {
	r.lock.Lock()
	s := r.session
	r.lock.Unlock()
	if s == nil {
		return Participant{}, false
	}
	return r.participants.get(s.userID)
}

func (r *Room) Participant(userID string) (Participant, bool) {
	return r.participants.get(userID)
}

// Participants lists everyone in the room, local participant first.
func (r *Room) Participants() []Participant {
	return r.participants.list()
}

// PeerIDs lists the remote ids with a live peer connection.
func (r *Room) PeerIDs() []string {
	r.lock.Lock()
	s := r.session
	r.lock.Unlock()
	if s == nil {
		return nil
	}
	return s.registry.IDs()
}

func (r *Room) PeerState(remoteID string) (PeerState, bool) {
	r.lock.Lock()
	s := r.session
	r.lock.Unlock()
	if s == nil {
		return PeerStateClosed, false
	}
	return s.coordinator.PeerState(remoteID)
}

// RemoteTrackIDs lists the tracks currently rendered for peerID.
func (r *Room) RemoteTrackIDs(peerID string) []string {
	r.lock.Lock()
	s := r.session
	r.lock.Unlock()
	if s == nil {
		return nil
	}
	return s.sink.TrackIDs(peerID)
}

func (r *Room) RenderTarget(trackID string) RenderTarget {
	r.lock.Lock()
	s := r.session
	r.lock.Unlock()
	if s == nil {
		return nil
	}
	return s.sink.Target(trackID)
}

// LocalStream returns the active capture stream, nil while both kinds are off.
func (r *Room) LocalStream() *capture.Stream {
	return r.media.Stream()
}

// -----------------------------------------------
// signal handling

var (
	_ signalling.SignalProcessor        = (*sessionHandler)(nil)
	_ signalling.SignalTransportHandler = (*sessionHandler)(nil)
)

// sessionHandler routes signal events to the room for as long as its session
// is the current one.
type sessionHandler struct {
	room    *Room
	session *roomSession
}

func (h *sessionHandler) active() bool {
	return h.room.currentSession(h.session)
}

func (h *sessionHandler) OnUserJoined(joined *signalling.UserJoined) {
	if !h.active() || joined.UserID == h.session.userID {
		return
	}
	h.room.addRemoteParticipant(joined.UserID, joined.User)
	if err := h.session.coordinator.HandleUserJoined(joined.UserID); err != nil {
		h.room.log.Debugw("ignoring user-joined", "remoteID", joined.UserID, "error", err)
	}
}

func (h *sessionHandler) OnUserLeft(left *signalling.UserLeft) {
	if !h.active() || left.UserID == h.session.userID {
		return
	}
	if p, ok := h.room.participants.remove(left.UserID); ok {
		h.room.callback.OnParticipantDisconnected(p)
	}
	if err := h.session.coordinator.HandlePeerLeft(left.UserID); err != nil {
		h.room.log.Debugw("ignoring user-left", "remoteID", left.UserID, "error", err)
	}
}

func (h *sessionHandler) OnOffer(from string, sd webrtc.SessionDescription) {
	if !h.active() || from == h.session.userID {
		return
	}
	// participants already in the room introduce themselves with an offer
	if _, ok := h.room.participants.get(from); !ok {
		h.room.addRemoteParticipant(from, nil)
	}
	if err := h.session.coordinator.HandleOffer(from, sd); err != nil {
		h.room.log.Debugw("ignoring offer", "remoteID", from, "error", err)
	}
}

func (h *sessionHandler) OnAnswer(from string, sd webrtc.SessionDescription) {
	if !h.active() {
		return
	}
	if err := h.session.coordinator.HandleAnswer(from, sd); err != nil {
		h.room.log.Debugw("ignoring answer", "remoteID", from, "error", err)
	}
}

func (h *sessionHandler) OnICECandidate(from string, candidate webrtc.ICECandidateInit) {
	if !h.active() {
		return
	}
	if err := h.session.coordinator.HandleICECandidate(from, candidate); err != nil {
		h.room.log.Debugw("ignoring ice candidate", "remoteID", from, "error", err)
	}
}

func (h *sessionHandler) OnMediaState(state *signalling.MediaState) {
	if !h.active() || state.UserID == h.session.userID {
		return
	}
	p, ok := h.room.participants.update(state.UserID, func(p *Participant) {
		p.IsMuted = state.IsMuted
		p.IsVideoOn = state.IsVideoOn
	})
	if ok {
		h.room.callback.OnParticipantChanged(p)
	}
}

// OnTransportClose runs the leave teardown without announcing it.
func (h *sessionHandler) OnTransportClose() {
	if !h.active() {
		return
	}
	h.room.lock.Lock()
	if h.room.session != h.session || h.room.state != RoomStateJoined {
		h.room.lock.Unlock()
		return
	}
	h.room.state = RoomStateLeaving
	h.room.lock.Unlock()

	h.room.log.Infow("signal connection lost", "roomID", h.session.roomID)
	h.room.finishSession(h.session, true)
}

func (r *Room) addRemoteParticipant(userID string, info *signalling.UserInfo) {
	p, added := r.participants.upsert(participantFromUserInfo(userID, info))
	if added {
		r.log.Infow("participant joined", "userID", userID)
		r.callback.OnParticipantConnected(p)
	} else {
		r.callback.OnParticipantChanged(p)
	}
}
