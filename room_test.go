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
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"

	"github.com/studyhub/meshcall/pkg/capture"
	"github.com/studyhub/meshcall/signalling"
)

type roomRecorder struct {
	lock         sync.Mutex
	connected    []string
	disconnected []string
	changed      []Participant
	mediaErrors  []*MediaAcquisitionError
	disconnects  int
}

func (r *roomRecorder) callback() *RoomCallback {
	return &RoomCallback{
		OnDisconnected: func() {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.disconnects++
		},
		OnParticipantConnected: func(p Participant) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.connected = append(r.connected, p.UserID)
		},
		OnParticipantDisconnected: func(p Participant) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.disconnected = append(r.disconnected, p.UserID)
		},
		OnParticipantChanged: func(p Participant) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.changed = append(r.changed, p)
		},
		OnMediaError: func(err *MediaAcquisitionError) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.mediaErrors = append(r.mediaErrors, err)
		},
	}
}

func (r *roomRecorder) snapshot() roomRecorder {
	r.lock.Lock()
	defer r.lock.Unlock()
	return roomRecorder{
		connected:    append([]string(nil), r.connected...),
		disconnected: append([]string(nil), r.disconnected...),
		changed:      append([]Participant(nil), r.changed...),
		mediaErrors:  append([]*MediaAcquisitionError(nil), r.mediaErrors...),
		disconnects:  r.disconnects,
	}
}

type roomHarness struct {
	t          *testing.T
	room       *Room
	recorder   *roomRecorder
	transports *fakeTransports
	pcs        *fakePeerConnections
	devices    *capture.Devices
}

func newRoomHarness(t *testing.T, opts ...capture.DevicesOption) *roomHarness {
	log := logger.NewTestLogger(t)
	h := &roomHarness{
		t:          t,
		recorder:   &roomRecorder{},
		transports: &fakeTransports{},
		pcs:        &fakePeerConnections{},
		devices:    capture.NewDevices(append([]capture.DevicesOption{capture.WithLogger(log)}, opts...)...),
	}
	h.room = NewRoom(h.recorder.callback(),
		WithLogger(log),
		WithMediaDevices(h.devices),
		WithSignalTransport(h.transports.Factory),
		WithPeerConnectionConstructor(h.pcs.New),
		WithMediaStateDebounce(10*time.Millisecond),
	)
	t.Cleanup(func() {
		_ = h.room.Leave()
	})
	return h
}

func (h *roomHarness) join() *fakeTransport {
	h.t.Helper()
	require.NoError(h.t, h.room.Join(context.Background(), "ws://signal.test", "", JoinInfo{
		RoomID: "study-room",
		UserID: "a",
		Name:   "Alice",
	}))
	return h.transports.last()
}

func (h *roomHarness) awaitPeerState(remoteID string, expected PeerState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		state, ok := h.room.PeerState(remoteID)
		return ok && state == expected
	}, waitTimeout, waitTick)
}

// connect brings remoteID to Connected with the local participant as caller.
func (h *roomHarness) connect(transport *fakeTransport, remoteID string) *fakePeerConnection {
	h.t.Helper()
	transport.deliver(h.t, signalling.EventUserJoined, &signalling.UserJoined{UserID: remoteID})
	h.awaitPeerState(remoteID, PeerStateAwaitingAnswer)
	transport.deliver(h.t, signalling.EventAnswer, &signalling.Answer{From: remoteID, Answer: testAnswer()})
	h.awaitPeerState(remoteID, PeerStateConnected)

	pcs := h.pcs.all()
	return pcs[len(pcs)-1]
}

func TestRoomJoin(t *testing.T) {
	t.Run("alone in the room", func(t *testing.T) {
		h := newRoomHarness(t)
		transport := h.join()

		require.Equal(t, RoomStateJoined, h.room.State())
		require.Equal(t, "study-room", h.room.RoomID())
		require.True(t, transport.IsStarted())
		require.Equal(t, []signalling.Event{signalling.EventJoinRoom}, transport.sentEvents())
		require.Empty(t, h.room.PeerIDs())
		require.Zero(t, h.pcs.count())

		participants := h.room.Participants()
		require.Len(t, participants, 1)
		require.True(t, participants[0].IsLocal)
		require.Equal(t, "Alice", participants[0].Name)
		require.False(t, participants[0].IsMuted)
		require.True(t, participants[0].IsVideoOn)

		stream := h.room.LocalStream()
		require.NotNil(t, stream)
		require.Len(t, stream.AudioTracks(), 1)
		require.Len(t, stream.VideoTracks(), 1)

		var joined signalling.JoinRoom
		require.NoError(t, transport.sentMessages(signalling.EventJoinRoom)[0].DecodeData(&joined))
		require.Equal(t, "study-room", joined.RoomID)
		require.Equal(t, "a", joined.User.UserID)
	})

	t.Run("start muted", func(t *testing.T) {
		h := newRoomHarness(t)
		require.NoError(t, h.room.Join(context.Background(), "ws://signal.test", "", JoinInfo{
			RoomID:     "study-room",
			UserID:     "a",
			StartMuted: true,
		}))

		self, ok := h.room.LocalParticipant()
		require.True(t, ok)
		require.True(t, self.IsMuted)
		require.Empty(t, h.room.LocalStream().AudioTracks())
		audio, video := h.devices.InUse()
		require.False(t, audio)
		require.True(t, video)
	})

	t.Run("invalid", func(t *testing.T) {
		h := newRoomHarness(t)
		ctx := context.Background()

		require.ErrorIs(t, h.room.Join(ctx, "ws://signal.test", "", JoinInfo{UserID: "a"}), ErrRoomIDNotProvided)
		require.ErrorIs(t, h.room.Join(ctx, "ws://signal.test", "", JoinInfo{RoomID: "r"}), ErrUserIDNotProvided)
		require.ErrorIs(t, h.room.Leave(), ErrNotJoined)
		require.ErrorIs(t, h.room.ToggleMute(), ErrNotJoined)

		h.join()
		require.ErrorIs(t, h.room.Join(ctx, "ws://signal.test", "", JoinInfo{RoomID: "r", UserID: "a"}), ErrAlreadyJoined)
	})

	t.Run("permission denied", func(t *testing.T) {
		h := newRoomHarness(t, capture.WithPermissionDenied())

		err := h.room.Join(context.Background(), "ws://signal.test", "", JoinInfo{RoomID: "r", UserID: "a"})
		var maErr *MediaAcquisitionError
		require.True(t, errors.As(err, &maErr))
		require.ErrorIs(t, err, capture.ErrPermissionDenied)

		require.Equal(t, RoomStateNotJoined, h.room.State())
		require.Empty(t, h.room.Participants())
		require.True(t, h.transports.last().isClosed())
	})

	t.Run("leave while joining", func(t *testing.T) {
		h := newRoomHarness(t)
		h.transports.setup = func(ft *fakeTransport) {
			ft.joinGate = make(chan struct{})
		}

		joinErr := make(chan error, 1)
		go func() {
			joinErr <- h.room.Join(context.Background(), "ws://signal.test", "", JoinInfo{RoomID: "r", UserID: "a"})
		}()
		require.Eventually(t, func() bool {
			return h.room.State() == RoomStateJoining
		}, waitTimeout, waitTick)

		require.NoError(t, h.room.Leave())
		select {
		case err := <-joinErr:
			require.ErrorIs(t, err, ErrJoinCancelled)
		case <-time.After(waitTimeout):
			t.Fatal("join did not return")
		}

		require.Equal(t, RoomStateNotJoined, h.room.State())
		require.Nil(t, h.room.LocalStream())
		audio, video := h.devices.InUse()
		require.False(t, audio)
		require.False(t, video)
	})
}

func TestRoomNegotiation(t *testing.T) {
	t.Run("user joined sends offer", func(t *testing.T) {
		h := newRoomHarness(t)
		transport := h.join()

		transport.deliver(t, signalling.EventUserJoined, &signalling.UserJoined{
			UserID: "b",
			User:   &signalling.UserInfo{UserID: "b", Name: "Bob", IsVideoOn: true},
		})
		h.awaitPeerState("b", PeerStateAwaitingAnswer)

		require.Equal(t, []string{"b"}, h.room.PeerIDs())
		offers := transport.sentMessages(signalling.EventOffer)
		require.Len(t, offers, 1)
		var offer signalling.Offer
		require.NoError(t, offers[0].DecodeData(&offer))
		require.Equal(t, "b", offer.To)

		bob, ok := h.room.Participant("b")
		require.True(t, ok)
		require.Equal(t, "Bob", bob.Name)
		require.Contains(t, h.recorder.snapshot().connected, "b")
	})

	t.Run("answer connects", func(t *testing.T) {
		h := newRoomHarness(t)
		transport := h.join()

		pc := h.connect(transport, "b")
		require.Equal(t, 1, pc.remoteCalls())
	})

	t.Run("own messages are ignored", func(t *testing.T) {
		h := newRoomHarness(t)
		transport := h.join()

		transport.deliver(t, signalling.EventUserJoined, &signalling.UserJoined{UserID: "a"})
		require.Never(t, func() bool {
			return h.pcs.count() > 0
		}, 50*time.Millisecond, waitTick)
	})

	t.Run("offer from a participant already in the room", func(t *testing.T) {
		h := newRoomHarness(t)
		transport := h.join()

		transport.deliver(t, signalling.EventOffer, &signalling.Offer{From: "c", Offer: testOffer()})
		h.awaitPeerState("c", PeerStateConnected)

		_, ok := h.room.Participant("c")
		require.True(t, ok)
		answers := transport.sentMessages(signalling.EventAnswer)
		require.Len(t, answers, 1)
		var answer signalling.Answer
		require.NoError(t, answers[0].DecodeData(&answer))
		require.Equal(t, "c", answer.To)
	})

	t.Run("user left", func(t *testing.T) {
		h := newRoomHarness(t)
		transport := h.join()
		pc := h.connect(transport, "b")

		transport.deliver(t, signalling.EventUserLeft, &signalling.UserLeft{UserID: "b"})
		require.Eventually(t, func() bool {
			return len(h.room.PeerIDs()) == 0
		}, waitTimeout, waitTick)

		require.True(t, pc.isClosed())
		_, ok := h.room.Participant("b")
		require.False(t, ok)
		require.Equal(t, []string{"b"}, h.recorder.snapshot().disconnected)
		require.Equal(t, RoomStateJoined, h.room.State())
	})

	t.Run("remote media state", func(t *testing.T) {
		h := newRoomHarness(t)
		transport := h.join()
		h.connect(transport, "b")

		transport.deliver(t, signalling.EventMediaState, &signalling.MediaState{UserID: "b", IsMuted: true})
		bob, ok := h.room.Participant("b")
		require.True(t, ok)
		require.True(t, bob.IsMuted)
		require.False(t, bob.IsVideoOn)
	})
}

func TestRoomToggles(t *testing.T) {
	t.Run("video toggle keeps peers", func(t *testing.T) {
		h := newRoomHarness(t)
		transport := h.join()
		pc := h.connect(transport, "b")

		require.NoError(t, h.room.ToggleVideo())
		self, _ := h.room.LocalParticipant()
		require.False(t, self.IsVideoOn)
		require.Eventually(t, func() bool {
			audio, video, calls := pc.localTracks()
			return calls == 2 && audio != nil && video == nil
		}, waitTimeout, waitTick)

		require.NoError(t, h.room.ToggleVideo())
		self, _ = h.room.LocalParticipant()
		require.True(t, self.IsVideoOn)
		require.Eventually(t, func() bool {
			audio, video, calls := pc.localTracks()
			return calls == 3 && audio != nil && video != nil
		}, waitTimeout, waitTick)

		require.Equal(t, []string{"b"}, h.room.PeerIDs())
		require.False(t, pc.isClosed())
		state, _ := h.room.PeerState("b")
		require.Equal(t, PeerStateConnected, state)

		// the last broadcast carries the final flags
		require.Eventually(t, func() bool {
			msgs := transport.sentMessages(signalling.EventMediaState)
			if len(msgs) == 0 {
				return false
			}
			var mediaState signalling.MediaState
			if err := msgs[len(msgs)-1].DecodeData(&mediaState); err != nil {
				return false
			}
			return mediaState.UserID == "a" && mediaState.IsVideoOn && !mediaState.IsMuted
		}, waitTimeout, waitTick)
	})

	t.Run("mute", func(t *testing.T) {
		h := newRoomHarness(t)
		h.join()

		require.NoError(t, h.room.SetMuted(true))
		self, _ := h.room.LocalParticipant()
		require.True(t, self.IsMuted)
		require.Empty(t, h.room.LocalStream().AudioTracks())

		require.NoError(t, h.room.SetMuted(true))
		require.NoError(t, h.room.ToggleMute())
		self, _ = h.room.LocalParticipant()
		require.False(t, self.IsMuted)
	})

	t.Run("everything off", func(t *testing.T) {
		h := newRoomHarness(t)
		h.join()

		require.NoError(t, h.room.SetMuted(true))
		require.NoError(t, h.room.SetVideoEnabled(false))
		require.Nil(t, h.room.LocalStream())
		audio, video := h.devices.InUse()
		require.False(t, audio)
		require.False(t, video)
	})

	t.Run("failed reacquire keeps peers", func(t *testing.T) {
		h := newRoomHarness(t)
		transport := h.join()
		pc := h.connect(transport, "b")

		h.devices.SetPermissionDenied(true)
		err := h.room.ToggleMute()
		require.ErrorIs(t, err, capture.ErrPermissionDenied)

		snapshot := h.recorder.snapshot()
		require.Len(t, snapshot.mediaErrors, 1)
		require.True(t, snapshot.mediaErrors[0].Video)

		self, _ := h.room.LocalParticipant()
		require.True(t, self.IsMuted)
		require.False(t, self.IsVideoOn)
		require.Nil(t, h.room.LocalStream())

		require.Equal(t, []string{"b"}, h.room.PeerIDs())
		require.False(t, pc.isClosed())
		require.Eventually(t, func() bool {
			audio, video, calls := pc.localTracks()
			return calls == 2 && audio == nil && video == nil
		}, waitTimeout, waitTick)
	})
}

func TestRoomLeave(t *testing.T) {
	t.Run("late answer after leave", func(t *testing.T) {
		h := newRoomHarness(t)
		transport := h.join()

		transport.deliver(t, signalling.EventUserJoined, &signalling.UserJoined{UserID: "b"})
		h.awaitPeerState("b", PeerStateAwaitingAnswer)
		pc := h.pcs.all()[0]

		require.NoError(t, h.room.Leave())
		require.Equal(t, RoomStateNotJoined, h.room.State())
		require.Equal(t, []signalling.Event{
			signalling.EventJoinRoom,
			signalling.EventOffer,
			signalling.EventLeaveRoom,
		}, transport.sentEvents())
		require.True(t, pc.isClosed())
		require.False(t, pc.hasHandlers())
		require.True(t, transport.isClosed())
		require.Empty(t, h.room.Participants())
		require.Nil(t, h.room.LocalStream())

		transport.deliver(t, signalling.EventAnswer, &signalling.Answer{From: "b", Answer: testAnswer()})
		require.Never(t, func() bool {
			return pc.remoteCalls() > 0 || h.pcs.count() > 1
		}, 50*time.Millisecond, waitTick)

		snapshot := h.recorder.snapshot()
		require.Equal(t, []string{"b"}, snapshot.disconnected)
		require.Zero(t, snapshot.disconnects)
		require.ErrorIs(t, h.room.Leave(), ErrNotJoined)
	})

	t.Run("rejoin after leave", func(t *testing.T) {
		h := newRoomHarness(t)
		first := h.join()
		require.NoError(t, h.room.Leave())

		second := h.join()
		require.NotSame(t, first, second)
		require.Equal(t, RoomStateJoined, h.room.State())
		require.Len(t, h.room.Participants(), 1)
	})

	t.Run("signal connection lost", func(t *testing.T) {
		h := newRoomHarness(t)
		transport := h.join()
		pc := h.connect(transport, "b")

		transport.drop()

		require.Equal(t, RoomStateNotJoined, h.room.State())
		require.True(t, pc.isClosed())
		require.NotContains(t, transport.sentEvents(), signalling.EventLeaveRoom)

		snapshot := h.recorder.snapshot()
		require.Equal(t, 1, snapshot.disconnects)
		require.Equal(t, []string{"b"}, snapshot.disconnected)
	})
}

// gatedDevices holds the next GetUserMedia call until released.
type gatedDevices struct {
	MediaDevices

	lock    sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (d *gatedDevices) hold() (entered <-chan struct{}, release func()) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.gate = make(chan struct{})
	d.entered = make(chan struct{})
	gate := d.gate
	return d.entered, func() { close(gate) }
}

func (d *gatedDevices) GetUserMedia(ctx context.Context, constraints capture.Constraints) (*capture.Stream, error) {
	d.lock.Lock()
	gate, entered := d.gate, d.entered
	d.gate, d.entered = nil, nil
	d.lock.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}
	return d.MediaDevices.GetUserMedia(ctx, constraints)
}

func TestRoomToggleDuringLeave(t *testing.T) {
	h := newRoomHarness(t)
	devices := &gatedDevices{MediaDevices: h.devices}
	log := logger.NewTestLogger(t)
	h.room = NewRoom(h.recorder.callback(),
		WithLogger(log),
		WithMediaDevices(devices),
		WithSignalTransport(h.transports.Factory),
		WithPeerConnectionConstructor(h.pcs.New),
		WithMediaStateDebounce(10*time.Millisecond),
	)
	t.Cleanup(func() {
		_ = h.room.Leave()
	})
	h.join()

	entered, release := devices.hold()
	toggled := make(chan error, 1)
	go func() {
		toggled <- h.room.ToggleVideo()
	}()

	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("toggle never reached the devices")
	}

	left := make(chan error, 1)
	go func() {
		left <- h.room.Leave()
	}()
	require.Eventually(t, func() bool {
		return h.room.State() != RoomStateJoined
	}, waitTimeout, waitTick)
	release()

	require.ErrorIs(t, <-toggled, ErrNotJoined)
	require.NoError(t, <-left)

	require.Equal(t, RoomStateNotJoined, h.room.State())
	require.Nil(t, h.room.LocalStream())
	audio, video := h.devices.InUse()
	require.False(t, audio)
	require.False(t, video)
}
