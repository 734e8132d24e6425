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

package devrelay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/studyhub/meshcall/signalling"
)

var (
	ErrNotInRoom       = errors.New("client has not joined a room")
	ErrMissingRoom     = errors.New("join-room without room id")
	ErrMissingTarget   = errors.New("message has no recipient")
	ErrTargetNotInRoom = errors.New("recipient is not in the room")
	ErrUnexpectedEvent = errors.New("event is not accepted from clients")
)

func (s *Server) handleMessage(c *client, msg *signalling.Message) error {
	switch msg.Event {
	case signalling.EventJoinRoom:
		return s.handleJoin(c, msg)

	case signalling.EventLeaveRoom:
		roomID, ok := s.hub.leave(c)
		if !ok {
			return ErrNotInRoom
		}
		s.announceLeft(roomID, c)
		return nil

	case signalling.EventOffer, signalling.EventAnswer, signalling.EventICECandidate:
		return s.forward(c, msg)

	case signalling.EventMediaState:
		return s.handleMediaState(c, msg)

	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedEvent, msg.Event)
	}
}

func (s *Server) handleJoin(c *client, msg *signalling.Message) error {
	var join signalling.JoinRoom
	if err := msg.DecodeData(&join); err != nil {
		return err
	}
	if join.RoomID == "" {
		return ErrMissingRoom
	}

	user := &signalling.UserInfo{}
	if join.User != nil {
		*user = *join.User
	}
	switch {
	case c.authID != "":
		// the token decides who this is
		user.UserID = c.authID
	case user.UserID == "":
		user.UserID = uuid.NewString()
	}

	if roomID, ok := s.hub.leave(c); ok {
		s.announceLeft(roomID, c)
	}
	if old := s.hub.join(c, join.RoomID, user); old != nil {
		s.log.Infow("replaced stale connection", "roomID", join.RoomID, "userID", user.UserID)
		s.announceLeftID(join.RoomID, user.UserID)
	}
	s.log.Infow("participant joined", "roomID", join.RoomID, "userID", user.UserID)

	joined, err := signalling.NewMessage(signalling.EventUserJoined, &signalling.UserJoined{
		UserID: user.UserID,
		User:   user,
	})
	if err != nil {
		return err
	}
	s.hub.broadcast(join.RoomID, joined, user.UserID)
	return nil
}

// forward rewrites an addressed negotiation message so the recipient sees
// who sent it, and passes it on. Fields the relay does not know are kept.
func (s *Server) forward(c *client, msg *signalling.Message) error {
	roomID := s.hub.roomOf(c)
	if roomID == "" {
		return ErrNotInRoom
	}

	var fields map[string]json.RawMessage
	if err := msg.DecodeData(&fields); err != nil {
		return err
	}
	var to string
	if raw, ok := fields["to"]; ok {
		if err := json.Unmarshal(raw, &to); err != nil {
			return fmt.Errorf("%w: %v", signalling.ErrInvalidPayload, err)
		}
	}
	if to == "" {
		return ErrMissingTarget
	}

	delete(fields, "to")
	from, err := json.Marshal(c.id)
	if err != nil {
		return err
	}
	fields["from"] = from

	out, err := signalling.NewMessage(msg.Event, fields)
	if err != nil {
		return err
	}
	if !s.hub.sendTo(roomID, to, out) {
		return ErrTargetNotInRoom
	}
	return nil
}

func (s *Server) handleMediaState(c *client, msg *signalling.Message) error {
	roomID := s.hub.roomOf(c)
	if roomID == "" {
		return ErrNotInRoom
	}

	var state signalling.MediaState
	if err := msg.DecodeData(&state); err != nil {
		return err
	}

	user := s.hub.updateUser(c, func(user *signalling.UserInfo) {
		user.IsMuted = state.IsMuted
		user.IsVideoOn = state.IsVideoOn
	})
	state.UserID = user.UserID

	out, err := signalling.NewMessage(signalling.EventMediaState, &state)
	if err != nil {
		return err
	}
	s.hub.broadcast(roomID, out, user.UserID)
	return nil
}

func (s *Server) announceLeft(roomID string, c *client) {
	s.log.Infow("participant left", "roomID", roomID, "userID", c.id)
	s.announceLeftID(roomID, c.id)
}

func (s *Server) announceLeftID(roomID string, userID string) {
	left, err := signalling.NewMessage(signalling.EventUserLeft, &signalling.UserLeft{UserID: userID})
	if err != nil {
		s.log.Warnw("could not encode user-left", err)
		return
	}
	s.hub.broadcast(roomID, left, userID)
}
