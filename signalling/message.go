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
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type Event string

const (
	EventJoinRoom     Event = "join-room"
	EventUserJoined   Event = "user-joined"
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "ice-candidate"
	EventLeaveRoom    Event = "leave-room"
	EventUserLeft     Event = "user-left"
	EventMediaState   Event = "media-state"
)

func (e Event) String() string {
	return string(e)
}

// Message is the frame exchanged with the signaling server. Data holds the
// JSON encoded payload matching Event.
type Message struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewMessage(event Event, payload any) (*Message, error) {
	msg := &Message{Event: event}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not encode %s payload: %w", event, err)
	}
	msg.Data = data
	return msg, nil
}

func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyPayload, m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Event, err)
	}
	return nil
}

// UserInfo describes a room member as announced on join.
type UserInfo struct {
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	IsMuted   bool   `json:"isMuted"`
	IsVideoOn bool   `json:"isVideoOn"`
	IsHost    bool   `json:"isHost,omitempty"`
}

type JoinRoom struct {
	RoomID string    `json:"roomId"`
	User   *UserInfo `json:"user"`
}

type UserJoined struct {
	UserID string    `json:"userId"`
	User   *UserInfo `json:"user,omitempty"`
}

type Offer struct {
	To    string                    `json:"to,omitempty"`
	From  string                    `json:"from,omitempty"`
	Offer webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	To     string                    `json:"to,omitempty"`
	From   string                    `json:"from,omitempty"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type ICECandidate struct {
	To        string                  `json:"to,omitempty"`
	From      string                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type UserLeft struct {
	UserID string `json:"userId"`
}

type MediaState struct {
	UserID    string `json:"userId,omitempty"`
	IsMuted   bool   `json:"isMuted"`
	IsVideoOn bool   `json:"isVideoOn"`
}
