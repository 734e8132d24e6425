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
)

var _ SignalHandler = (*signalhandler)(nil)

type SignalHandlerParams struct {
	Logger    logger.Logger
	Processor SignalProcessor
}

type signalhandler struct {
	params SignalHandlerParams
}

func NewSignalHandler(params SignalHandlerParams) SignalHandler {
	return &signalhandler{
		params: params,
	}
}

func (s *signalhandler) SetLogger(l logger.Logger) {
	s.params.Logger = l
}

func (s *signalhandler) HandleMessage(msg *Message) error {
	err := s.dispatch(msg)
	if err != nil {
		s.params.Logger.Warnw("could not handle signal message", err, "event", msg.Event)
	}
	return err
}

func (s *signalhandler) dispatch(msg *Message) error {
	switch msg.Event {
	case EventUserJoined:
		var joined UserJoined
		if err := msg.DecodeData(&joined); err != nil {
			return err
		}
		if joined.UserID == "" && joined.User != nil {
			joined.UserID = joined.User.UserID
		}
		if joined.UserID == "" {
			return ErrMissingParticipant
		}
		s.params.Processor.OnUserJoined(&joined)

	case EventUserLeft:
		var left UserLeft
		if err := msg.DecodeData(&left); err != nil {
			return err
		}
		if left.UserID == "" {
			return ErrMissingParticipant
		}
		s.params.Processor.OnUserLeft(&left)

	case EventOffer:
		var offer Offer
		if err := msg.DecodeData(&offer); err != nil {
			return err
		}
		if offer.From == "" {
			return ErrMissingParticipant
		}
		s.params.Processor.OnOffer(offer.From, offer.Offer)

	case EventAnswer:
		var answer Answer
		if err := msg.DecodeData(&answer); err != nil {
			return err
		}
		if answer.From == "" {
			return ErrMissingParticipant
		}
		s.params.Processor.OnAnswer(answer.From, answer.Answer)

	case EventICECandidate:
		var candidate ICECandidate
		if err := msg.DecodeData(&candidate); err != nil {
			return err
		}
		if candidate.From == "" {
			return ErrMissingParticipant
		}
		s.params.Processor.OnICECandidate(candidate.From, candidate.Candidate)

	case EventMediaState:
		var state MediaState
		if err := msg.DecodeData(&state); err != nil {
			return err
		}
		if state.UserID == "" {
			return ErrMissingParticipant
		}
		s.params.Processor.OnMediaState(&state)

	default:
		return ErrUnknownEvent
	}

	return nil
}
