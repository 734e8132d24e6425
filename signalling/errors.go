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

import "errors"

var (
	ErrURLNotProvided         = errors.New("URL was not provided")
	ErrCannotDialSignal       = errors.New("could not dial signal connection")
	ErrTransportNotConnected  = errors.New("signal transport is not connected")
	ErrMessageQueueNotStarted = errors.New("message queue not started")
	ErrMessageQueueFull       = errors.New("message queue full")
	ErrUnknownEvent           = errors.New("unknown signal event")
	ErrEmptyPayload           = errors.New("signal message has no payload")
	ErrInvalidPayload         = errors.New("invalid signal payload")
	ErrMissingParticipant     = errors.New("signal message has no participant id")
)
