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

	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"

	"github.com/studyhub/meshcall/signalling"
)

var _ NegotiationSignaller = (*SignalClient)(nil)

type SignalClientParams struct {
	Logger           protoLogger.Logger
	TransportFactory signalling.SignalTransportFactory
	TransportHandler signalling.SignalTransportHandler
	Processor        signalling.SignalProcessor
}

// SignalClient sends typed room events over a signal transport and feeds
// inbound ones to a processor.
type SignalClient struct {
	log        protoLogger.Logger
	signalling signalling.Signalling
	transport  signalling.SignalTransport
}

func NewSignalClient(params SignalClientParams) *SignalClient {
	if params.Logger == nil {
		params.Logger = getLogger()
	}
	if params.TransportFactory == nil {
		params.TransportFactory = signalling.NewWebSocketTransportFactory(Version)
	}

	c := &SignalClient{
		log: params.Logger,
		signalling: signalling.NewSignalling(signalling.SignallingParams{
			Logger: params.Logger,
		}),
	}
	c.transport = params.TransportFactory(signalling.SignalTransportParams{
		Logger:                 params.Logger,
		SignalTransportHandler: params.TransportHandler,
		SignalHandler: signalling.NewSignalHandler(signalling.SignalHandlerParams{
			Logger:    params.Logger,
			Processor: params.Processor,
		}),
	})
	return c
}

func (c *SignalClient) SetLogger(l protoLogger.Logger) {
	c.log = l
	c.signalling.SetLogger(l)
	c.transport.SetLogger(l)
}

// Connect dials the signaling server. Inbound messages are held back until Start.
func (c *SignalClient) Connect(ctx context.Context, url string, token string) error {
	return c.transport.Join(ctx, url, token)
}

func (c *SignalClient) Start() {
	c.transport.Start()
}

func (c *SignalClient) IsStarted() bool {
	return c.transport.IsStarted()
}

func (c *SignalClient) Close() {
	c.transport.Close()
}

func (c *SignalClient) SendJoinRoom(roomID string, user *signalling.UserInfo) error {
	return c.send(c.signalling.SignalJoinRoom(roomID, user))
}

func (c *SignalClient) SendLeaveRoom(roomID string) error {
	return c.send(c.signalling.SignalLeaveRoom(roomID))
}

func (c *SignalClient) SendOffer(to string, offer webrtc.SessionDescription) error {
	return c.send(c.signalling.SignalSdpOffer(to, offer))
}

func (c *SignalClient) SendAnswer(to string, answer webrtc.SessionDescription) error {
	return c.send(c.signalling.SignalSdpAnswer(to, answer))
}

func (c *SignalClient) SendICECandidate(to string, candidate webrtc.ICECandidateInit) error {
	return c.send(c.signalling.SignalICECandidate(to, candidate))
}

func (c *SignalClient) SendMediaState(state *signalling.MediaState) error {
	return c.send(c.signalling.SignalMediaState(state))
}

func (c *SignalClient) send(msg *signalling.Message, err error) error {
	if err != nil {
		return err
	}
	if err = c.transport.SendMessage(msg); err != nil {
		c.log.Debugw("could not send signal message", "event", msg.Event, "error", err)
		return err
	}
	return nil
}
