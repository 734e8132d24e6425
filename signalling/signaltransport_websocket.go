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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/logger"
)

const writeTimeout = 5 * time.Second

var _ SignalTransport = (*signalTransportWebSocket)(nil)

type SignalTransportWebSocketParams struct {
	Logger                 logger.Logger
	Version                string
	SignalTransportHandler SignalTransportHandler
	SignalHandler          SignalHandler
}

type signalTransportWebSocket struct {
	params SignalTransportWebSocketParams

	conn           atomic.Pointer[websocket.Conn]
	lock           sync.Mutex
	isStarted      atomic.Bool
	readerClosedCh chan struct{}
	msgQueue       *messageQueue
}

func NewSignalTransportWebSocket(params SignalTransportWebSocketParams) SignalTransport {
	s := &signalTransportWebSocket{
		params: params,
	}
	s.msgQueue = newMessageQueue(messageQueueParams{
		Logger: params.Logger,
		HandleMessage: func(msg *Message) {
			_ = s.params.SignalHandler.HandleMessage(msg)
		},
	})
	return s
}

// NewWebSocketTransportFactory adapts the websocket transport to a SignalTransportFactory.
func NewWebSocketTransportFactory(version string) SignalTransportFactory {
	return func(params SignalTransportParams) SignalTransport {
		return NewSignalTransportWebSocket(SignalTransportWebSocketParams{
			Logger:                 params.Logger,
			Version:                version,
			SignalTransportHandler: params.SignalTransportHandler,
			SignalHandler:          params.SignalHandler,
		})
	}
}

func (s *signalTransportWebSocket) SetLogger(l logger.Logger) {
	s.params.Logger = l
	s.msgQueue.SetLogger(l)
}

func (s *signalTransportWebSocket) Start() {
	if s.isStarted.Swap(true) {
		return
	}
	s.msgQueue.Start()
	s.readerClosedCh = make(chan struct{})
	go s.readWorker(s.readerClosedCh)
}

func (s *signalTransportWebSocket) IsStarted() bool {
	return s.isStarted.Load()
}

func (s *signalTransportWebSocket) Close() {
	isStarted := s.IsStarted()
	readerClosedCh := s.readerClosedCh
	if conn := s.websocketConn(); conn != nil {
		s.lock.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.lock.Unlock()
		_ = conn.Close()
	}
	if isStarted && readerClosedCh != nil {
		<-readerClosedCh
	}
}

func (s *signalTransportWebSocket) Join(ctx context.Context, urlPrefix string, token string) error {
	if urlPrefix == "" {
		return ErrURLNotProvided
	}

	u, err := url.Parse(ToWebsocketURL(urlPrefix))
	if err != nil {
		return err
	}
	query := u.Query()
	query.Set("sdk", "go")
	query.Set("os", runtime.GOOS)
	if s.params.Version != "" {
		query.Set("version", s.params.Version)
	}
	u.RawQuery = query.Encode()

	startedAt := time.Now()
	conn, hresp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), NewHeaderWithToken(token))
	if err != nil {
		fields := []interface{}{
			"duration", time.Since(startedAt),
		}
		if hresp == nil {
			s.params.Logger.Errorw("error establishing signal connection", err, fields...)
			return fmt.Errorf("%w: %v", ErrCannotDialSignal, err)
		}

		body, _ := io.ReadAll(hresp.Body)
		fields = append(fields, "status", hresp.StatusCode, "response", string(body))
		s.params.Logger.Errorw("error establishing signal connection", err, fields...)

		var errString string
		switch hresp.StatusCode {
		case http.StatusUnauthorized:
			errString = "unauthorized: "
		case http.StatusForbidden:
			errString = "forbidden: "
		case http.StatusNotFound:
			errString = "not found: "
		case http.StatusServiceUnavailable:
			errString = "unavailable: "
		default:
			errString = fmt.Sprintf("status %d: ", hresp.StatusCode)
		}
		return fmt.Errorf("%w: %s%s", ErrCannotDialSignal, errString, strings.TrimSpace(string(body)))
	}

	s.Close() // close previous conn, if any
	s.conn.Store(conn)
	return nil
}

func (s *signalTransportWebSocket) SendMessage(msg *Message) error {
	conn := s.websocketConn()
	if conn == nil {
		return ErrTransportNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *signalTransportWebSocket) websocketConn() *websocket.Conn {
	return s.conn.Load()
}

func (s *signalTransportWebSocket) readWorker(readerClosedCh chan struct{}) {
	defer func() {
		s.isStarted.Store(false)
		s.conn.Store(nil)
		s.msgQueue.Close()
		close(readerClosedCh)

		s.params.SignalTransportHandler.OnTransportClose()
	}()

	for {
		msg, err := s.readMessage()
		if err != nil {
			if !isIgnoredWebsocketError(err) {
				s.params.Logger.Infow("error while reading from signal transport", "error", err)
			}
			return
		}
		if msg == nil {
			continue
		}
		if err := s.msgQueue.Enqueue(msg); err != nil {
			s.params.Logger.Warnw("could not enqueue signal message", err, "event", msg.Event)
		}
	}
}

func (s *signalTransportWebSocket) readMessage() (*Message, error) {
	conn := s.websocketConn()
	if conn == nil {
		return nil, errors.New("cannot read message without signal transport")
	}

	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	switch messageType {
	case websocket.TextMessage, websocket.BinaryMessage:
		msg := &Message{}
		if err := json.Unmarshal(payload, msg); err != nil {
			s.params.Logger.Warnw("could not decode signal message", err)
			return nil, nil
		}
		return msg, nil

	default:
		return nil, nil
	}
}

func isIgnoredWebsocketError(err error) bool {
	if err == nil ||
		err == io.EOF ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		return true
	}

	return websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived)
}
