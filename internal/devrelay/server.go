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

// Package devrelay is a small signaling relay for local development and
// tests. It keeps rooms in memory and forwards mesh negotiation messages
// between the participants of a room.
package devrelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/logger"

	"github.com/studyhub/meshcall/signalling"
)

type Server struct {
	cfg      Config
	log      logger.Logger
	hub      *hub
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

func NewServer(cfg Config, log logger.Logger) *Server {
	cfg.applyDefaults()
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.Environment == EnvironmentProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg: cfg,
		log: log,
		hub: newHub(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// origins are checked by originFilter
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(originFilter(cfg.AllowedOrigins))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": s.hub.roomCount()})
	})
	engine.GET("/rooms/:roomId", s.getRoom)

	if cfg.JWTSecret != "" {
		engine.GET("/ws", jwtAuth(cfg.JWTSecret), s.handleSignal)
	} else {
		engine.GET("/ws", s.handleSignal)
	}

	s.engine = engine
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("starting signaling relay", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	participants := s.hub.participants(roomID)
	if len(participants) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":       roomID,
		"participants": participants,
	})
}

func (s *Server) handleSignal(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("could not upgrade connection", err)
		return
	}

	cl := &client{
		authID: c.GetString(contextUserID),
		conn:   conn,
		send:   make(chan []byte, s.cfg.SendBuffer),
	}
	s.log.Debugw("signal connection opened", "remote", c.Request.RemoteAddr, "authID", cl.authID)

	go s.writePump(cl)
	go s.readPump(cl)
}

// -----------------------------------------------

type client struct {
	// token subject, empty without auth
	authID string
	conn   *websocket.Conn

	// guarded by hub.lock
	id         string
	roomID     string
	user       *signalling.UserInfo
	send       chan []byte
	sendClosed bool
}

// closeSend must be called with hub.lock held.
func (c *client) closeSend() {
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		if roomID, ok := s.hub.disconnect(c); ok {
			s.announceLeft(roomID, c)
		}
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Infow("signal connection error", "error", err)
			}
			return
		}

		msg := &signalling.Message{}
		if err := json.Unmarshal(payload, msg); err != nil {
			s.log.Debugw("could not parse message", "error", err)
			continue
		}
		if err := s.handleMessage(c, msg); err != nil {
			s.log.Debugw("dropping message", "event", msg.Event, "error", err)
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debugw("could not write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
