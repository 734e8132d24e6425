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
	"sort"
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/studyhub/meshcall/signalling"
)

// hub tracks which client is in which room. Everything sent to a client goes
// through the hub so its send channel is never written after being closed.
type hub struct {
	log logger.Logger

	lock  sync.RWMutex
	rooms map[string]map[string]*client
}

func newHub(log logger.Logger) *hub {
	return &hub{
		log:   log,
		rooms: make(map[string]map[string]*client),
	}
}

// join places c in roomID as user. A previous connection with the same user
// id is evicted and returned.
func (h *hub) join(c *client, roomID string, user *signalling.UserInfo) *client {
	h.lock.Lock()
	defer h.lock.Unlock()

	c.id = user.UserID
	c.user = user

	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[string]*client)
		h.rooms[roomID] = room
		h.log.Infow("created room", "roomID", roomID)
	}

	old := room[c.id]
	if old == c {
		old = nil
	}
	if old != nil {
		old.roomID = ""
		old.closeSend()
	}
	room[c.id] = c
	c.roomID = roomID
	return old
}

// leave removes c from its room and reports the room it was in.
func (h *hub) leave(c *client) (string, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()

	roomID := c.roomID
	if roomID == "" {
		return "", false
	}
	c.roomID = ""

	room := h.rooms[roomID]
	if room[c.id] != c {
		return "", false
	}
	delete(room, c.id)
	if len(room) == 0 {
		delete(h.rooms, roomID)
		h.log.Infow("removed empty room", "roomID", roomID)
	}
	return roomID, true
}

// disconnect removes c from its room and closes its send channel.
func (h *hub) disconnect(c *client) (string, bool) {
	roomID, ok := h.leave(c)

	h.lock.Lock()
	c.closeSend()
	h.lock.Unlock()
	return roomID, ok
}

func (h *hub) roomOf(c *client) string {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return c.roomID
}

func (h *hub) broadcast(roomID string, msg *signalling.Message, exclude string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warnw("could not encode message", err, "event", msg.Event)
		return
	}

	h.lock.RLock()
	defer h.lock.RUnlock()
	for id, c := range h.rooms[roomID] {
		if id != exclude {
			h.deliver(c, data, msg.Event)
		}
	}
}

func (h *hub) sendTo(roomID string, to string, msg *signalling.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warnw("could not encode message", err, "event", msg.Event)
		return false
	}

	h.lock.RLock()
	defer h.lock.RUnlock()
	c, ok := h.rooms[roomID][to]
	if !ok {
		h.log.Debugw("target not in room", "roomID", roomID, "to", to, "event", msg.Event)
		return false
	}
	return h.deliver(c, data, msg.Event)
}

// deliver must be called with h.lock held.
func (h *hub) deliver(c *client, data []byte, event signalling.Event) bool {
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		h.log.Warnw("dropping message, send buffer full", nil, "userID", c.id, "event", event)
		return false
	}
}

func (h *hub) updateUser(c *client, update func(user *signalling.UserInfo)) *signalling.UserInfo {
	h.lock.Lock()
	defer h.lock.Unlock()
	update(c.user)
	u := *c.user
	return &u
}

// participants returns the users in roomID sorted by id.
func (h *hub) participants(roomID string) []signalling.UserInfo {
	h.lock.RLock()
	room := h.rooms[roomID]
	users := make([]signalling.UserInfo, 0, len(room))
	for _, c := range room {
		users = append(users, *c.user)
	}
	h.lock.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		return users[i].UserID < users[j].UserID
	})
	return users
}

func (h *hub) roomCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.rooms)
}
