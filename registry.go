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
	"sort"
	"sync"

	protoLogger "github.com/livekit/protocol/logger"
	"golang.org/x/sync/errgroup"
)

// PeerRegistry is the single source of truth for which remote peers have a
// live connection. It holds at most one session per remote id.
type PeerRegistry struct {
	factory *PeerConnectionFactory
	log     protoLogger.Logger

	lock  sync.RWMutex
	peers map[string]*PeerSession

	// OnRemoved is called after a session was destroyed and unregistered.
	OnRemoved func(session *PeerSession)
}

func NewPeerRegistry(factory *PeerConnectionFactory, log protoLogger.Logger) *PeerRegistry {
	if log == nil {
		log = getLogger()
	}
	return &PeerRegistry{
		factory: factory,
		log:     log,
		peers:   make(map[string]*PeerSession),
	}
}

func (r *PeerRegistry) Get(remoteID string) *PeerSession {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.peers[remoteID]
}

// Put registers session for remoteID, destroying any session already there.
func (r *PeerRegistry) Put(remoteID string, session *PeerSession) {
	r.lock.Lock()
	old := r.peers[remoteID]
	r.peers[remoteID] = session
	r.lock.Unlock()

	if old != nil && old != session {
		r.log.Infow("replacing peer connection", "remoteID", remoteID)
		r.destroy(old)
	}
}

// RemoveAndDestroy returns false if nothing was registered for remoteID.
func (r *PeerRegistry) RemoveAndDestroy(remoteID string) bool {
	r.lock.Lock()
	session, ok := r.peers[remoteID]
	if ok {
		delete(r.peers, remoteID)
	}
	r.lock.Unlock()

	if !ok {
		return false
	}
	r.destroy(session)
	return true
}

// removeSession only removes session if it is still the registered one, so a
// failing negotiation cannot take down its replacement.
func (r *PeerRegistry) removeSession(session *PeerSession) bool {
	r.lock.Lock()
	current, ok := r.peers[session.remoteID]
	registered := ok && current == session
	if registered {
		delete(r.peers, session.remoteID)
	}
	r.lock.Unlock()

	r.destroy(session)
	return registered
}

// Clear destroys every registered session. It is safe to call repeatedly.
func (r *PeerRegistry) Clear() {
	r.lock.Lock()
	sessions := make([]*PeerSession, 0, len(r.peers))
	for _, session := range r.peers {
		sessions = append(sessions, session)
	}
	r.peers = make(map[string]*PeerSession)
	r.lock.Unlock()

	if len(sessions) == 0 {
		return
	}

	var eg errgroup.Group
	for _, session := range sessions {
		eg.Go(func() error {
			return r.destroy(session)
		})
	}
	if err := eg.Wait(); err != nil {
		r.log.Warnw("peer teardown finished with errors", err, "peers", len(sessions))
	}
}

func (r *PeerRegistry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.peers)
}

func (r *PeerRegistry) IDs() []string {
	r.lock.RLock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.lock.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *PeerRegistry) Sessions() []*PeerSession {
	r.lock.RLock()
	defer r.lock.RUnlock()

	sessions := make([]*PeerSession, 0, len(r.peers))
	for _, session := range r.peers {
		sessions = append(sessions, session)
	}
	return sessions
}

func (r *PeerRegistry) destroy(session *PeerSession) error {
	if !session.markClosed() {
		return nil
	}

	err := r.factory.Destroy(session.pc)
	if err != nil {
		r.log.Warnw("error tearing down peer connection", err, "remoteID", session.remoteID)
	}
	if onRemoved := r.OnRemoved; onRemoved != nil {
		onRemoved(session)
	}
	return err
}
