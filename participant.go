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

	"github.com/studyhub/meshcall/signalling"
)

type ConnectionQuality string

// ConnectionQuality is a display label. Nothing measures it.
const (
	ConnectionQualityExcellent ConnectionQuality = "excellent"
	ConnectionQualityGood      ConnectionQuality = "good"
	ConnectionQualityPoor      ConnectionQuality = "poor"
)

// Participant is a snapshot of a room member.
type Participant struct {
	UserID            string
	Name              string
	Avatar            string
	IsMuted           bool
	IsVideoOn         bool
	IsPresenting      bool
	IsHost            bool
	IsLocal           bool
	ConnectionQuality ConnectionQuality
}

func participantFromUserInfo(userID string, info *signalling.UserInfo) *Participant {
	p := &Participant{
		UserID:            userID,
		ConnectionQuality: ConnectionQualityGood,
	}
	if info != nil {
		p.Name = info.Name
		p.Avatar = info.Avatar
		p.IsMuted = info.IsMuted
		p.IsVideoOn = info.IsVideoOn
		p.IsHost = info.IsHost
	}
	return p
}

func (p *Participant) userInfo() *signalling.UserInfo {
	return &signalling.UserInfo{
		UserID:    p.UserID,
		Name:      p.Name,
		Avatar:    p.Avatar,
		IsMuted:   p.IsMuted,
		IsVideoOn: p.IsVideoOn,
		IsHost:    p.IsHost,
	}
}

// participantList holds the members of the room keyed by user id.
type participantList struct {
	lock         sync.RWMutex
	participants map[string]*Participant
}

func newParticipantList() *participantList {
	return &participantList{
		participants: make(map[string]*Participant),
	}
}

// upsert returns the stored copy and whether it was newly added.
func (l *participantList) upsert(p *Participant) (Participant, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	_, exists := l.participants[p.UserID]
	stored := *p
	l.participants[p.UserID] = &stored
	return stored, !exists
}

// update applies fn to the participant and returns the result.
func (l *participantList) update(userID string, fn func(p *Participant)) (Participant, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	p, ok := l.participants[userID]
	if !ok {
		return Participant{}, false
	}
	fn(p)
	return *p, true
}

func (l *participantList) remove(userID string) (Participant, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	p, ok := l.participants[userID]
	if !ok {
		return Participant{}, false
	}
	delete(l.participants, userID)
	return *p, true
}

func (l *participantList) get(userID string) (Participant, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	p, ok := l.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// list returns every participant, local first, then by user id.
func (l *participantList) list() []Participant {
	l.lock.RLock()
	participants := make([]Participant, 0, len(l.participants))
	for _, p := range l.participants {
		participants = append(participants, *p)
	}
	l.lock.RUnlock()

	sort.Slice(participants, func(i, j int) bool {
		if participants[i].IsLocal != participants[j].IsLocal {
			return participants[i].IsLocal
		}
		return participants[i].UserID < participants[j].UserID
	})
	return participants
}

func (l *participantList) clear() []Participant {
	l.lock.Lock()
	defer l.lock.Unlock()

	removed := make([]Participant, 0, len(l.participants))
	for _, p := range l.participants {
		removed = append(removed, *p)
	}
	l.participants = make(map[string]*Participant)
	return removed
}
