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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/studyhub/meshcall/signalling"
)

func TestParticipantList(t *testing.T) {
	l := newParticipantList()

	stored, added := l.upsert(&Participant{UserID: "c", Name: "Carol"})
	require.True(t, added)
	require.Equal(t, "Carol", stored.Name)

	_, added = l.upsert(&Participant{UserID: "c", Name: "Caroline"})
	require.False(t, added)
	p, ok := l.get("c")
	require.True(t, ok)
	require.Equal(t, "Caroline", p.Name)

	l.upsert(&Participant{UserID: "z", IsLocal: true})
	l.upsert(&Participant{UserID: "b"})

	ids := func() []string {
		var ids []string
		for _, p := range l.list() {
			ids = append(ids, p.UserID)
		}
		return ids
	}
	require.Equal(t, []string{"z", "b", "c"}, ids())

	updated, ok := l.update("b", func(p *Participant) { p.IsMuted = true })
	require.True(t, ok)
	require.True(t, updated.IsMuted)
	_, ok = l.update("nobody", func(p *Participant) { p.IsMuted = true })
	require.False(t, ok)

	// snapshots are copies
	updated.IsMuted = false
	p, _ = l.get("b")
	require.True(t, p.IsMuted)

	removed, ok := l.remove("b")
	require.True(t, ok)
	require.Equal(t, "b", removed.UserID)
	_, ok = l.remove("b")
	require.False(t, ok)

	require.Len(t, l.clear(), 2)
	require.Empty(t, l.list())
}

func TestParticipantUserInfo(t *testing.T) {
	p := participantFromUserInfo("b", &signalling.UserInfo{
		UserID:    "ignored",
		Name:      "Bob",
		IsVideoOn: true,
		IsHost:    true,
	})
	require.Equal(t, "b", p.UserID)
	require.Equal(t, ConnectionQualityGood, p.ConnectionQuality)
	require.True(t, p.IsVideoOn)
	require.False(t, p.IsLocal)

	info := p.userInfo()
	require.Equal(t, "b", info.UserID)
	require.Equal(t, "Bob", info.Name)
	require.True(t, info.IsHost)

	bare := participantFromUserInfo("d", nil)
	require.Equal(t, "d", bare.UserID)
	require.Empty(t, bare.Name)
}
