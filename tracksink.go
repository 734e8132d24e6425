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
	"errors"
	"sort"
	"sync"

	"github.com/frostbyte73/core"
	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"
)

var errTargetClosed = errors.New("render target closed")

// RenderTarget is where a remote track ends up, one per track id.
type RenderTarget interface {
	TrackID() string
	// SetStream points the target at a stream. Setting the same stream again
	// changes nothing.
	SetStream(streamID string)
	WriteRTP(pkt *rtp.Packet) error
	Close()
}

// RenderTargetFactory builds the target for a newly seen track.
type RenderTargetFactory func(peerID string, trackID string, kind webrtc.RTPCodecType) RenderTarget

var _ RenderTarget = (*MediaElement)(nil)

// MediaElement is the default render target. It keeps receive statistics and
// drops the media.
type MediaElement struct {
	peerID  string
	trackID string
	kind    webrtc.RTPCodecType

	lock     sync.RWMutex
	streamID string

	packets atomic.Uint64
	bytes   atomic.Uint64
	closed  core.Fuse
}

func NewMediaElement(peerID string, trackID string, kind webrtc.RTPCodecType) RenderTarget {
	return &MediaElement{
		peerID:  peerID,
		trackID: trackID,
		kind:    kind,
	}
}

func (e *MediaElement) TrackID() string { return e.trackID }

func (e *MediaElement) PeerID() string { return e.peerID }

func (e *MediaElement) Kind() webrtc.RTPCodecType { return e.kind }

func (e *MediaElement) StreamID() string {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.streamID
}

func (e *MediaElement) SetStream(streamID string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.streamID = streamID
}

func (e *MediaElement) WriteRTP(pkt *rtp.Packet) error {
	if e.closed.IsBroken() {
		return errTargetClosed
	}
	e.packets.Inc()
	e.bytes.Add(uint64(len(pkt.Payload)))
	return nil
}

func (e *MediaElement) Packets() uint64 { return e.packets.Load() }

func (e *MediaElement) Bytes() uint64 { return e.bytes.Load() }

func (e *MediaElement) IsClosed() bool { return e.closed.IsBroken() }

func (e *MediaElement) Close() {
	e.closed.Break()
}

type sinkEntry struct {
	peerID   string
	streamID string
	reader   RTPReader
	target   RenderTarget
}

// RemoteTrackSink attaches inbound tracks to render targets keyed by track id.
type RemoteTrackSink struct {
	newTarget RenderTargetFactory
	log       protoLogger.Logger

	lock    sync.Mutex
	entries map[string]*sinkEntry

	// OnTargetAdded and OnTargetRemoved are optional.
	OnTargetAdded   func(peerID string, target RenderTarget)
	OnTargetRemoved func(peerID string, target RenderTarget)
}

func NewRemoteTrackSink(newTarget RenderTargetFactory, log protoLogger.Logger) *RemoteTrackSink {
	if newTarget == nil {
		newTarget = NewMediaElement
	}
	if log == nil {
		log = getLogger()
	}
	return &RemoteTrackSink{
		newTarget: newTarget,
		log:       log,
		entries:   make(map[string]*sinkEntry),
	}
}

// OnRemoteTrack locates or creates the target for track.ID and attaches the
// track's stream to it. Repeating the same attachment is a no-op.
func (s *RemoteTrackSink) OnRemoteTrack(peerID string, track *RemoteTrack) {
	s.lock.Lock()
	entry, ok := s.entries[track.ID]
	created := false
	if !ok {
		entry = &sinkEntry{
			target: s.newTarget(peerID, track.ID, track.Kind),
		}
		s.entries[track.ID] = entry
		created = true
	}

	if !created && entry.peerID == peerID && entry.streamID == track.StreamID && entry.reader == track.Reader {
		s.lock.Unlock()
		return
	}

	if entry.streamID != track.StreamID {
		entry.target.SetStream(track.StreamID)
	}
	entry.peerID = peerID
	entry.streamID = track.StreamID
	startPump := track.Reader != nil && entry.reader != track.Reader
	entry.reader = track.Reader
	target := entry.target
	s.lock.Unlock()

	s.log.Debugw("attached remote track",
		"peerID", peerID,
		"trackID", track.ID,
		"streamID", track.StreamID,
		"kind", track.Kind.String(),
	)
	if created {
		if onAdded := s.OnTargetAdded; onAdded != nil {
			onAdded(peerID, target)
		}
	}
	if startPump {
		go s.pump(track.Reader, target)
	}
}

func (s *RemoteTrackSink) pump(reader RTPReader, target RenderTarget) {
	for {
		pkt, _, err := reader.ReadRTP()
		if err != nil {
			// the track ends with its peer connection
			return
		}
		if err := target.WriteRTP(pkt); err != nil {
			return
		}
	}
}

// Target returns the render target for a track, if any.
func (s *RemoteTrackSink) Target(trackID string) RenderTarget {
	s.lock.Lock()
	defer s.lock.Unlock()
	if entry, ok := s.entries[trackID]; ok {
		return entry.target
	}
	return nil
}

// TrackIDs returns the track ids currently rendered for peerID.
func (s *RemoteTrackSink) TrackIDs(peerID string) []string {
	s.lock.Lock()
	var ids []string
	for id, entry := range s.entries {
		if entry.peerID == peerID {
			ids = append(ids, id)
		}
	}
	s.lock.Unlock()

	sort.Strings(ids)
	return ids
}

func (s *RemoteTrackSink) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.entries)
}

// RemovePeer closes every target fed by peerID.
func (s *RemoteTrackSink) RemovePeer(peerID string) {
	s.lock.Lock()
	var removed []*sinkEntry
	for id, entry := range s.entries {
		if entry.peerID == peerID {
			removed = append(removed, entry)
			delete(s.entries, id)
		}
	}
	s.lock.Unlock()

	s.closeEntries(removed)
}

func (s *RemoteTrackSink) Clear() {
	s.lock.Lock()
	removed := make([]*sinkEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		removed = append(removed, entry)
	}
	s.entries = make(map[string]*sinkEntry)
	s.lock.Unlock()

	s.closeEntries(removed)
}

func (s *RemoteTrackSink) closeEntries(entries []*sinkEntry) {
	for _, entry := range entries {
		entry.target.Close()
		if onRemoved := s.OnTargetRemoved; onRemoved != nil {
			onRemoved(entry.peerID, entry.target)
		}
	}
}
