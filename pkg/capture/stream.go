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

package capture

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Constraints selects which kinds of media a stream should carry.
type Constraints struct {
	Audio bool
	Video bool
}

func (c Constraints) IsEmpty() bool {
	return !c.Audio && !c.Video
}

// Track is a local track that owns a capture device until stopped.
type Track interface {
	webrtc.TrackLocal
	// Stop ends the track and frees its device. Calling it again is a no-op.
	Stop() error
	Stopped() bool
}

// Stream groups the tracks handed out by a single GetUserMedia call.
type Stream struct {
	id     string
	tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{
		id:     id,
		tracks: tracks,
	}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Tracks() []Track {
	tracks := make([]Track, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

func (s *Stream) AudioTracks() []Track {
	return s.tracksOfKind(webrtc.RTPCodecTypeAudio)
}

func (s *Stream) VideoTracks() []Track {
	return s.tracksOfKind(webrtc.RTPCodecTypeVideo)
}

func (s *Stream) tracksOfKind(kind webrtc.RTPCodecType) []Track {
	var tracks []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// Stop stops every track, even if some of them fail.
func (s *Stream) Stop() error {
	var errs []error
	for _, t := range s.tracks {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
