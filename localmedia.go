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
	"sync"

	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"

	"github.com/studyhub/meshcall/pkg/capture"
)

// MediaDevices hands out local capture streams. *capture.Devices implements it.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints capture.Constraints) (*capture.Stream, error)
}

// LocalMediaSource owns the single active local stream. Changing constraints
// always releases the current stream before asking for a new one.
type LocalMediaSource struct {
	devices MediaDevices
	log     protoLogger.Logger

	lock        sync.Mutex
	stream      *capture.Stream
	constraints capture.Constraints
}

func NewLocalMediaSource(devices MediaDevices, log protoLogger.Logger) *LocalMediaSource {
	if log == nil {
		log = getLogger()
	}
	return &LocalMediaSource{
		devices: devices,
		log:     log,
	}
}

// Acquire replaces the current stream with one matching constraints. With
// both kinds disabled it only releases. On failure no stream is held.
func (m *LocalMediaSource) Acquire(ctx context.Context, constraints capture.Constraints) (*capture.Stream, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.releaseLocked()
	if constraints.IsEmpty() {
		m.log.Debugw("local media disabled")
		return nil, nil
	}

	stream, err := m.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		return nil, &MediaAcquisitionError{
			Audio: constraints.Audio,
			Video: constraints.Video,
			Err:   err,
		}
	}

	m.stream = stream
	m.constraints = constraints
	m.log.Infow("acquired local media", "streamID", stream.ID(), "audio", constraints.Audio, "video", constraints.Video)
	return stream, nil
}

// Release stops every track of the current stream. Track stop failures are
// logged and the remaining tracks are still stopped.
func (m *LocalMediaSource) Release() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.releaseLocked()
}

func (m *LocalMediaSource) releaseLocked() {
	if m.stream == nil {
		return
	}

	for _, track := range m.stream.Tracks() {
		if err := track.Stop(); err != nil {
			m.log.Warnw("could not stop local track", err, "trackID", track.ID(), "kind", track.Kind().String())
		}
	}
	m.log.Debugw("released local media", "streamID", m.stream.ID())
	m.stream = nil
	m.constraints = capture.Constraints{}
}

func (m *LocalMediaSource) Stream() *capture.Stream {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.stream
}

// Constraints returns what the current stream carries.
func (m *LocalMediaSource) Constraints() capture.Constraints {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.constraints
}

// Tracks returns the current outgoing tracks. Either may be nil.
func (m *LocalMediaSource) Tracks() (audio webrtc.TrackLocal, video webrtc.TrackLocal) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.stream == nil {
		return nil, nil
	}
	if tracks := m.stream.AudioTracks(); len(tracks) > 0 {
		audio = tracks[0]
	}
	if tracks := m.stream.VideoTracks(); len(tracks) > 0 {
		video = tracks[0]
	}
	return audio, video
}
