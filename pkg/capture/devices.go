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
	"context"
	"fmt"
	"sync"

	protoLogger "github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"
	"github.com/pion/webrtc/v4"
)

const (
	trackPrefix  = "TR_"
	streamPrefix = "ST_"

	defaultAudioBitrate = 32_000
	defaultVideoBitrate = 300_000
)

var (
	defaultAudioCodec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusClockRate,
		Channels:  2,
	}
	defaultVideoCodec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: videoClockRate,
	}
)

type device struct {
	present  bool
	busy     bool
	provider SampleProviderFactory
}

// Devices models the microphone and camera of this machine. Each device can be
// held by one stream at a time, the same way a browser hands out a camera.
type Devices struct {
	log protoLogger.Logger

	lock             sync.Mutex
	permissionDenied bool
	microphone       device
	camera           device
}

type DevicesOption func(*Devices)

func WithLogger(l protoLogger.Logger) DevicesOption {
	return func(d *Devices) {
		d.log = l
	}
}

// WithPermissionDenied makes every request fail as if the user refused access.
func WithPermissionDenied() DevicesOption {
	return func(d *Devices) {
		d.permissionDenied = true
	}
}

func WithoutCamera() DevicesOption {
	return func(d *Devices) {
		d.camera.present = false
	}
}

func WithoutMicrophone() DevicesOption {
	return func(d *Devices) {
		d.microphone.present = false
	}
}

func WithAudioProvider(f SampleProviderFactory) DevicesOption {
	return func(d *Devices) {
		d.microphone.provider = f
	}
}

func WithVideoProvider(f SampleProviderFactory) DevicesOption {
	return func(d *Devices) {
		d.camera.provider = f
	}
}

// WithAudioFile plays an Ogg/Opus file on a loop as the microphone.
func WithAudioFile(path string) DevicesOption {
	return WithAudioProvider(FileProviderFactory(path))
}

// WithVideoFile plays an IVF file on a loop as the camera.
func WithVideoFile(path string) DevicesOption {
	return WithVideoProvider(FileProviderFactory(path))
}

func NewDevices(opts ...DevicesOption) *Devices {
	d := &Devices{
		microphone: device{present: true, provider: nullProviderFactory(defaultAudioBitrate)},
		camera:     device{present: true, provider: nullProviderFactory(defaultVideoBitrate)},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = protoLogger.GetLogger()
	}
	return d
}

func (d *Devices) SetPermissionDenied(denied bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.permissionDenied = denied
}

// InUse reports which devices are currently held by an unstopped track.
func (d *Devices) InUse() (audio bool, video bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.microphone.busy, d.camera.busy
}

// GetUserMedia hands out a stream with one track per requested kind.
func (d *Devices) GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if constraints.IsEmpty() {
		return nil, ErrInvalidConstraints
	}

	d.lock.Lock()
	if d.permissionDenied {
		d.lock.Unlock()
		return nil, ErrPermissionDenied
	}
	if err := d.claim(constraints); err != nil {
		d.lock.Unlock()
		return nil, err
	}
	d.lock.Unlock()

	streamID := guid.New(streamPrefix)
	var tracks []Track
	fail := func(err error) (*Stream, error) {
		for _, t := range tracks {
			_ = t.Stop()
		}
		// tracks that were never built still hold their claim
		d.releaseUnbuilt(constraints, tracks)
		return nil, err
	}

	if constraints.Audio {
		t, err := d.newTrack(webrtc.RTPCodecTypeAudio, streamID)
		if err != nil {
			return fail(err)
		}
		tracks = append(tracks, t)
	}
	if constraints.Video {
		t, err := d.newTrack(webrtc.RTPCodecTypeVideo, streamID)
		if err != nil {
			return fail(err)
		}
		tracks = append(tracks, t)
	}

	d.log.Debugw("acquired media", "streamID", streamID, "audio", constraints.Audio, "video", constraints.Video)
	return NewStream(streamID, tracks...), nil
}

// claim must be called with d.lock held.
func (d *Devices) claim(constraints Constraints) error {
	if constraints.Audio {
		if !d.microphone.present {
			return fmt.Errorf("microphone: %w", ErrDeviceNotFound)
		}
		if d.microphone.busy {
			return fmt.Errorf("microphone: %w", ErrDeviceBusy)
		}
	}
	if constraints.Video {
		if !d.camera.present {
			return fmt.Errorf("camera: %w", ErrDeviceNotFound)
		}
		if d.camera.busy {
			return fmt.Errorf("camera: %w", ErrDeviceBusy)
		}
	}
	if constraints.Audio {
		d.microphone.busy = true
	}
	if constraints.Video {
		d.camera.busy = true
	}
	return nil
}

func (d *Devices) releaseUnbuilt(constraints Constraints, built []Track) {
	audio, video := constraints.Audio, constraints.Video
	for _, t := range built {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			audio = false
		case webrtc.RTPCodecTypeVideo:
			video = false
		}
	}
	if audio {
		d.release(webrtc.RTPCodecTypeAudio)
	}
	if video {
		d.release(webrtc.RTPCodecTypeVideo)
	}
}

func (d *Devices) release(kind webrtc.RTPCodecType) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if kind == webrtc.RTPCodecTypeAudio {
		d.microphone.busy = false
	} else {
		d.camera.busy = false
	}
}

func (d *Devices) newTrack(kind webrtc.RTPCodecType, streamID string) (*SampleTrack, error) {
	d.lock.Lock()
	factory := d.camera.provider
	codec := defaultVideoCodec
	if kind == webrtc.RTPCodecTypeAudio {
		factory = d.microphone.provider
		codec = defaultAudioCodec
	}
	d.lock.Unlock()

	provider, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", kind, ErrDeviceUnavailable, err)
	}
	if cp, ok := provider.(CodecProvider); ok {
		codec = cp.Codec()
	}

	track, err := newSampleTrack(codec, guid.New(trackPrefix), streamID, provider, d.log, func() {
		d.release(kind)
	})
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	return track, nil
}
