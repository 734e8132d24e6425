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
	"errors"
	"io"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
)

var _ Track = (*SampleTrack)(nil)

// SampleTrack is a capture track. A worker pulls samples from its provider at
// the pace of the sample durations and writes them to every bound sender.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample

	provider SampleProvider
	log      protoLogger.Logger

	stopOnce    sync.Once
	stopped     core.Fuse
	cancelWrite context.CancelFunc
	writeClosed chan struct{}
	stopErr     error
	onStop      func()
}

func newSampleTrack(
	codec webrtc.RTPCodecCapability,
	trackID string,
	streamID string,
	provider SampleProvider,
	log protoLogger.Logger,
	onStop func(),
) (*SampleTrack, error) {
	rtpTrack, err := webrtc.NewTrackLocalStaticSample(codec, trackID, streamID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &SampleTrack{
		TrackLocalStaticSample: rtpTrack,
		provider:               provider,
		log:                    log.WithValues("trackID", trackID, "kind", rtpTrack.Kind().String()),
		cancelWrite:            cancel,
		writeClosed:            make(chan struct{}),
		onStop:                 onStop,
	}
	go t.writeWorker(ctx)
	return t, nil
}

func (t *SampleTrack) Stopped() bool {
	return t.stopped.IsBroken()
}

// Done is closed once the track has been stopped.
func (t *SampleTrack) Done() <-chan struct{} {
	return t.stopped.Watch()
}

func (t *SampleTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.stopped.Break()
		t.cancelWrite()
		// the provider is not safe to close while the worker reads it
		<-t.writeClosed
		t.stopErr = t.provider.Close()
		if t.onStop != nil {
			t.onStop()
		}
		t.log.Debugw("capture track stopped")
	})
	return t.stopErr
}

func (t *SampleTrack) writeWorker(ctx context.Context) {
	defer close(t.writeClosed)

	nextSampleTime := time.Now()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		sample, err := t.provider.NextSample(ctx)
		if err == io.EOF || errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			t.log.Errorw("could not get sample from provider", err)
			return
		}

		// a sender going away mid-write must not end the track for the other peers
		if err := t.WriteSample(sample); err != nil {
			t.log.Debugw("could not write sample", "error", err)
		}

		// account for clock drift
		nextSampleTime = nextSampleTime.Add(sample.Duration)
		sleepDuration := time.Until(nextSampleTime)
		if sleepDuration <= 0 {
			continue
		}
		ticker.Reset(sleepDuration)

		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return
		}
	}
}
