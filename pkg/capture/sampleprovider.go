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
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SampleProvider feeds a capture track. NextSample is only called from the
// track's write worker.
type SampleProvider interface {
	NextSample(ctx context.Context) (media.Sample, error)
	Close() error
}

// CodecProvider is implemented by providers whose payload dictates the codec,
// such as file readers.
type CodecProvider interface {
	Codec() webrtc.RTPCodecCapability
}

// SampleProviderFactory opens a fresh provider for every acquisition.
type SampleProviderFactory func() (SampleProvider, error)

// NullSampleProvider is a media provider that provides null packets, it could meet a certain bitrate, if desired
type NullSampleProvider struct {
	BytesPerSample uint32
	SampleDuration time.Duration
}

func NewNullSampleProvider(bitrate uint32) *NullSampleProvider {
	return &NullSampleProvider{
		SampleDuration: time.Second / 30,
		BytesPerSample: bitrate / 8 / 30,
	}
}

func (p *NullSampleProvider) NextSample(ctx context.Context) (media.Sample, error) {
	if err := ctx.Err(); err != nil {
		return media.Sample{}, err
	}
	return media.Sample{
		Data:     make([]byte, p.BytesPerSample),
		Duration: p.SampleDuration,
	}, nil
}

func (p *NullSampleProvider) Close() error {
	return nil
}

func nullProviderFactory(bitrate uint32) SampleProviderFactory {
	return func() (SampleProvider, error) {
		return NewNullSampleProvider(bitrate), nil
	}
}
